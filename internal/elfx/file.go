// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elfx provides the ELF plumbing shared by the dependency
// resolver, the relocation engine and the library comparators: file
// inspection on top of debug/elf, and dynamic-section access for
// objects that are already mapped into memory.
package elfx

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aclements/go-capsule/internal/arch"
)

// ErrMalformed reports an unparseable or structurally invalid ELF
// object.
var ErrMalformed = errors.New("malformed ELF object")

// ErrWrongABI reports an ELF class or machine mismatch against the
// resolver's architecture.
var ErrWrongABI = errors.New("wrong ELF class or machine")

// File is an open ELF shared object. It keeps the underlying file
// descriptor open so the loader can hand it off; Close releases it.
type File struct {
	Path string

	elf *elf.File
	osf *os.File
}

// Open opens path and parses it as an ELF object.
func Open(path string) (*File, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := elf.NewFile(osf)
	if err != nil {
		osf.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return &File{Path: path, elf: ef, osf: osf}, nil
}

// Close releases the file descriptor.
func (f *File) Close() error {
	f.elf.Close()
	return f.osf.Close()
}

// Elf exposes the underlying debug/elf handle.
func (f *File) Elf() *elf.File { return f.elf }

// Class returns the ELF class of the object.
func (f *File) Class() elf.Class { return f.elf.Class }

// Machine returns the ELF machine type of the object.
func (f *File) Machine() elf.Machine { return f.elf.Machine }

// Arch returns the Arch for this object, or nil if unsupported.
func (f *File) Arch() *arch.Arch { return arch.ByMachine(f.elf.Machine) }

// CheckArch verifies that the object matches a. A resolver serves
// exactly one architecture, so a mismatch is fatal for that object.
func (f *File) CheckArch(a *arch.Arch) error {
	if a == nil {
		return fmt.Errorf("%w: unsupported machine %v", ErrWrongABI, f.elf.Machine)
	}
	if f.elf.Class != a.Class || f.elf.Machine != a.Machine {
		return fmt.Errorf("%w: %s is %v/%v, want %v/%v",
			ErrWrongABI, f.Path, f.elf.Class, f.elf.Machine, a.Class, a.Machine)
	}
	return nil
}

// Needed returns the DT_NEEDED entries of the object in file order.
func (f *File) Needed() ([]string, error) {
	libs, err := f.elf.ImportedLibraries()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, f.Path, err)
	}
	return libs, nil
}

// Soname returns the object's DT_SONAME, falling back to the file's
// basename when the tag is absent.
func (f *File) Soname() string {
	if names, err := f.elf.DynString(elf.DT_SONAME); err == nil && len(names) > 0 {
		return names[0]
	}
	return filepath.Base(f.Path)
}

// SonameMatchesPath reports whether path plausibly holds the library
// named by soname: the path's basename must begin with the soname and
// the remainder must be empty or a "."-continuation. So libFoo.so.2
// matches /a/b/libFoo.so.2 and /a/b/libFoo.so.2.7, but not
// /a/b/libFoo.so.20.
func SonameMatchesPath(soname, path string) bool {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, soname) {
		return false
	}
	rest := base[len(soname):]
	return rest == "" || rest[0] == '.'
}
