// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dlmap

import (
	"debug/elf"
	"strings"

	"github.com/aclements/go-capsule/internal/debuglog"
	"github.com/aclements/go-capsule/internal/elfx"
	"github.com/aclements/go-capsule/internal/procmaps"
)

// System builds the default namespace from the live process map:
// every distinct ELF object with a file-backed mapping becomes an
// Image backed by raw memory access. Objects that cannot be parsed
// are logged and skipped; the map line for them stays authoritative
// for protection decisions either way.
func System() (*Namespace, error) {
	snap, err := procmaps.Take()
	if err != nil {
		return nil, err
	}
	ns := NewNamespace("base")

	// The base address of an object is the start of its first
	// mapping (offset 0).
	seen := make(map[string]bool)
	for i := range snap.Regions {
		reg := &snap.Regions[i]
		if reg.Path == "" || reg.Offset != 0 || reg.Inode == 0 {
			continue
		}
		if strings.HasPrefix(reg.Path, "[") || seen[reg.Path] {
			continue
		}
		seen[reg.Path] = true

		img, err := describe(reg.Path, reg.Start)
		if err != nil {
			debuglog.Logf(debuglog.Elf, "skipping %s: %v", reg.Path, err)
			continue
		}
		if err := ns.Add(img); err != nil {
			debuglog.Logf(debuglog.Elf, "skipping %s: %v", reg.Path, err)
		}
	}
	return ns, nil
}

// describe builds an Image for an object the host loader already
// mapped at mapStart.
func describe(path string, mapStart uint64) (*Image, error) {
	f, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ef := f.Elf()
	a := f.Arch()
	if a == nil {
		return nil, elfx.ErrWrongABI
	}

	var phdrs []elf.ProgHeader
	firstLoad := -1
	for i, p := range ef.Progs {
		phdrs = append(phdrs, p.ProgHeader)
		if firstLoad < 0 && p.Type == elf.PT_LOAD {
			firstLoad = i
		}
	}
	if firstLoad < 0 {
		return nil, elfx.ErrMalformed
	}

	// For ET_DYN the load bias is where the first segment landed;
	// ET_EXEC objects sit at their linked addresses.
	base := uint64(0)
	if ef.Type == elf.ET_DYN {
		base = mapStart - phdrs[firstLoad].Vaddr
	}

	img := &Image{
		Name:   path,
		Soname: f.Soname(),
		Base:   base,
		Arch:   a,
		Order:  ef.ByteOrder,
		Phdrs:  phdrs,
		Mem:    &RawMemory{Order: ef.ByteOrder, PtrSize: a.PtrSize},
	}
	dynSyms, err := ef.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, err
	}
	img.syms = newSymTable(dynSyms, base)
	return img, nil
}
