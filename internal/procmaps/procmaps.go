// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package procmaps snapshots /proc/self/maps and toggles page
// protections on mapped regions. The relocation engine uses it to
// lift PROT_WRITE onto RELRO-protected GOT pages and to restore the
// original protection afterwards.
package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/aclements/go-capsule/internal/debuglog"
)

// A Region is one line of the maps pseudo-file.
type Region struct {
	Start, End uint64
	Prot       int // unix.PROT_* bits
	Private    bool
	Offset     uint64
	Dev        string
	Inode      uint64
	Path       string
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

// Writable reports whether the region currently has PROT_WRITE.
func (r *Region) Writable() bool {
	return r.Prot&unix.PROT_WRITE != 0
}

// A Snapshot is a parsed copy of the process memory map at one point
// in time.
type Snapshot struct {
	Regions []Region
}

// Take parses /proc/self/maps.
func Take() (*Snapshot, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a maps-format stream. Split out from Take so tests can
// feed captured fixtures.
func Parse(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		reg, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("bad maps line %q: %v", line, err)
		}
		snap.Regions = append(snap.Regions, reg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// A line looks like:
//
//	7f0a4c000000-7f0a4c021000 rw-p 00000000 08:01 1234567  /usr/lib/libGL.so.1
func parseLine(line string) (Region, error) {
	var reg Region
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return reg, fmt.Errorf("want at least 5 fields, got %d", len(fields))
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return reg, fmt.Errorf("bad address range %q", fields[0])
	}
	var err error
	if reg.Start, err = strconv.ParseUint(addrs[0], 16, 64); err != nil {
		return reg, err
	}
	if reg.End, err = strconv.ParseUint(addrs[1], 16, 64); err != nil {
		return reg, err
	}

	perms := fields[1]
	if len(perms) < 4 {
		return reg, fmt.Errorf("bad permissions %q", perms)
	}
	if perms[0] == 'r' {
		reg.Prot |= unix.PROT_READ
	}
	if perms[1] == 'w' {
		reg.Prot |= unix.PROT_WRITE
	}
	if perms[2] == 'x' {
		reg.Prot |= unix.PROT_EXEC
	}
	reg.Private = perms[3] == 'p'

	if reg.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return reg, err
	}
	reg.Dev = fields[3]
	if reg.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return reg, err
	}
	if len(fields) >= 6 {
		reg.Path = strings.Join(fields[5:], " ")
	}
	return reg, nil
}

// Find returns the region containing addr, or nil.
func (s *Snapshot) Find(addr uint64) *Region {
	for i := range s.Regions {
		if s.Regions[i].Contains(addr) {
			return &s.Regions[i]
		}
	}
	return nil
}

// Protector applies and reverts protection changes. The default
// implementation issues real mprotect calls; tests substitute a
// recording fake.
type Protector interface {
	Mprotect(start, end uint64, prot int) error
}

// SysProtector issues mprotect system calls against the live process.
type SysProtector struct{}

func (SysProtector) Mprotect(start, end uint64, prot int) error {
	return mprotect(start, end, prot)
}

// A WriteLift temporarily adds PROT_WRITE to a set of regions and
// remembers their original protections so they can be restored
// exactly. Restore must run before the enclosing operation returns,
// on error paths included.
type WriteLift struct {
	p      Protector
	lifted []Region
}

// NewWriteLift returns a lift that applies changes through p.
func NewWriteLift(p Protector) *WriteLift {
	return &WriteLift{p: p}
}

// Open adds PROT_WRITE to the region containing addr if it is not
// already writable. Opening the same region twice is a no-op.
func (l *WriteLift) Open(s *Snapshot, addr uint64) error {
	reg := s.Find(addr)
	if reg == nil {
		return fmt.Errorf("address %#x not in any mapped region", addr)
	}
	if reg.Writable() {
		return nil
	}
	for i := range l.lifted {
		if l.lifted[i].Start == reg.Start {
			return nil
		}
	}
	debuglog.Logf(debuglog.MProtect, "opening %#x-%#x (%s) for writing", reg.Start, reg.End, reg.Path)
	if err := l.p.Mprotect(reg.Start, reg.End, reg.Prot|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect %#x-%#x: %v", reg.Start, reg.End, err)
	}
	l.lifted = append(l.lifted, *reg)
	return nil
}

// Restore reverts every region opened by the lift to its snapshot
// protection. It keeps going past individual failures and returns the
// first error.
func (l *WriteLift) Restore() error {
	var first error
	for i := len(l.lifted) - 1; i >= 0; i-- {
		reg := &l.lifted[i]
		debuglog.Logf(debuglog.MProtect, "restoring %#x-%#x to %#o", reg.Start, reg.End, reg.Prot)
		if err := l.p.Mprotect(reg.Start, reg.End, reg.Prot); err != nil && first == nil {
			first = fmt.Errorf("restore mprotect %#x-%#x: %v", reg.Start, reg.End, err)
		}
	}
	l.lifted = nil
	return first
}
