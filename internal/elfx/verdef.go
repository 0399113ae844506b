// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfx

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Version-definition decoding. debug/elf (as of go1.22) does not
// expose DT_VERDEF, so we parse the SHT_GNU_VERDEF section directly.
// The record layout is the same for both ELF classes: all fields are
// 16- or 32-bit.

const verFlgBase = 0x1 // VER_FLG_BASE: the definition naming the file itself

type verdef struct {
	ndx  uint16
	flgs uint16
	name string
}

func (f *File) verdefs() ([]verdef, error) {
	sect := f.elf.SectionByType(elf.SHT_GNU_VERDEF)
	if sect == nil {
		return nil, nil
	}
	data, err := sect.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading verdef: %v", ErrMalformed, f.Path, err)
	}
	if int(sect.Link) >= len(f.elf.Sections) {
		return nil, fmt.Errorf("%w: %s: bad verdef string table link", ErrMalformed, f.Path)
	}
	strs, err := f.elf.Sections[sect.Link].Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading verdef strings: %v", ErrMalformed, f.Path, err)
	}
	getString := func(off uint32) string {
		if off >= uint32(len(strs)) {
			return ""
		}
		end := off
		for end < uint32(len(strs)) && strs[end] != 0 {
			end++
		}
		return string(strs[off:end])
	}

	o := f.elf.ByteOrder
	var defs []verdef
	for pos := uint32(0); ; {
		if int(pos)+20 > len(data) {
			break
		}
		flags := o.Uint16(data[pos+2:])
		ndx := o.Uint16(data[pos+4:])
		aux := o.Uint32(data[pos+12:])
		next := o.Uint32(data[pos+16:])

		// Only the first verdaux holds the definition's own name;
		// the rest name its predecessors.
		apos := pos + aux
		var name string
		if int(apos)+8 <= len(data) {
			name = getString(o.Uint32(data[apos:]))
		}
		defs = append(defs, verdef{ndx, flags, name})

		if next == 0 {
			break
		}
		pos += next
	}
	return defs, nil
}

// VersionDefinitions returns the names of the object's DT_VERDEF
// version definitions, excluding the VER_FLG_BASE entry, sorted.
func (f *File) VersionDefinitions() ([]string, error) {
	defs, err := f.verdefs()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range defs {
		if d.flgs&verFlgBase != 0 || d.name == "" {
			continue
		}
		names = append(names, d.name)
	}
	sort.Strings(names)
	return names, nil
}

// versionIndex returns a map from versym index to version name,
// excluding the base definition.
func (f *File) versionIndex() (map[uint16]string, error) {
	defs, err := f.verdefs()
	if err != nil {
		return nil, err
	}
	m := make(map[uint16]string)
	for _, d := range defs {
		if d.flgs&verFlgBase != 0 {
			continue
		}
		m[d.ndx] = d.name
	}
	return m, nil
}

// versyms returns the .gnu.version table: one entry per dynamic
// symbol. A nil result means the object is unversioned.
func (f *File) versyms() ([]uint16, error) {
	sect := f.elf.SectionByType(elf.SHT_GNU_VERSYM)
	if sect == nil {
		return nil, nil
	}
	data, err := sect.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading versym: %v", ErrMalformed, f.Path, err)
	}
	o := f.elf.ByteOrder
	out := make([]uint16, len(data)/2)
	for i := range out {
		// The top bit marks hidden versions; the index is the rest.
		out[i] = o.Uint16(data[2*i:]) & 0x7fff
	}
	return out, nil
}
