// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elftest builds minimal ELF64 shared objects for tests:
// just enough structure for debug/elf and the resolver to accept
// them, with configurable soname, dependencies, version definitions
// and dynamic symbols.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// A Sym is one defined dynamic symbol for a fixture.
type Sym struct {
	Name    string
	Version string // names one of Config.Versions, or ""
	Value   uint64
	Size    uint64
}

// Config describes a fixture object.
type Config struct {
	// Soname sets DT_SONAME. Empty omits the tag.
	Soname string
	// Needed sets the DT_NEEDED list.
	Needed []string
	// Versions are version-definition names (DT_VERDEF), base
	// excluded.
	Versions []string
	// Syms are the defined dynamic symbols.
	Syms []Sym
	// Machine defaults to EM_X86_64.
	Machine elf.Machine
}

const (
	ehSize  = 64
	phSize  = 56
	shSize  = 64
	symSize = 24
	dynSize = 16
)

type strtab struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{off: make(map[string]uint32)}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.off[s] = off
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	return off
}

// Build returns the bytes of a shared object matching cfg.
func Build(cfg Config) []byte {
	le := binary.LittleEndian
	machine := cfg.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}

	dynstr := newStrtab()

	// Intern every string first so offsets are stable.
	sonameOff := dynstr.add(cfg.Soname)
	neededOff := make([]uint32, len(cfg.Needed))
	for i, n := range cfg.Needed {
		neededOff[i] = dynstr.add(n)
	}
	baseName := cfg.Soname
	if baseName == "" {
		baseName = "fixture"
	}
	baseOff := dynstr.add(baseName)
	verOff := make([]uint32, len(cfg.Versions))
	verNdx := make(map[string]uint16)
	for i, v := range cfg.Versions {
		verOff[i] = dynstr.add(v)
		verNdx[v] = uint16(2 + i)
	}
	symOff := make([]uint32, len(cfg.Syms))
	for i, s := range cfg.Syms {
		symOff[i] = dynstr.add(s.Name)
	}

	// .dynsym: null symbol plus the defined ones.
	var dynsym bytes.Buffer
	dynsym.Write(make([]byte, symSize))
	for i, s := range cfg.Syms {
		var ent [symSize]byte
		le.PutUint32(ent[0:], symOff[i])
		ent[4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)
		le.PutUint16(ent[6:], 1) // defined: any non-reserved section
		value := s.Value
		if value == 0 {
			value = 0x1000 + uint64(i)*16
		}
		le.PutUint64(ent[8:], value)
		le.PutUint64(ent[16:], s.Size)
		dynsym.Write(ent[:])
	}

	// .gnu.version: one half-word per dynsym entry.
	var versym bytes.Buffer
	if len(cfg.Versions) > 0 {
		var half [2]byte
		versym.Write(half[:]) // null symbol: local
		for _, s := range cfg.Syms {
			ndx := uint16(1) // global, unversioned
			if s.Version != "" {
				ndx = verNdx[s.Version]
			}
			le.PutUint16(half[:], ndx)
			versym.Write(half[:])
		}
	}

	// .gnu.version_d: base definition plus one per version.
	var verdef bytes.Buffer
	if len(cfg.Versions) > 0 {
		writeDef := func(ndx, flags uint16, nameOff uint32, last bool) {
			var d [20]byte
			le.PutUint16(d[0:], 1) // vd_version
			le.PutUint16(d[2:], flags)
			le.PutUint16(d[4:], ndx)
			le.PutUint16(d[6:], 1)  // vd_cnt
			le.PutUint32(d[12:], 20) // vd_aux
			if !last {
				le.PutUint32(d[16:], 28) // vd_next
			}
			verdef.Write(d[:])
			var aux [8]byte
			le.PutUint32(aux[0:], nameOff)
			verdef.Write(aux[:])
		}
		writeDef(1, 1 /* VER_FLG_BASE */, baseOff, false)
		for i := range cfg.Versions {
			writeDef(uint16(2+i), 0, verOff[i], i == len(cfg.Versions)-1)
		}
	}

	// Lay out the file: ehdr, phdrs, .dynsym, .dynstr, .gnu.version,
	// .gnu.version_d, .dynamic, .shstrtab, shdrs. Loaded sections
	// get vaddr == file offset.
	const phNum = 2
	off := uint64(ehSize + phNum*phSize)
	align := func(n uint64) uint64 { return (off + n - 1) &^ (n - 1) }

	off = align(8)
	dynsymOff := off
	off += uint64(dynsym.Len())
	dynstrOff := off
	off += uint64(dynstr.buf.Len())
	off = align(2)
	versymOff := off
	off += uint64(versym.Len())
	off = align(4)
	verdefOff := off
	off += uint64(verdef.Len())
	off = align(8)
	dynamicOff := off

	// .dynamic.
	var dynamic bytes.Buffer
	writeDyn := func(tag elf.DynTag, val uint64) {
		var d [dynSize]byte
		le.PutUint64(d[0:], uint64(tag))
		le.PutUint64(d[8:], val)
		dynamic.Write(d[:])
	}
	for _, n := range neededOff {
		writeDyn(elf.DT_NEEDED, uint64(n))
	}
	if cfg.Soname != "" {
		writeDyn(elf.DT_SONAME, uint64(sonameOff))
	}
	writeDyn(elf.DT_SYMTAB, dynsymOff)
	writeDyn(elf.DT_SYMENT, symSize)
	writeDyn(elf.DT_STRTAB, dynstrOff)
	writeDyn(elf.DT_STRSZ, uint64(dynstr.buf.Len()))
	writeDyn(elf.DT_NULL, 0)
	off += uint64(dynamic.Len())
	loadEnd := off

	shstr := newStrtab()
	type sect struct {
		name    string
		typ     elf.SectionType
		flags   elf.SectionFlag
		off     uint64
		size    uint64
		link    uint32
		info    uint32
		align   uint64
		entsize uint64
	}
	sects := []sect{
		{},
		{".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, dynsymOff, uint64(dynsym.Len()), 2, 1, 8, symSize},
		{".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, dynstrOff, uint64(dynstr.buf.Len()), 0, 0, 1, 0},
	}
	if len(cfg.Versions) > 0 {
		sects = append(sects,
			sect{".gnu.version", elf.SHT_GNU_VERSYM, elf.SHF_ALLOC, versymOff, uint64(versym.Len()), 1, 0, 2, 2},
			sect{".gnu.version_d", elf.SHT_GNU_VERDEF, elf.SHF_ALLOC, verdefOff, uint64(verdef.Len()), 2, uint32(1 + len(cfg.Versions)), 4, 0},
		)
	}
	sects = append(sects,
		sect{".dynamic", elf.SHT_DYNAMIC, elf.SHF_ALLOC | elf.SHF_WRITE, dynamicOff, uint64(dynamic.Len()), 2, 0, 8, dynSize},
	)
	shstrOff := off
	shstrIdx := len(sects)
	sects = append(sects,
		sect{".shstrtab", elf.SHT_STRTAB, 0, shstrOff, 0, 0, 0, 1, 0},
	)
	for i := range sects {
		shstr.add(sects[i].name)
	}
	sects[shstrIdx].size = uint64(shstr.buf.Len())
	off += uint64(shstr.buf.Len())
	off = (off + 7) &^ 7
	shoff := off

	// Assemble.
	var out bytes.Buffer
	ehdr := make([]byte, ehSize)
	copy(ehdr, elf.ELFMAG)
	ehdr[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ehdr[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ehdr[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(ehdr[16:], uint16(elf.ET_DYN))
	le.PutUint16(ehdr[18:], uint16(machine))
	le.PutUint32(ehdr[20:], 1)
	le.PutUint64(ehdr[32:], ehSize) // e_phoff
	le.PutUint64(ehdr[40:], shoff)
	le.PutUint16(ehdr[52:], ehSize)
	le.PutUint16(ehdr[54:], phSize)
	le.PutUint16(ehdr[56:], phNum)
	le.PutUint16(ehdr[58:], shSize)
	le.PutUint16(ehdr[60:], uint16(len(sects)))
	le.PutUint16(ehdr[62:], uint16(shstrIdx))
	out.Write(ehdr)

	writePhdr := func(typ elf.ProgType, flags elf.ProgFlag, off, size uint64) {
		ph := make([]byte, phSize)
		le.PutUint32(ph[0:], uint32(typ))
		le.PutUint32(ph[4:], uint32(flags))
		le.PutUint64(ph[8:], off)   // p_offset
		le.PutUint64(ph[16:], off)  // p_vaddr
		le.PutUint64(ph[24:], off)  // p_paddr
		le.PutUint64(ph[32:], size) // p_filesz
		le.PutUint64(ph[40:], size) // p_memsz
		le.PutUint64(ph[48:], 0x1000)
		out.Write(ph)
	}
	writePhdr(elf.PT_LOAD, elf.PF_R|elf.PF_W, 0, loadEnd)
	writePhdr(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W, dynamicOff, uint64(dynamic.Len()))

	pad := func(to uint64) {
		for uint64(out.Len()) < to {
			out.WriteByte(0)
		}
	}
	pad(dynsymOff)
	out.Write(dynsym.Bytes())
	pad(dynstrOff)
	out.Write(dynstr.buf.Bytes())
	pad(versymOff)
	out.Write(versym.Bytes())
	pad(verdefOff)
	out.Write(verdef.Bytes())
	pad(dynamicOff)
	out.Write(dynamic.Bytes())
	pad(shstrOff)
	out.Write(shstr.buf.Bytes())
	pad(shoff)

	for _, s := range sects {
		sh := make([]byte, shSize)
		le.PutUint32(sh[0:], shstr.off[s.name])
		le.PutUint32(sh[4:], uint32(s.typ))
		le.PutUint64(sh[8:], uint64(s.flags))
		if s.flags&elf.SHF_ALLOC != 0 {
			le.PutUint64(sh[16:], s.off) // sh_addr == file offset
		}
		le.PutUint64(sh[24:], s.off)
		le.PutUint64(sh[32:], s.size)
		le.PutUint32(sh[40:], s.link)
		le.PutUint32(sh[44:], s.info)
		le.PutUint64(sh[48:], s.align)
		le.PutUint64(sh[56:], s.entsize)
		out.Write(sh)
	}
	return out.Bytes()
}

// Write builds a fixture and writes it to dir/name, creating parent
// directories as needed.
func Write(t *testing.T, dir, name string, cfg Config) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, Build(cfg), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}
