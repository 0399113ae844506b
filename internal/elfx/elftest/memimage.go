// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// A MemSym is one defined symbol of a synthetic loaded image.
type MemSym struct {
	Name  string
	Value uint64 // relative to the image base
	Size  uint64
}

// MemImage describes a synthetic loaded shared object: an in-memory
// blob with a PT_DYNAMIC segment, a dynamic symbol table laid out
// immediately before its string table, relocation tables, and a GOT
// area. It stands in for an object mapped by the dynamic linker.
type MemImage struct {
	// Data is the image contents; address base+i maps to Data[i].
	Data []byte
	// Phdrs hold PT_LOAD and PT_DYNAMIC with base-relative vaddrs.
	Phdrs []elf.ProgHeader
	// Slots maps each relocated symbol name to the absolute
	// addresses of its GOT slots, in table order.
	Slots map[string][]uint64
	// GotStart and GotEnd are the absolute bounds of the GOT area.
	GotStart, GotEnd uint64
}

// BuildMem builds a MemImage at base for the AMD64 layout. glob and
// jmp list the symbol names to emit GLOB_DAT and JUMP_SLOT
// relocations for; a repeated name gets one slot per occurrence.
// direct lists names for R_X86_64_64 entries. syms are the symbols
// the image itself defines.
func BuildMem(base uint64, syms []MemSym, glob, jmp, direct []string) *MemImage {
	le := binary.LittleEndian

	// Dynamic symbol table: null entry, undefined entries for
	// every relocated name, then the defined symbols.
	strs := newStrtab()
	type dsym struct {
		nameOff uint32
		value   uint64
		size    uint64
		shndx   uint16
	}
	var dynsyms []dsym
	symIdx := make(map[string]uint64)
	addUndef := func(name string) {
		if _, ok := symIdx[name]; ok {
			return
		}
		symIdx[name] = uint64(len(dynsyms) + 1)
		dynsyms = append(dynsyms, dsym{nameOff: strs.add(name)})
	}
	for _, n := range glob {
		addUndef(n)
	}
	for _, n := range jmp {
		addUndef(n)
	}
	for _, n := range direct {
		addUndef(n)
	}
	for _, s := range syms {
		symIdx[s.Name] = uint64(len(dynsyms) + 1)
		dynsyms = append(dynsyms, dsym{strs.add(s.Name), s.Value, s.Size, 1})
	}

	var symtab bytes.Buffer
	symtab.Write(make([]byte, symSize)) // null symbol
	for _, s := range dynsyms {
		var ent [symSize]byte
		le.PutUint32(ent[0:], s.nameOff)
		ent[4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)
		le.PutUint16(ent[6:], s.shndx)
		le.PutUint64(ent[8:], s.value)
		le.PutUint64(ent[16:], s.size)
		symtab.Write(ent[:])
	}

	// Layout, base-relative: dynamic, symtab, strtab, rela, jmprel,
	// got. The string table must directly follow the symbol table;
	// that layout is how consumers size the symbol table.
	nGot := len(glob) + len(jmp) + len(direct)
	dynOff := uint64(0)
	dynLen := uint64(16 * 16)
	symOff := dynOff + dynLen
	strOff := symOff + uint64(symtab.Len())
	relaOff := (strOff + uint64(strs.buf.Len()) + 7) &^ 7
	relaLen := uint64((len(glob) + len(direct)) * 24)
	jmpOff := relaOff + relaLen
	jmpLen := uint64(len(jmp) * 24)
	gotOff := jmpOff + jmpLen
	total := gotOff + uint64(nGot*8)

	img := &MemImage{
		Data:     make([]byte, total),
		Slots:    make(map[string][]uint64),
		GotStart: base + gotOff,
		GotEnd:   base + gotOff + uint64(nGot*8),
	}

	// Relocation tables.
	slot := gotOff
	var rela, jmprel bytes.Buffer
	writeRela := func(buf *bytes.Buffer, name string, typ uint32) {
		var ent [24]byte
		le.PutUint64(ent[0:], slot)
		le.PutUint64(ent[8:], elf.R_INFO(uint32(symIdx[name]), typ))
		le.PutUint64(ent[16:], 0)
		buf.Write(ent[:])
		img.Slots[name] = append(img.Slots[name], base+slot)
		slot += 8
	}
	for _, n := range glob {
		writeRela(&rela, n, uint32(elf.R_X86_64_GLOB_DAT))
	}
	for _, n := range direct {
		writeRela(&rela, n, uint32(elf.R_X86_64_64))
	}
	for _, n := range jmp {
		writeRela(&jmprel, n, uint32(elf.R_X86_64_JMP_SLOT))
	}

	// Dynamic table. Values are base-relative; consumers fix them
	// up against the load bias.
	var dynamic bytes.Buffer
	writeDyn := func(tag elf.DynTag, val uint64) {
		var ent [16]byte
		le.PutUint64(ent[0:], uint64(tag))
		le.PutUint64(ent[8:], val)
		dynamic.Write(ent[:])
	}
	writeDyn(elf.DT_SYMTAB, symOff)
	writeDyn(elf.DT_STRTAB, strOff)
	writeDyn(elf.DT_STRSZ, uint64(strs.buf.Len()))
	writeDyn(elf.DT_SYMENT, symSize)
	if relaLen > 0 {
		writeDyn(elf.DT_RELA, relaOff)
		writeDyn(elf.DT_RELASZ, relaLen)
		writeDyn(elf.DT_RELAENT, 24)
	}
	if jmpLen > 0 {
		writeDyn(elf.DT_JMPREL, jmpOff)
		writeDyn(elf.DT_PLTRELSZ, jmpLen)
		writeDyn(elf.DT_PLTREL, uint64(elf.DT_RELA))
	}
	writeDyn(elf.DT_NULL, 0)

	copy(img.Data[dynOff:], dynamic.Bytes())
	copy(img.Data[symOff:], symtab.Bytes())
	copy(img.Data[strOff:], strs.buf.Bytes())
	copy(img.Data[relaOff:], rela.Bytes())
	copy(img.Data[jmpOff:], jmprel.Bytes())

	img.Phdrs = []elf.ProgHeader{
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0, Memsz: total, Filesz: total},
		{Type: elf.PT_DYNAMIC, Flags: elf.PF_R | elf.PF_W, Vaddr: dynOff, Memsz: dynLen, Filesz: dynLen},
	}
	return img
}
