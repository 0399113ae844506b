// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfx

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/aclements/go-capsule/internal/arch"
	"github.com/aclements/go-capsule/internal/debuglog"
)

// Mem is read access to a loaded object's virtual address space.
// Implementations are backed by the live process image or, in tests,
// by byte slices.
type Mem interface {
	// Bytes returns n bytes of memory starting at virtual address
	// addr. The result may alias the underlying storage.
	Bytes(addr uint64, n int) ([]byte, error)
}

// DynInfo holds the dynamic-section entries the relocation engine
// needs, with addresses fixed up to be absolute.
type DynInfo struct {
	StrTab, StrSz  uint64
	SymTab, SymSz  uint64
	JmpRel         uint64
	PltRelSz       uint64
	PltRela        bool // DT_PLTREL == DT_RELA
	Rela, RelaSz   uint64
	Rel, RelSz     uint64
}

// A Reloc is one relocation entry from a loaded object, resolved to
// its symbol name and the absolute address of its slot.
type Reloc struct {
	// Slot is the absolute address of the pointer to rewrite.
	Slot uint64
	// Type is the machine-specific relocation type.
	Type uint32
	// Name is the relocation's symbol name. Empty for relocations
	// with no symbol.
	Name string
}

// DynView reads the PT_DYNAMIC segment of one loaded object.
type DynView struct {
	mem   Mem
	arch  *arch.Arch
	order binary.ByteOrder
	base  uint64
	info  DynInfo
}

// NewDynView locates the PT_DYNAMIC segment among phdrs and scans it.
// base is the object's load bias. Dynamic-entry pointer values below
// base are treated as base-relative and fixed up; values at or above
// it are taken as already absolute, matching how the runtime linker
// leaves them.
func NewDynView(mem Mem, a *arch.Arch, order binary.ByteOrder, base uint64, phdrs []elf.ProgHeader) (*DynView, error) {
	v := &DynView{mem: mem, arch: a, order: order, base: base}

	var dyn *elf.ProgHeader
	for i := range phdrs {
		if phdrs[i].Type == elf.PT_DYNAMIC {
			dyn = &phdrs[i]
			break
		}
	}
	if dyn == nil {
		return nil, fmt.Errorf("%w: no PT_DYNAMIC segment", ErrMalformed)
	}

	entSize := 2 * a.PtrSize
	data, err := mem.Bytes(base+dyn.Vaddr, int(dyn.Memsz))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable PT_DYNAMIC: %v", ErrMalformed, err)
	}

	fixup := func(val uint64) uint64 {
		if val < base {
			return base + val
		}
		return val
	}

	for off := 0; off+entSize <= len(data); off += entSize {
		var tag, val uint64
		if a.PtrSize == 8 {
			tag = order.Uint64(data[off:])
			val = order.Uint64(data[off+8:])
		} else {
			tag = uint64(order.Uint32(data[off:]))
			val = uint64(order.Uint32(data[off+4:]))
		}
		switch elf.DynTag(tag) {
		case elf.DT_NULL:
			off = len(data)
		case elf.DT_STRTAB:
			v.info.StrTab = fixup(val)
		case elf.DT_STRSZ:
			v.info.StrSz = val
		case elf.DT_SYMTAB:
			v.info.SymTab = fixup(val)
		case elf.DT_JMPREL:
			v.info.JmpRel = fixup(val)
		case elf.DT_PLTRELSZ:
			v.info.PltRelSz = val
		case elf.DT_PLTREL:
			v.info.PltRela = elf.DynTag(val) == elf.DT_RELA
		case elf.DT_RELA:
			v.info.Rela = fixup(val)
		case elf.DT_RELASZ:
			v.info.RelaSz = val
		case elf.DT_REL:
			v.info.Rel = fixup(val)
		case elf.DT_RELSZ:
			v.info.RelSz = val
		}
	}

	if v.info.StrTab == 0 || v.info.SymTab == 0 {
		return nil, fmt.Errorf("%w: dynamic section has no string or symbol table", ErrMalformed)
	}
	// The conventional glibc layout places .dynsym immediately
	// before .dynstr, which is the only way to size the symbol
	// table from DT entries alone.
	if v.info.StrTab > v.info.SymTab {
		v.info.SymSz = v.info.StrTab - v.info.SymTab
	}
	return v, nil
}

// Info returns the decoded dynamic entries.
func (v *DynView) Info() DynInfo { return v.info }

// Base returns the object's load bias.
func (v *DynView) Base() uint64 { return v.base }

func (v *DynView) symEntSize() int {
	if v.arch.PtrSize == 8 {
		return 24
	}
	return 16
}

// SymbolName returns the name of dynamic symbol idx, or "" when the
// index is out of the deduced table bounds.
func (v *DynView) SymbolName(idx uint32) (string, error) {
	ent := v.symEntSize()
	off := uint64(idx) * uint64(ent)
	if v.info.SymSz != 0 && off+uint64(ent) > v.info.SymSz {
		return "", nil
	}
	data, err := v.mem.Bytes(v.info.SymTab+off, 4)
	if err != nil {
		return "", err
	}
	nameOff := uint64(v.order.Uint32(data))
	if v.info.StrSz != 0 && nameOff >= v.info.StrSz {
		return "", nil
	}
	return v.cstring(v.info.StrTab + nameOff)
}

// cstring reads a NUL-terminated string at addr in chunks.
func (v *DynView) cstring(addr uint64) (string, error) {
	const chunk = 64
	var out []byte
	for len(out) < 4096 {
		data, err := v.mem.Bytes(addr+uint64(len(out)), chunk)
		if err != nil {
			// A string can end right at a mapping boundary;
			// retry byte-wise before giving up.
			for i := 0; i < chunk; i++ {
				b, err := v.mem.Bytes(addr+uint64(len(out)), 1)
				if err != nil {
					return "", err
				}
				if b[0] == 0 {
					return string(out), nil
				}
				out = append(out, b[0])
			}
			continue
		}
		for _, b := range data {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
	}
	return "", fmt.Errorf("%w: unterminated string at %#x", ErrMalformed, addr)
}

// VisitRelocs walks the object's DT_RELA, DT_REL and DT_JMPREL tables
// and calls fn for each entry that names a symbol and whose type
// targets a pointer-sized slot. Other types are logged under the
// reloc topic and skipped.
func (v *DynView) VisitRelocs(fn func(Reloc) error) error {
	if v.info.Rela != 0 {
		if err := v.visitTable(v.info.Rela, v.info.RelaSz, true, fn); err != nil {
			return err
		}
	}
	if v.info.Rel != 0 {
		if err := v.visitTable(v.info.Rel, v.info.RelSz, false, fn); err != nil {
			return err
		}
	}
	if v.info.JmpRel != 0 {
		if err := v.visitTable(v.info.JmpRel, v.info.PltRelSz, v.info.PltRela, fn); err != nil {
			return err
		}
	}
	return nil
}

func (v *DynView) visitTable(addr, size uint64, rela bool, fn func(Reloc) error) error {
	ptr := v.arch.PtrSize
	ent := 2 * ptr
	if rela {
		ent = 3 * ptr
	}
	data, err := v.mem.Bytes(addr, int(size))
	if err != nil {
		return fmt.Errorf("unreadable relocation table at %#x: %v", addr, err)
	}
	for off := 0; off+ent <= len(data); off += ent {
		var roff, rinfo uint64
		var addend int64
		if ptr == 8 {
			roff = v.order.Uint64(data[off:])
			rinfo = v.order.Uint64(data[off+8:])
			if rela {
				addend = int64(v.order.Uint64(data[off+16:]))
			}
		} else {
			roff = uint64(v.order.Uint32(data[off:]))
			rinfo = uint64(v.order.Uint32(data[off+4:]))
			if rela {
				addend = int64(int32(v.order.Uint32(data[off+8:])))
			}
		}

		var symIdx uint32
		var typ uint32
		if ptr == 8 {
			symIdx = uint32(elf.R_SYM64(rinfo))
			typ = elf.R_TYPE64(rinfo)
		} else {
			symIdx = uint32(elf.R_SYM32(uint32(rinfo)))
			typ = uint32(elf.R_TYPE32(uint32(rinfo)))
		}
		if symIdx == 0 {
			continue
		}
		if !v.arch.WantsReloc(typ) {
			debuglog.Logf(debuglog.Reloc, "ignoring relocation type %d at %#x", typ, roff)
			continue
		}

		name, err := v.SymbolName(symIdx)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}

		slot := v.base + roff
		if rela {
			slot += uint64(addend)
		}
		if err := fn(Reloc{Slot: slot, Type: typ, Name: name}); err != nil {
			return err
		}
	}
	return nil
}
