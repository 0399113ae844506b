// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dlmap

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/aclements/go-capsule/internal/debuglog"
	"github.com/aclements/go-capsule/internal/elfx"
)

// Open maps the shared object at path into the namespace: an
// anonymous mapping sized to the object's loadable span, segment
// contents copied in, base-relative relocations applied, and symbols
// resolved eagerly against the objects already in the namespace.
// Dependencies must therefore be opened before their dependents,
// which is the order the resolver's Load produces.
//
// Unresolved GOT slots are left untouched; the relocation engine
// fills the ones the capsule cares about.
func (ns *Namespace) Open(path string) (*Image, error) {
	f, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ef := f.Elf()
	a := f.Arch()
	if a == nil {
		return nil, fmt.Errorf("%w: %s: unsupported machine %v", elfx.ErrWrongABI, path, ef.Machine)
	}
	if ef.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%w: %s: not a shared object", elfx.ErrMalformed, path)
	}

	var phdrs []elf.ProgHeader
	for _, p := range ef.Progs {
		phdrs = append(phdrs, p.ProgHeader)
	}

	// Size the loadable span.
	pageSize := uint64(os.Getpagesize())
	var minV, maxV uint64
	minV = ^uint64(0)
	for _, ph := range phdrs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if ph.Vaddr < minV {
			minV = ph.Vaddr
		}
		if ph.Vaddr+ph.Memsz > maxV {
			maxV = ph.Vaddr + ph.Memsz
		}
	}
	if minV == ^uint64(0) {
		return nil, fmt.Errorf("%w: %s: no loadable segments", elfx.ErrMalformed, path)
	}
	minV &^= pageSize - 1
	span := (maxV - minV + pageSize - 1) &^ (pageSize - 1)

	mapping, err := unix.Mmap(-1, 0, int(span),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %v", path, err)
	}
	keep := false
	defer func() {
		if !keep {
			unix.Munmap(mapping)
		}
	}()

	// The load bias places file vaddr 0 at mapping-start - minV.
	base := uint64(uintptr(unsafePointer(mapping))) - minV

	// Copy segment contents. Memsz beyond Filesz is bss and stays
	// zero.
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		dst := mapping[p.Vaddr-minV : p.Vaddr-minV+p.Filesz]
		if _, err := io.ReadFull(p.Open(), dst); err != nil {
			return nil, fmt.Errorf("%w: %s: reading segment at %#x: %v", elfx.ErrMalformed, path, p.Vaddr, err)
		}
	}

	mem := NewSliceMemory(base+minV, mapping, ef.ByteOrder, a.PtrSize)
	img := &Image{
		Name:    path,
		Soname:  f.Soname(),
		Base:    base,
		Arch:    a,
		Order:   ef.ByteOrder,
		Phdrs:   phdrs,
		Mem:     mem,
		mapping: mapping,
	}

	dynSyms, err := ef.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("%w: %s: %v", elfx.ErrMalformed, path, err)
	}
	img.syms = newSymTable(dynSyms, base)

	if err := ns.applyRelocations(img); err != nil {
		return nil, err
	}
	if err := img.protectSegments(); err != nil {
		return nil, err
	}

	if err := ns.Add(img); err != nil {
		return nil, err
	}
	keep = true
	return img, nil
}

// applyRelocations performs the eager relocation pass the runtime
// linker would do: base-relative entries get the load bias added, and
// symbolic GOT entries are resolved against the namespace.
func (ns *Namespace) applyRelocations(img *Image) error {
	dyn, err := img.Dyn()
	if err != nil {
		return fmt.Errorf("%s: %v", img.Name, err)
	}

	relative := uint32(elf.R_X86_64_RELATIVE)
	if img.Arch.PtrSize == 4 {
		relative = uint32(elf.R_386_RELATIVE)
	}

	// Base-relative entries carry no symbol, so VisitRelocs skips
	// them; walk them from the raw tables here.
	info := dyn.Info()
	for _, tab := range []struct {
		addr, size uint64
		rela       bool
	}{
		{info.Rela, info.RelaSz, true},
		{info.Rel, info.RelSz, false},
	} {
		if tab.addr == 0 {
			continue
		}
		if err := applyRelative(img, tab.addr, tab.size, tab.rela, relative); err != nil {
			return fmt.Errorf("%s: %v", img.Name, err)
		}
	}

	// Symbolic GOT entries resolve against the namespace scope.
	return dyn.VisitRelocs(func(r elfx.Reloc) error {
		addr, _, ok := ns.Lookup(r.Name)
		if !ok {
			if a, ok2 := img.Lookup(r.Name); ok2 {
				addr = a
			} else {
				debuglog.Logf(debuglog.Search, "%s: %s unresolved at load", img.Soname, r.Name)
				return nil
			}
		}
		return img.Mem.WriteWord(r.Slot, addr)
	})
}

func applyRelative(img *Image, addr, size uint64, rela bool, relative uint32) error {
	ptr := img.Arch.PtrSize
	ent := 2 * ptr
	if rela {
		ent = 3 * ptr
	}
	data, err := img.Mem.Bytes(addr, int(size))
	if err != nil {
		return err
	}
	for off := 0; off+ent <= len(data); off += ent {
		var roff, rinfo uint64
		var addend uint64
		if ptr == 8 {
			roff = img.Order.Uint64(data[off:])
			rinfo = img.Order.Uint64(data[off+8:])
			if rela {
				addend = img.Order.Uint64(data[off+16:])
			}
		} else {
			roff = uint64(img.Order.Uint32(data[off:]))
			rinfo = uint64(img.Order.Uint32(data[off+4:]))
			if rela {
				addend = uint64(img.Order.Uint32(data[off+8:]))
			}
		}
		var typ uint32
		if ptr == 8 {
			typ = elf.R_TYPE64(rinfo)
		} else {
			typ = uint32(elf.R_TYPE32(uint32(rinfo)))
		}
		if typ != relative {
			continue
		}
		slot := img.Base + roff
		if !rela {
			// REL stores the addend in the slot.
			if addend, err = img.Mem.Word(slot); err != nil {
				return err
			}
		}
		if err := img.Mem.WriteWord(slot, img.Base+addend); err != nil {
			return err
		}
	}
	return nil
}

// protectSegments applies the final per-segment protections,
// including the PT_GNU_RELRO read-only remap.
func (img *Image) protectSegments() error {
	pageSize := uint64(os.Getpagesize())
	protFor := func(flags elf.ProgFlag) int {
		var prot int
		if flags&elf.PF_R != 0 {
			prot |= unix.PROT_READ
		}
		if flags&elf.PF_W != 0 {
			prot |= unix.PROT_WRITE
		}
		if flags&elf.PF_X != 0 {
			prot |= unix.PROT_EXEC
		}
		return prot
	}
	mprotect := func(vaddr, memsz uint64, prot int) error {
		start := (img.Base + vaddr) &^ (pageSize - 1)
		end := (img.Base + vaddr + memsz + pageSize - 1) &^ (pageSize - 1)
		_, _, errno := unix.RawSyscall(unix.SYS_MPROTECT,
			uintptr(start), uintptr(end-start), uintptr(prot))
		if errno != 0 {
			return fmt.Errorf("mprotect %#x-%#x: %v", start, end, errno)
		}
		return nil
	}

	for _, ph := range img.Phdrs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if err := mprotect(ph.Vaddr, ph.Memsz, protFor(ph.Flags)); err != nil {
			return err
		}
	}
	for _, ph := range img.Phdrs {
		if ph.Type != elf.PT_GNU_RELRO {
			continue
		}
		debuglog.Logf(debuglog.MProtect, "%s: sealing RELRO %#x+%#x", img.Soname, img.Base+ph.Vaddr, ph.Memsz)
		if err := mprotect(ph.Vaddr, ph.Memsz, unix.PROT_READ); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps a privately mapped image. Images described from the
// host map are left alone.
func (img *Image) Close() error {
	if img.mapping == nil {
		return nil
	}
	err := unix.Munmap(img.mapping)
	img.mapping = nil
	return err
}
