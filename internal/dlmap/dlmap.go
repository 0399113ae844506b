// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dlmap maintains link maps of loaded shared objects. A
// Namespace is a separately-indexed table of objects, the analogue of
// a dynamic-linker namespace: objects in it do not participate in any
// other namespace's symbol search. The default namespace describes
// the host process image; capsule namespaces hold privately loaded
// library trees.
package dlmap

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/aclements/go-capsule/internal/arch"
	"github.com/aclements/go-capsule/internal/debuglog"
	"github.com/aclements/go-capsule/internal/elfx"
)

// NamespaceNew is the sentinel namespace id meaning "create a fresh
// namespace on first load".
const NamespaceNew = "new"

// An Image is one shared object in a link map.
type Image struct {
	// Name is the path the object was loaded from.
	Name string
	// Soname is the object's DT_SONAME, or the basename of Name.
	Soname string
	// Base is the load bias.
	Base uint64

	Arch  *arch.Arch
	Order binary.ByteOrder
	Phdrs []elf.ProgHeader

	// Mem accesses the image's address space.
	Mem Memory

	// mapping is the backing storage when this package mapped the
	// object itself; nil for images described from the host map.
	mapping []byte

	syms *symTable
}

// NewImage describes an already-mapped object: its identity, load
// bias, program headers, memory access and defined symbols. The
// default namespace and test fixtures are built this way; privately
// loaded images come from Open.
func NewImage(name, soname string, base uint64, a *arch.Arch, order binary.ByteOrder, phdrs []elf.ProgHeader, mem Memory, syms []elf.Symbol) *Image {
	return &Image{
		Name:   name,
		Soname: soname,
		Base:   base,
		Arch:   a,
		Order:  order,
		Phdrs:  phdrs,
		Mem:    mem,
		syms:   newSymTable(syms, base),
	}
}

// Span returns the address range covered by the image's loadable
// segments.
func (img *Image) Span() (start, end uint64) {
	for _, ph := range img.Phdrs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		lo := img.Base + ph.Vaddr
		hi := lo + ph.Memsz
		if start == 0 || lo < start {
			start = lo
		}
		if hi > end {
			end = hi
		}
	}
	return start, end
}

// Contains reports whether addr falls inside a loadable segment.
func (img *Image) Contains(addr uint64) bool {
	for _, ph := range img.Phdrs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		lo := img.Base + ph.Vaddr
		if lo <= addr && addr < lo+ph.Memsz {
			return true
		}
	}
	return false
}

// Dyn returns a dynamic-section view of the image.
func (img *Image) Dyn() (*elfx.DynView, error) {
	return elfx.NewDynView(img.Mem, img.Arch, img.Order, img.Base, img.Phdrs)
}

// Lookup returns the absolute address of the named symbol defined by
// this image.
func (img *Image) Lookup(name string) (uint64, bool) {
	if img.syms == nil {
		return 0, false
	}
	return img.syms.addr(name)
}

// SymbolAt returns the name of the defined symbol covering addr.
func (img *Image) SymbolAt(addr uint64) (string, bool) {
	if img.syms == nil {
		return "", false
	}
	return img.syms.at(addr)
}

// A Namespace is an ordered collection of images with a private
// symbol search scope.
type Namespace struct {
	// ID is the namespace identifier. The default namespace has id
	// "base".
	ID string

	images []*Image
	byName map[string]*Image
}

// NewNamespace creates an empty namespace with the given id.
func NewNamespace(id string) *Namespace {
	return &Namespace{ID: id, byName: make(map[string]*Image)}
}

// Add appends an image to the namespace. A soname already present is
// left in place; the duplicate is rejected.
func (ns *Namespace) Add(img *Image) error {
	if _, ok := ns.byName[img.Soname]; ok {
		return fmt.Errorf("soname %q already loaded in namespace %q", img.Soname, ns.ID)
	}
	ns.images = append(ns.images, img)
	ns.byName[img.Soname] = img
	debuglog.Logf(debuglog.Capsule, "namespace %q: added %s (base %#x)", ns.ID, img.Name, img.Base)
	return nil
}

// Images returns the images in load order.
func (ns *Namespace) Images() []*Image { return ns.images }

// BySoname returns the image with the given soname, if loaded.
func (ns *Namespace) BySoname(soname string) (*Image, bool) {
	img, ok := ns.byName[soname]
	return img, ok
}

// FindByAddr returns the image whose loadable segments contain addr.
// This is the address-to-object lookup backing dladdr-style queries.
func (ns *Namespace) FindByAddr(addr uint64) (*Image, bool) {
	for _, img := range ns.images {
		if img.Contains(addr) {
			return img, true
		}
	}
	return nil, false
}

// Lookup searches the namespace's images in load order for a defined
// symbol and returns its absolute address.
func (ns *Namespace) Lookup(name string) (uint64, *Image, bool) {
	for _, img := range ns.images {
		if addr, ok := img.Lookup(name); ok {
			return addr, img, true
		}
	}
	return 0, nil, false
}

// A Handle is the result of loading an object: the object itself plus
// the namespace whose scope its lookups search. It stands in for a
// dlopen handle.
type Handle struct {
	Namespace *Namespace
	Root      *Image
}

// Lookup resolves name in the handle's scope: the root object first,
// then the rest of its namespace.
func (h *Handle) Lookup(name string) (uint64, *Image, bool) {
	if h.Root != nil {
		if addr, ok := h.Root.Lookup(name); ok {
			return addr, h.Root, true
		}
	}
	if h.Namespace != nil {
		return h.Namespace.Lookup(name)
	}
	return 0, nil, false
}

// symTable is a sorted symbol table for one image, indexed both by
// name and by address.
type symTable struct {
	name map[string]uint64
	byAddr []symAddr
}

type symAddr struct {
	addr, size uint64
	name       string
}

func newSymTable(syms []elf.Symbol, base uint64) *symTable {
	t := &symTable{name: make(map[string]uint64)}
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		abs := base + s.Value
		if _, dup := t.name[s.Name]; !dup {
			t.name[s.Name] = abs
		}
		t.byAddr = append(t.byAddr, symAddr{abs, s.Size, s.Name})
	}
	sort.Slice(t.byAddr, func(i, j int) bool { return t.byAddr[i].addr < t.byAddr[j].addr })
	return t
}

func (t *symTable) addr(name string) (uint64, bool) {
	a, ok := t.name[name]
	return a, ok
}

// at returns the symbol covering addr. Zero-sized symbols match only
// exactly.
func (t *symTable) at(addr uint64) (string, bool) {
	i := sort.Search(len(t.byAddr), func(i int) bool { return t.byAddr[i].addr > addr })
	for i--; i >= 0; i-- {
		s := &t.byAddr[i]
		if s.addr == addr || (addr >= s.addr && addr < s.addr+s.size) {
			return s.name, true
		}
		if s.addr < addr && s.addr+s.size <= addr && s.size != 0 {
			break
		}
	}
	return "", false
}
