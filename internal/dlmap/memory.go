// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dlmap

import (
	"encoding/binary"
	"fmt"
)

// Memory is read/write access to an image's virtual address space.
// The Bytes method satisfies elfx.Mem.
type Memory interface {
	// Bytes returns n bytes of memory starting at virtual address
	// addr. The result may alias the underlying storage.
	Bytes(addr uint64, n int) ([]byte, error)

	// Word reads a pointer-sized value at addr.
	Word(addr uint64) (uint64, error)

	// WriteWord stores a pointer-sized value at addr. The caller is
	// responsible for page protections.
	WriteWord(addr, val uint64) error
}

// SliceMemory exposes a byte slice as an address range starting at
// Base. It backs both privately mapped images (whose mapping is a
// real memory region) and synthetic test images.
type SliceMemory struct {
	Base    uint64
	Data    []byte
	Order   binary.ByteOrder
	PtrSize int
}

// NewSliceMemory returns a SliceMemory over data at base.
func NewSliceMemory(base uint64, data []byte, order binary.ByteOrder, ptrSize int) *SliceMemory {
	return &SliceMemory{Base: base, Data: data, Order: order, PtrSize: ptrSize}
}

func (m *SliceMemory) slice(addr uint64, n int) ([]byte, error) {
	if addr < m.Base || addr+uint64(n) > m.Base+uint64(len(m.Data)) {
		return nil, fmt.Errorf("address %#x+%d outside mapping %#x+%d", addr, n, m.Base, len(m.Data))
	}
	off := addr - m.Base
	return m.Data[off : off+uint64(n)], nil
}

func (m *SliceMemory) Bytes(addr uint64, n int) ([]byte, error) {
	return m.slice(addr, n)
}

func (m *SliceMemory) Word(addr uint64) (uint64, error) {
	b, err := m.slice(addr, m.PtrSize)
	if err != nil {
		return 0, err
	}
	if m.PtrSize == 8 {
		return m.Order.Uint64(b), nil
	}
	return uint64(m.Order.Uint32(b)), nil
}

func (m *SliceMemory) WriteWord(addr, val uint64) error {
	b, err := m.slice(addr, m.PtrSize)
	if err != nil {
		return err
	}
	if m.PtrSize == 8 {
		m.Order.PutUint64(b, val)
	} else {
		m.Order.PutUint32(b, uint32(val))
	}
	return nil
}
