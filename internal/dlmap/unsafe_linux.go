// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dlmap

import (
	"encoding/binary"
	"unsafe"
)

func unsafePointer(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// RawMemory accesses the live process address space directly. It
// backs images of the default namespace, whose storage belongs to the
// host loader rather than to us.
type RawMemory struct {
	Order   binary.ByteOrder
	PtrSize int
}

func (m *RawMemory) Bytes(addr uint64, n int) ([]byte, error) {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n), nil
}

func (m *RawMemory) Word(addr uint64) (uint64, error) {
	b, _ := m.Bytes(addr, m.PtrSize)
	if m.PtrSize == 8 {
		return m.Order.Uint64(b), nil
	}
	return uint64(m.Order.Uint32(b)), nil
}

func (m *RawMemory) WriteWord(addr, val uint64) error {
	b, _ := m.Bytes(addr, m.PtrSize)
	if m.PtrSize == 8 {
		m.Order.PutUint64(b, val)
	} else {
		m.Order.PutUint32(b, uint32(val))
	}
	return nil
}
