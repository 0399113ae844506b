// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package arch

import "debug/elf"

// Arch describes one ELF machine type that the loader and relocation
// engine can operate on. A resolver instance serves exactly one Arch.
type Arch struct {
	// GoArch is the GOARCH value for this architecture.
	GoArch string

	// PtrSize is the number of bytes in a pointer, and hence in a
	// GOT slot.
	PtrSize int

	// Class and Machine identify this architecture in ELF headers.
	Class   elf.Class
	Machine elf.Machine

	// Multiarch is the Debian-style multiarch tuple, used to build
	// well-known library directory names under a prefix.
	Multiarch string

	// JumpSlot, GlobDat and DirectPtr are the relocation type
	// numbers whose targets are pointer-sized GOT slots on this
	// architecture. All other relocation types are ignored by the
	// relocation engine.
	JumpSlot, GlobDat, DirectPtr uint32
}

var (
	AMD64 = &Arch{
		GoArch:    "amd64",
		PtrSize:   8,
		Class:     elf.ELFCLASS64,
		Machine:   elf.EM_X86_64,
		Multiarch: "x86_64-linux-gnu",
		JumpSlot:  uint32(elf.R_X86_64_JMP_SLOT),
		GlobDat:   uint32(elf.R_X86_64_GLOB_DAT),
		DirectPtr: uint32(elf.R_X86_64_64),
	}
	I386 = &Arch{
		GoArch:    "386",
		PtrSize:   4,
		Class:     elf.ELFCLASS32,
		Machine:   elf.EM_386,
		Multiarch: "i386-linux-gnu",
		JumpSlot:  uint32(elf.R_386_JMP_SLOT),
		GlobDat:   uint32(elf.R_386_GLOB_DAT),
		DirectPtr: uint32(elf.R_386_32),
	}
)

var byMachine = map[elf.Machine]*Arch{
	elf.EM_X86_64: AMD64,
	elf.EM_386:    I386,
}

// ByMachine returns the Arch for an ELF machine type, or nil if the
// machine is not supported.
func ByMachine(m elf.Machine) *Arch {
	return byMachine[m]
}

func (a *Arch) String() string {
	if a == nil {
		return "<nil>"
	}
	return a.GoArch
}

// WantsReloc reports whether typ is one of the relocation types whose
// slots the relocation engine rewrites.
func (a *Arch) WantsReloc(typ uint32) bool {
	return typ == a.JumpSlot || typ == a.GlobDat || typ == a.DirectPtr
}
