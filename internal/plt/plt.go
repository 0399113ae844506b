// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plt decodes x86 PLT stubs. The relocation engine uses it
// as a cross-check under the reloc debug topic: the GOT slot a stub
// jumps through must be the slot its JUMP_SLOT relocation names.
package plt

import (
	"golang.org/x/arch/x86/x86asm"
)

// GOTSlot decodes the PLT stub whose code starts at stubAddr and
// returns the address of the GOT slot it loads its target from. It
// handles the conventional forms:
//
//	jmp *disp(%rip)            (64-bit)
//	bnd jmp *disp(%rip)        (64-bit, IBT/MPX prologue)
//	jmp *disp(%ebx)            (32-bit PIC; gotBase supplies %ebx)
//	jmp *addr                  (32-bit non-PIC)
//
// The second result is false when the code is not a recognizable
// stub.
func GOTSlot(code []byte, stubAddr, gotBase uint64, bits int) (uint64, bool) {
	// Skip an endbr64/endbr32 marker if present.
	for {
		inst, err := x86asm.Decode(code, bits)
		if err != nil {
			return 0, false
		}
		switch inst.Op {
		case x86asm.ENDBR64, x86asm.ENDBR32, x86asm.NOP:
			code = code[inst.Len:]
			stubAddr += uint64(inst.Len)
			continue
		case x86asm.JMP:
			mem, ok := inst.Args[0].(x86asm.Mem)
			if !ok {
				return 0, false
			}
			switch mem.Base {
			case x86asm.RIP, x86asm.EIP:
				return stubAddr + uint64(inst.Len) + uint64(mem.Disp), true
			case x86asm.EBX:
				return gotBase + uint64(mem.Disp), true
			case 0:
				return uint64(mem.Disp), true
			}
			return 0, false
		default:
			return 0, false
		}
	}
}
