// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reloc rewrites GOT slots of loaded shared objects. Given a
// table of items mapping symbol names to capsule addresses, it walks
// each object's PT_DYNAMIC relocations and overwrites every
// JUMP_SLOT, GLOB_DAT and direct-pointer slot that references one of
// the names, lifting and restoring page protections when RELRO is in
// effect.
package reloc

import (
	"fmt"

	"github.com/aclements/go-capsule/internal/debuglog"
	"github.com/aclements/go-capsule/internal/dlmap"
	"github.com/aclements/go-capsule/internal/elfx"
	"github.com/aclements/go-capsule/internal/plt"
	"github.com/aclements/go-capsule/internal/procmaps"
)

// An Item is one entry of a rewrite table. Name is static;
// RealAddr is the address inside the capsule that slots are
// rewritten to; ShimAddr is the proxy's own address for the symbol,
// used to recognize slots that RELRO processing has already bound to
// the stub when no maps snapshot is available.
type Item struct {
	Name     string
	RealAddr uint64
	ShimAddr uint64
}

// A Result summarizes one relocation pass.
type Result struct {
	// Written counts slots overwritten.
	Written int
	// Correct counts slots that already held the desired address.
	Correct int
	// Failed counts slots that could not be rewritten.
	Failed int
	// Objects counts objects walked.
	Objects int
}

// Ok reports whether the pass is considered successful: some slots
// were written, or every matching slot was already correct.
func (r Result) Ok() bool { return r.Failed == 0 }

// An Engine performs relocation passes. The zero value is not ready;
// use NewEngine.
type Engine struct {
	// snapshot obtains the process memory map. Overridable for
	// tests and for the degraded no-maps mode.
	snapshot func() (*procmaps.Snapshot, error)
	prot     procmaps.Protector
}

// NewEngine returns an engine using the live process map and real
// mprotect calls.
func NewEngine() *Engine {
	return &Engine{snapshot: procmaps.Take, prot: procmaps.SysProtector{}}
}

// NewEngineFor returns an engine with explicit maps and protection
// plumbing. Tests use it to substitute fixtures.
func NewEngineFor(snapshot func() (*procmaps.Snapshot, error), prot procmaps.Protector) *Engine {
	return &Engine{snapshot: snapshot, prot: prot}
}

// ProcessNamespace walks every image in ns for which skip returns
// false, rewriting slots per items. seen records the base address of
// each processed image and is consulted so that one image is
// processed at most once per seen set; it may be nil for single
// passes.
//
// Protections raised during the walk are restored before return on
// all paths.
func (e *Engine) ProcessNamespace(ns *dlmap.Namespace, items []*Item, skip func(*dlmap.Image) bool, seen map[uint64]bool) (Result, error) {
	var total Result

	byName := itemIndex(items)
	if len(byName) == 0 {
		return total, nil
	}

	snap, snapErr := e.snapshot()
	if snapErr != nil {
		// Degraded mode: keep walking, but slots that RELRO has
		// already sealed cannot be rewritten and will be counted
		// as failures.
		debuglog.Logf(debuglog.MProtect, "no maps snapshot: %v", snapErr)
		snap = nil
	}

	for _, img := range ns.Images() {
		if skip != nil && skip(img) {
			continue
		}
		if seen != nil && seen[img.Base] {
			continue
		}
		res := e.processImage(img, byName, snap)
		if seen != nil {
			seen[img.Base] = true
		}
		total.Written += res.Written
		total.Correct += res.Correct
		total.Failed += res.Failed
		total.Objects++
	}
	return total, nil
}

// ProcessImage applies the rewrite table to a single object. The
// wrapper installer uses this to redirect a freshly loaded capsule
// root's own dlopen and allocator calls.
func (e *Engine) ProcessImage(img *dlmap.Image, items []*Item) Result {
	byName := itemIndex(items)
	if len(byName) == 0 {
		return Result{}
	}
	snap, err := e.snapshot()
	if err != nil {
		snap = nil
	}
	res := e.processImage(img, byName, snap)
	res.Objects = 1
	return res
}

func itemIndex(items []*Item) map[string]*Item {
	byName := make(map[string]*Item, len(items))
	for _, it := range items {
		if it.Name == "" || it.RealAddr == 0 {
			continue
		}
		byName[it.Name] = it
	}
	return byName
}

func (e *Engine) processImage(img *dlmap.Image, byName map[string]*Item, snap *procmaps.Snapshot) Result {
	var res Result

	dyn, err := img.Dyn()
	if err != nil {
		// An object we cannot walk is skipped, not fatal.
		debuglog.Logf(debuglog.Reloc, "%s: cannot walk dynamic section: %v", img.Name, err)
		return res
	}

	lift := procmaps.NewWriteLift(e.prot)
	defer func() {
		if err := lift.Restore(); err != nil {
			debuglog.Logf(debuglog.MProtect, "%s: %v", img.Name, err)
		}
	}()

	walkErr := dyn.VisitRelocs(func(rel elfx.Reloc) error {
		it, ok := byName[rel.Name]
		if !ok {
			return nil
		}
		cur, err := img.Mem.Word(rel.Slot)
		if err != nil {
			debuglog.Logf(debuglog.Reloc, "%s: unreadable slot %#x for %s", img.Name, rel.Slot, rel.Name)
			res.Failed++
			return nil
		}
		if cur == it.RealAddr {
			res.Correct++
			return nil
		}

		if snap != nil {
			if err := lift.Open(snap, rel.Slot); err != nil {
				debuglog.Logf(debuglog.MProtect, "%s: %v", img.Name, err)
				res.Failed++
				return nil
			}
		} else if cur == it.ShimAddr && it.ShimAddr != 0 {
			// RELRO already bound this slot to the stub and we
			// have no way to unprotect it.
			res.Failed++
			return nil
		}

		if debuglog.Enabled(debuglog.Reloc) {
			checkPltStub(img, rel, cur)
		}
		if err := img.Mem.WriteWord(rel.Slot, it.RealAddr); err != nil {
			debuglog.Logf(debuglog.Reloc, "%s: writing slot %#x for %s: %v", img.Name, rel.Slot, rel.Name, err)
			res.Failed++
			return nil
		}
		debuglog.Logf(debuglog.Reloc, "%s: %s slot %#x %#x -> %#x", img.Name, rel.Name, rel.Slot, cur, it.RealAddr)
		res.Written++
		return nil
	})
	if walkErr != nil {
		debuglog.Logf(debuglog.Reloc, "%s: relocation walk aborted: %v", img.Name, walkErr)
	}
	return res
}

// checkPltStub is a debug-only consistency check for lazy-bound
// JUMP_SLOT entries: an unbound slot points just past the jmp of its
// own PLT stub, so decoding the stub must lead back to the slot. A
// mismatch usually means the object's PLT layout is unusual and worth
// a look.
func checkPltStub(img *dlmap.Image, rel elfx.Reloc, cur uint64) {
	if rel.Type != img.Arch.JumpSlot || cur == 0 {
		return
	}
	const jmpLen = 6
	if cur < jmpLen {
		return
	}
	code, err := img.Mem.Bytes(cur-jmpLen, 16)
	if err != nil {
		return
	}
	bits := 64
	if img.Arch.PtrSize == 4 {
		bits = 32
	}
	slot, ok := plt.GOTSlot(code, cur-jmpLen, 0, bits)
	if ok && slot != rel.Slot {
		debuglog.Logf(debuglog.Reloc, "%s: %s: PLT stub dereferences %#x, relocation names %#x",
			img.Name, rel.Name, slot, rel.Slot)
	}
}

// Fill populates the RealAddr of every item with a non-empty name by
// looking the name up in the capsule handle, and the ShimAddr from
// the default namespace. An item whose name cannot be resolved in the
// capsule counts as a failure.
func Fill(items []*Item, capsule *dlmap.Handle, def *dlmap.Namespace) (failed int, err error) {
	for _, it := range items {
		if it.Name == "" {
			continue
		}
		if it.RealAddr == 0 {
			addr, _, ok := capsule.Lookup(it.Name)
			if !ok {
				failed++
				continue
			}
			it.RealAddr = addr
		}
		if it.ShimAddr == 0 && def != nil {
			if addr, _, ok := def.Lookup(it.Name); ok {
				it.ShimAddr = addr
			}
		}
	}
	if failed > 0 {
		return failed, fmt.Errorf("%d relocation items unresolved in capsule", failed)
	}
	return 0, nil
}
