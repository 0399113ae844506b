// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/aclements/go-capsule/internal/arch"
	"github.com/aclements/go-capsule/internal/dlmap"
	"github.com/aclements/go-capsule/internal/elfx/elftest"
	"github.com/aclements/go-capsule/internal/procmaps"
)

const (
	imgBase  = 0x7f00_0000_0000
	realAddr = 0x7fee_0000_1000
	shimAddr = 0x5500_0000_2000
)

// testImage wraps a synthetic loaded object in a dlmap Image.
func testImage(name string, base uint64, img *elftest.MemImage) *dlmap.Image {
	mem := dlmap.NewSliceMemory(base, img.Data, binary.LittleEndian, 8)
	return dlmap.NewImage(name, name, base, arch.AMD64, binary.LittleEndian, img.Phdrs, mem, nil)
}

// writableEverything pretends every image page is already writable.
func writableEverything(imgs ...*elftest.MemImage) func() (*procmaps.Snapshot, error) {
	return func() (*procmaps.Snapshot, error) {
		var snap procmaps.Snapshot
		for i, m := range imgs {
			snap.Regions = append(snap.Regions, procmaps.Region{
				Start: m.GotStart &^ 0xfff,
				End:   (m.GotEnd + 0xfff) &^ 0xfff,
				Prot:  unix.PROT_READ | unix.PROT_WRITE,
				Path:  fmt.Sprintf("/lib/fixture%d.so", i),
			})
		}
		return &snap, nil
	}
}

type fakeProt struct {
	calls []int
}

func (p *fakeProt) Mprotect(start, end uint64, prot int) error {
	p.calls = append(p.calls, prot)
	return nil
}

func TestRewriteJumpSlots(t *testing.T) {
	// Two JUMP_SLOT entries for the same symbol; both must be
	// overwritten.
	mem := elftest.BuildMem(imgBase, nil, nil, []string{"glXSwapBuffers", "glXSwapBuffers"}, nil)
	img := testImage("libapp.so.1", imgBase, mem)
	ns := dlmap.NewNamespace("base")
	if err := ns.Add(img); err != nil {
		t.Fatal(err)
	}

	items := []*Item{{Name: "glXSwapBuffers", RealAddr: realAddr, ShimAddr: shimAddr}}
	e := NewEngineFor(writableEverything(mem), &fakeProt{})

	res, err := e.ProcessNamespace(ns, items, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Written != 2 || res.Failed != 0 {
		t.Fatalf("first pass: %+v, want 2 written", res)
	}
	for _, slot := range mem.Slots["glXSwapBuffers"] {
		got, err := img.Mem.Word(slot)
		if err != nil {
			t.Fatal(err)
		}
		if got != realAddr {
			t.Errorf("slot %#x = %#x, want %#x", slot, got, realAddr)
		}
	}

	// A second pass must overwrite zero slots and still succeed.
	res, err = e.ProcessNamespace(ns, items, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Written != 0 || res.Correct != 2 || !res.Ok() {
		t.Errorf("second pass: %+v, want idempotent success", res)
	}
}

func TestGlobDatAndDirect(t *testing.T) {
	mem := elftest.BuildMem(imgBase, nil,
		[]string{"glXGetProcAddress"}, nil, []string{"glTable"})
	img := testImage("libapp.so.1", imgBase, mem)
	ns := dlmap.NewNamespace("base")
	if err := ns.Add(img); err != nil {
		t.Fatal(err)
	}

	items := []*Item{
		{Name: "glXGetProcAddress", RealAddr: realAddr},
		{Name: "glTable", RealAddr: realAddr + 0x40},
	}
	e := NewEngineFor(writableEverything(mem), &fakeProt{})
	res, err := e.ProcessNamespace(ns, items, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Written != 2 {
		t.Errorf("result %+v, want 2 written", res)
	}
}

func TestUnmatchedNamesLeftAlone(t *testing.T) {
	mem := elftest.BuildMem(imgBase, nil, nil, []string{"somethingElse"}, nil)
	img := testImage("libapp.so.1", imgBase, mem)
	ns := dlmap.NewNamespace("base")
	if err := ns.Add(img); err != nil {
		t.Fatal(err)
	}

	items := []*Item{{Name: "glXSwapBuffers", RealAddr: realAddr}}
	e := NewEngineFor(writableEverything(mem), &fakeProt{})
	res, err := e.ProcessNamespace(ns, items, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Written != 0 || res.Failed != 0 {
		t.Errorf("result %+v, want untouched", res)
	}
	slot := mem.Slots["somethingElse"][0]
	if got, _ := img.Mem.Word(slot); got != 0 {
		t.Errorf("unmatched slot = %#x, want 0", got)
	}
}

func TestSeenSetSkipsObjects(t *testing.T) {
	mem := elftest.BuildMem(imgBase, nil, nil, []string{"frob"}, nil)
	img := testImage("libapp.so.1", imgBase, mem)
	ns := dlmap.NewNamespace("base")
	if err := ns.Add(img); err != nil {
		t.Fatal(err)
	}

	items := []*Item{{Name: "frob", RealAddr: realAddr}}
	e := NewEngineFor(writableEverything(mem), &fakeProt{})
	seen := make(map[uint64]bool)

	res, err := e.ProcessNamespace(ns, items, nil, seen)
	if err != nil {
		t.Fatal(err)
	}
	if res.Objects != 1 || !seen[imgBase] {
		t.Fatalf("first pass: %+v, seen=%v", res, seen)
	}

	res, err = e.ProcessNamespace(ns, items, nil, seen)
	if err != nil {
		t.Fatal(err)
	}
	if res.Objects != 0 {
		t.Errorf("second pass processed %d objects, want 0", res.Objects)
	}
}

func TestSkipFunc(t *testing.T) {
	mem := elftest.BuildMem(imgBase, nil, nil, []string{"frob"}, nil)
	img := testImage("libcapsule.so.0", imgBase, mem)
	ns := dlmap.NewNamespace("base")
	if err := ns.Add(img); err != nil {
		t.Fatal(err)
	}

	items := []*Item{{Name: "frob", RealAddr: realAddr}}
	e := NewEngineFor(writableEverything(mem), &fakeProt{})
	seen := make(map[uint64]bool)
	skip := func(i *dlmap.Image) bool { return i.Soname == "libcapsule.so.0" }

	res, err := e.ProcessNamespace(ns, items, skip, seen)
	if err != nil {
		t.Fatal(err)
	}
	if res.Objects != 0 {
		t.Errorf("processed %d objects, want 0", res.Objects)
	}
	// A skipped object must never enter the seen set.
	if seen[imgBase] {
		t.Errorf("skipped object recorded in seen set")
	}
}

func TestRelroLiftAndRestore(t *testing.T) {
	// The GOT page reads as non-writable; the engine must lift
	// PROT_WRITE, write, and restore.
	mem := elftest.BuildMem(imgBase, nil, nil, []string{"frob"}, nil)
	img := testImage("libapp.so.1", imgBase, mem)
	ns := dlmap.NewNamespace("base")
	if err := ns.Add(img); err != nil {
		t.Fatal(err)
	}

	snapshot := func() (*procmaps.Snapshot, error) {
		return &procmaps.Snapshot{Regions: []procmaps.Region{{
			Start: mem.GotStart &^ 0xfff,
			End:   (mem.GotEnd + 0xfff) &^ 0xfff,
			Prot:  unix.PROT_READ,
			Path:  "/lib/libapp.so.1",
		}}}, nil
	}
	prot := &fakeProt{}
	e := NewEngineFor(snapshot, prot)

	items := []*Item{{Name: "frob", RealAddr: realAddr}}
	res, err := e.ProcessNamespace(ns, items, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Written != 1 {
		t.Fatalf("result %+v, want 1 written", res)
	}
	want := []int{unix.PROT_READ | unix.PROT_WRITE, unix.PROT_READ}
	if len(prot.calls) != 2 || prot.calls[0] != want[0] || prot.calls[1] != want[1] {
		t.Errorf("mprotect prots = %v, want %v", prot.calls, want)
	}
}

func TestNoSnapshotShimDetection(t *testing.T) {
	// Without a maps snapshot, a slot already holding the shim
	// address counts as a failure but the walk continues.
	mem := elftest.BuildMem(imgBase, nil, nil, []string{"frob", "twiddle"}, nil)
	img := testImage("libapp.so.1", imgBase, mem)

	// Pre-bind frob's slot to the shim.
	if err := img.Mem.WriteWord(mem.Slots["frob"][0], shimAddr); err != nil {
		t.Fatal(err)
	}

	ns := dlmap.NewNamespace("base")
	if err := ns.Add(img); err != nil {
		t.Fatal(err)
	}

	noSnap := func() (*procmaps.Snapshot, error) {
		return nil, fmt.Errorf("maps unavailable")
	}
	e := NewEngineFor(noSnap, &fakeProt{})
	items := []*Item{
		{Name: "frob", RealAddr: realAddr, ShimAddr: shimAddr},
		{Name: "twiddle", RealAddr: realAddr + 8, ShimAddr: shimAddr + 8},
	}
	res, err := e.ProcessNamespace(ns, items, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Written != 1 {
		t.Errorf("result %+v, want 1 failed + 1 written", res)
	}
}

func TestFill(t *testing.T) {
	// The capsule defines the real symbol; the default namespace
	// defines the shim.
	capMem := elftest.BuildMem(0x7fd0_0000_0000,
		[]elftest.MemSym{{Name: "glXSwapBuffers", Value: 0x1000, Size: 16}}, nil, nil, nil)
	capSyms := []elf.Symbol{{Name: "glXSwapBuffers", Section: 1, Value: 0x1000, Size: 16}}
	capImg := dlmap.NewImage("/host/usr/lib/libGL.so.1", "libGL.so.1", 0x7fd0_0000_0000,
		arch.AMD64, binary.LittleEndian, capMem.Phdrs,
		dlmap.NewSliceMemory(0x7fd0_0000_0000, capMem.Data, binary.LittleEndian, 8), capSyms)
	capNS := dlmap.NewNamespace("capsule:/host")
	if err := capNS.Add(capImg); err != nil {
		t.Fatal(err)
	}
	handle := &dlmap.Handle{Namespace: capNS, Root: capImg}

	defSyms := []elf.Symbol{{Name: "glXSwapBuffers", Section: 1, Value: 0x2000, Size: 16}}
	defMem := elftest.BuildMem(0x5500_0000_0000, nil, nil, nil, nil)
	defImg := dlmap.NewImage("/usr/lib/libGL.so.1", "libGL.so.1", 0x5500_0000_0000,
		arch.AMD64, binary.LittleEndian, defMem.Phdrs,
		dlmap.NewSliceMemory(0x5500_0000_0000, defMem.Data, binary.LittleEndian, 8), defSyms)
	defNS := dlmap.NewNamespace("base")
	if err := defNS.Add(defImg); err != nil {
		t.Fatal(err)
	}

	items := []*Item{{Name: "glXSwapBuffers"}}
	if _, err := Fill(items, handle, defNS); err != nil {
		t.Fatal(err)
	}
	if items[0].RealAddr != 0x7fd0_0000_1000 {
		t.Errorf("RealAddr = %#x, want %#x", items[0].RealAddr, uint64(0x7fd0_0000_1000))
	}
	if items[0].ShimAddr != 0x5500_0000_2000 {
		t.Errorf("ShimAddr = %#x, want %#x", items[0].ShimAddr, uint64(0x5500_0000_2000))
	}

	// An unresolvable item is a counted failure.
	bad := []*Item{{Name: "noSuchSymbol"}}
	if failed, err := Fill(bad, handle, defNS); err == nil || failed != 1 {
		t.Errorf("Fill(unresolvable) = %d, %v, want 1, error", failed, err)
	}
}
