// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procmaps

import (
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

const mapsFixture = `7f0a4c000000-7f0a4c021000 r--p 00000000 08:01 1234567  /usr/lib/x86_64-linux-gnu/libGL.so.1.7.0
7f0a4c021000-7f0a4c080000 r-xp 00021000 08:01 1234567  /usr/lib/x86_64-linux-gnu/libGL.so.1.7.0
7f0a4c080000-7f0a4c0a0000 r--p 00080000 08:01 1234567  /usr/lib/x86_64-linux-gnu/libGL.so.1.7.0
7f0a4c0a0000-7f0a4c0a4000 rw-p 000a0000 08:01 1234567  /usr/lib/x86_64-linux-gnu/libGL.so.1.7.0
7ffc8a000000-7ffc8a021000 rw-p 00000000 00:00 0  [stack]
7ffc8a0fe000-7ffc8a100000 r-xp 00000000 00:00 0  [vdso]
5604a0000000-5604a0001000 rw-p 00000000 00:00 0
`

func parseFixture(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := Parse(strings.NewReader(mapsFixture))
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestParse(t *testing.T) {
	snap := parseFixture(t)
	if len(snap.Regions) != 7 {
		t.Fatalf("got %d regions, want 7", len(snap.Regions))
	}

	r := &snap.Regions[0]
	if r.Start != 0x7f0a4c000000 || r.End != 0x7f0a4c021000 {
		t.Errorf("region 0 range = %#x-%#x", r.Start, r.End)
	}
	if r.Prot != unix.PROT_READ {
		t.Errorf("region 0 prot = %#x, want PROT_READ", r.Prot)
	}
	if !r.Private {
		t.Errorf("region 0 should be private")
	}
	if r.Path != "/usr/lib/x86_64-linux-gnu/libGL.so.1.7.0" {
		t.Errorf("region 0 path = %q", r.Path)
	}
	if r.Inode != 1234567 {
		t.Errorf("region 0 inode = %d", r.Inode)
	}

	x := &snap.Regions[1]
	if x.Prot != unix.PROT_READ|unix.PROT_EXEC {
		t.Errorf("region 1 prot = %#x, want r-x", x.Prot)
	}
	if x.Offset != 0x21000 {
		t.Errorf("region 1 offset = %#x", x.Offset)
	}

	anon := &snap.Regions[6]
	if anon.Path != "" {
		t.Errorf("anonymous region path = %q, want empty", anon.Path)
	}
}

func TestFind(t *testing.T) {
	snap := parseFixture(t)
	if r := snap.Find(0x7f0a4c080010); r == nil || r.Offset != 0x80000 {
		t.Errorf("Find(0x7f0a4c080010) = %+v", r)
	}
	if r := snap.Find(0x1000); r != nil {
		t.Errorf("Find(0x1000) = %+v, want nil", r)
	}
	// Region bounds are half-open.
	if r := snap.Find(0x7f0a4c021000); r == nil || r.Offset != 0x21000 {
		t.Errorf("Find(end-of-first) should land in second region, got %+v", r)
	}
}

// fakeProtector records mprotect calls instead of issuing them.
type fakeProtector struct {
	calls []protCall
	fail  bool
}

type protCall struct {
	start, end uint64
	prot       int
}

func (p *fakeProtector) Mprotect(start, end uint64, prot int) error {
	if p.fail {
		return unix.EACCES
	}
	p.calls = append(p.calls, protCall{start, end, prot})
	return nil
}

func TestWriteLiftRoundTrip(t *testing.T) {
	snap := parseFixture(t)
	fake := &fakeProtector{}
	lift := NewWriteLift(fake)

	// Open a read-only RELRO-style region.
	if err := lift.Open(snap, 0x7f0a4c080010); err != nil {
		t.Fatal(err)
	}
	// Re-opening the same region is a no-op.
	if err := lift.Open(snap, 0x7f0a4c090000); err != nil {
		t.Fatal(err)
	}
	// An already-writable region needs no call.
	if err := lift.Open(snap, 0x7f0a4c0a0010); err != nil {
		t.Fatal(err)
	}
	if err := lift.Restore(); err != nil {
		t.Fatal(err)
	}

	want := []protCall{
		{0x7f0a4c080000, 0x7f0a4c0a0000, unix.PROT_READ | unix.PROT_WRITE},
		{0x7f0a4c080000, 0x7f0a4c0a0000, unix.PROT_READ},
	}
	if len(fake.calls) != len(want) {
		t.Fatalf("got %d mprotect calls, want %d: %+v", len(fake.calls), len(want), fake.calls)
	}
	for i := range want {
		if fake.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, fake.calls[i], want[i])
		}
	}
}

func TestWriteLiftUnmappedAddress(t *testing.T) {
	snap := parseFixture(t)
	lift := NewWriteLift(&fakeProtector{})
	if err := lift.Open(snap, 0xdead0000); err == nil {
		t.Error("Open(unmapped) should fail")
	}
	if err := lift.Restore(); err != nil {
		t.Errorf("Restore with nothing lifted = %v", err)
	}
}

func TestWriteLiftMprotectFailure(t *testing.T) {
	snap := parseFixture(t)
	lift := NewWriteLift(&fakeProtector{fail: true})
	if err := lift.Open(snap, 0x7f0a4c000010); err == nil {
		t.Error("Open should surface mprotect failure")
	}
}
