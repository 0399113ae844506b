// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ldcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testEntry struct {
	soname, path string
}

// buildNew serializes entries in the glibc-ld.so.cache1.1 format.
func buildNew(entries []testEntry) []byte {
	le := binary.LittleEndian

	var strs bytes.Buffer
	hdrLen := len(magicNew) + len(verNew) + newHdrSize
	strBase := hdrLen + len(entries)*newEntSize

	var ents bytes.Buffer
	addString := func(s string) uint32 {
		off := uint32(strBase + strs.Len())
		strs.WriteString(s)
		strs.WriteByte(0)
		return off
	}
	for _, e := range entries {
		var ent [newEntSize]byte
		le.PutUint32(ent[0:], 3) // FLAG_ELF_LIBC6
		le.PutUint32(ent[4:], addString(e.soname))
		le.PutUint32(ent[8:], addString(e.path))
		le.PutUint32(ent[12:], 0)
		le.PutUint64(ent[16:], 0)
		ents.Write(ent[:])
	}

	var out bytes.Buffer
	out.Write(magicNew)
	out.Write(verNew)
	var hdr [newHdrSize]byte
	le.PutUint32(hdr[0:], uint32(len(entries)))
	le.PutUint32(hdr[4:], uint32(strs.Len()))
	out.Write(hdr[:])
	out.Write(ents.Bytes())
	out.Write(strs.Bytes())
	return out.Bytes()
}

// buildOld serializes entries in the legacy ld.so-1.7.0 format,
// optionally embedding a new-format cache in the string block.
func buildOld(entries []testEntry, embed []byte) []byte {
	le := binary.LittleEndian

	var out bytes.Buffer
	out.Write(magicOld)
	var n [4]byte
	le.PutUint32(n[:], uint32(len(entries)))
	out.Write(n[:])

	var strs bytes.Buffer
	var ents bytes.Buffer
	addString := func(s string) uint32 {
		off := uint32(strs.Len())
		strs.WriteString(s)
		strs.WriteByte(0)
		return off
	}
	for _, e := range entries {
		var ent [oldEntSize]byte
		le.PutUint32(ent[0:], 1)
		le.PutUint32(ent[4:], addString(e.soname))
		le.PutUint32(ent[8:], addString(e.path))
		ents.Write(ent[:])
	}
	out.Write(ents.Bytes())

	if embed != nil {
		// The embedded new cache sits at the next 8-aligned offset.
		for out.Len()%8 != 0 {
			out.WriteByte(0)
		}
		out.Write(embed)
	} else {
		out.Write(strs.Bytes())
	}
	return out.Bytes()
}

func writeCache(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ld.so.cache")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

var testEntries = []testEntry{
	{"libGL.so.1", "/usr/lib/x86_64-linux-gnu/libGL.so.1"},
	{"libX11.so.6", "/usr/lib/x86_64-linux-gnu/libX11.so.6"},
	{"libc.so.6", "/lib/x86_64-linux-gnu/libc.so.6"},
}

func checkEntries(t *testing.T, c *Cache) {
	t.Helper()
	ents := c.Entries()
	if len(ents) != len(testEntries) {
		t.Fatalf("got %d entries, want %d", len(ents), len(testEntries))
	}
	for i, want := range testEntries {
		if ents[i].Soname != want.soname || ents[i].Path != want.path {
			t.Errorf("entry %d = %q -> %q, want %q -> %q",
				i, ents[i].Soname, ents[i].Path, want.soname, want.path)
		}
	}
}

func TestNewFormat(t *testing.T) {
	path := writeCache(t, buildNew(testEntries))
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	checkEntries(t, c)

	if p, ok := c.Lookup("libX11.so.6"); !ok || p != "/usr/lib/x86_64-linux-gnu/libX11.so.6" {
		t.Errorf("Lookup(libX11.so.6) = %q, %v", p, ok)
	}
	if _, ok := c.Lookup("libnotthere.so.9"); ok {
		t.Errorf("Lookup(libnotthere.so.9) should miss")
	}
}

func TestLegacyFormat(t *testing.T) {
	path := writeCache(t, buildOld(testEntries, nil))
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	checkEntries(t, c)
}

func TestEmbeddedNewFormat(t *testing.T) {
	// glibc >= 2.2 layout: legacy table with the new format in its
	// string block. The new table wins.
	legacyOnly := []testEntry{{"libold.so.1", "/lib/libold.so.1"}}
	path := writeCache(t, buildOld(legacyOnly, buildNew(testEntries)))
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	checkEntries(t, c)
}

func TestBadMagic(t *testing.T) {
	path := writeCache(t, []byte("definitely not a cache file"))
	_, err := Open(path)
	if !errors.Is(err, ErrUnreadable) {
		t.Errorf("Open(bad magic) = %v, want ErrUnreadable", err)
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrUnreadable) {
		t.Errorf("Open(missing) = %v, want ErrUnreadable", err)
	}
}

func TestBadVersion(t *testing.T) {
	data := buildNew(testEntries)
	// Corrupt the version string.
	copy(data[len(magicNew):], []byte("9.9"))
	path := writeCache(t, data)
	_, err := Open(path)
	if !errors.Is(err, ErrUnreadable) {
		t.Errorf("Open(bad version) = %v, want ErrUnreadable", err)
	}
}

func TestTruncated(t *testing.T) {
	data := buildNew(testEntries)
	path := writeCache(t, data[:len(magicNew)+len(verNew)+4])
	if _, err := Open(path); !errors.Is(err, ErrUnreadable) {
		t.Errorf("Open(truncated) = %v, want ErrUnreadable", err)
	}
}
