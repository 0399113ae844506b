// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ldlibs

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// buildTestCache writes a minimal glibc-ld.so.cache1.1 file mapping
// sonames to host paths and returns its location.
func buildTestCache(t *testing.T, dir string, libs map[string]string) string {
	t.Helper()
	le := binary.LittleEndian

	magic := []byte("glibc-ld.so.cache1.1")
	const hdrSize = 4 + 4 + 5*4
	const entSize = 20

	sonames := make([]string, 0, len(libs))
	for soname := range libs {
		sonames = append(sonames, soname)
	}
	sort.Strings(sonames)

	var strs bytes.Buffer
	strBase := len(magic) + hdrSize + len(libs)*entSize
	addString := func(s string) uint32 {
		off := uint32(strBase + strs.Len())
		strs.WriteString(s)
		strs.WriteByte(0)
		return off
	}

	var ents bytes.Buffer
	for _, soname := range sonames {
		var ent [entSize]byte
		le.PutUint32(ent[0:], 3)
		le.PutUint32(ent[4:], addString(soname))
		le.PutUint32(ent[8:], addString(libs[soname]))
		ents.Write(ent[:])
	}

	var out bytes.Buffer
	out.Write(magic)
	var hdr [hdrSize]byte
	le.PutUint32(hdr[0:], uint32(len(libs)))
	le.PutUint32(hdr[4:], uint32(strs.Len()))
	out.Write(hdr[:])
	out.Write(ents.Bytes())
	out.Write(strs.Bytes())

	path := filepath.Join(dir, "etc", "ld.so.cache")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
