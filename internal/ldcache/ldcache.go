// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ldcache reads the dynamic linker's library cache,
// /etc/ld.so.cache, in both the legacy ld.so-1.7.0 format and the
// glibc-ld.so.cache1.1 format that is embedded after it.
//
// See sysdeps/generic/dl-cache.h in the glibc source tree for the
// layout. The legacy format is:
//
//	magic "ld.so-1.7.0\0"
//	nlibs
//	libs[nlibs]   (12 bytes each)
//	strings       (also the start of the new format, 8-aligned)
//
// The new format, either standalone or embedded at the string block:
//
//	magic "glibc-ld.so.cache" + version "1.1"
//	nlibs, len_strings, unused[5]
//	libs[nlibs]   (20 bytes each)
//	strings
//
// New-format string offsets are relative to the start of the new
// header; legacy offsets are relative to the end of the legacy entry
// table.
package ldcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrUnreadable reports a cache file that is absent, truncated, or
// carries an unknown magic.
var ErrUnreadable = errors.New("ld.so cache unreadable")

var (
	magicOld = []byte("ld.so-1.7.0\x00")
	magicNew = []byte("glibc-ld.so.cache")
	verNew   = []byte("1.1")
)

const (
	oldEntSize = 12
	newEntSize = 20
	newHdrSize = 4 + 4 + 5*4 // nlibs, len_strings, unused[5]
)

// An Entry is one record from the cache.
type Entry struct {
	Soname    string
	Flags     uint32
	OSVersion uint32
	HWCap     uint64
	Path      string
}

// A Cache is a parsed, memory-mapped ld.so.cache. The mapping stays
// live until Close; Entry strings alias it indirectly via copies, so
// they remain valid afterwards.
type Cache struct {
	Path string

	mapping []byte
	entries []Entry
}

// Open memory-maps and parses the cache file at path.
func Open(path string) (*Cache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrUnreadable, path)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrUnreadable, path, err)
	}

	c := &Cache{Path: path, mapping: mapping}
	if err := c.parse(); err != nil {
		unix.Munmap(mapping)
		return nil, err
	}
	return c, nil
}

// Close unmaps the cache. Entries remain valid.
func (c *Cache) Close() error {
	if c.mapping == nil {
		return nil
	}
	err := unix.Munmap(c.mapping)
	c.mapping = nil
	return err
}

// Entries returns the parsed records in cache order.
func (c *Cache) Entries() []Entry { return c.entries }

// Lookup returns the path of the first record whose soname equals
// name.
func (c *Cache) Lookup(name string) (string, bool) {
	for i := range c.entries {
		if c.entries[i].Soname == name {
			return c.entries[i].Path, true
		}
	}
	return "", false
}

func (c *Cache) parse() error {
	b := c.mapping
	switch {
	case bytes.HasPrefix(b, magicOld):
		rest, err := c.parseOld(b)
		if err != nil {
			return err
		}
		// glibc >= 2.2 embeds the new format in the legacy
		// string block. Prefer it when present: it carries
		// hwcap and os-version data the legacy table lacks.
		if bytes.HasPrefix(rest, magicNew) {
			c.entries = nil
			return c.parseNew(rest)
		}
		return nil
	case bytes.HasPrefix(b, magicNew):
		return c.parseNew(b)
	}
	return fmt.Errorf("%w: %s: unknown magic", ErrUnreadable, c.Path)
}

// parseOld decodes the legacy table and returns the 8-aligned tail
// where an embedded new-format cache may start.
func (c *Cache) parseOld(b []byte) ([]byte, error) {
	off := len(magicOld)
	if len(b) < off+4 {
		return nil, fmt.Errorf("%w: %s: truncated header", ErrUnreadable, c.Path)
	}
	nlibs := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if nlibs < 0 || len(b) < off+nlibs*oldEntSize {
		return nil, fmt.Errorf("%w: %s: truncated entry table", ErrUnreadable, c.Path)
	}
	strs := b[off+nlibs*oldEntSize:]

	for i := 0; i < nlibs; i++ {
		ent := b[off+i*oldEntSize:]
		flags := binary.LittleEndian.Uint32(ent)
		key := int(binary.LittleEndian.Uint32(ent[4:]))
		val := int(binary.LittleEndian.Uint32(ent[8:]))
		soname, err := getString(strs, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, c.Path, err)
		}
		path, err := getString(strs, val)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, c.Path, err)
		}
		c.entries = append(c.entries, Entry{Soname: soname, Flags: flags, Path: path})
	}

	// The new magic, if present, is 8-aligned relative to the file.
	tailOff := off + nlibs*oldEntSize
	aligned := (tailOff + 7) &^ 7
	if aligned > len(b) {
		return nil, nil
	}
	return b[aligned:], nil
}

func (c *Cache) parseNew(b []byte) error {
	base := b // string offsets are relative to the new header
	if !bytes.HasPrefix(b, magicNew) {
		return fmt.Errorf("%w: %s: bad new-format magic", ErrUnreadable, c.Path)
	}
	b = b[len(magicNew):]
	if !bytes.HasPrefix(b, verNew) {
		return fmt.Errorf("%w: %s: unsupported cache version", ErrUnreadable, c.Path)
	}
	b = b[len(verNew):]

	if len(b) < newHdrSize {
		return fmt.Errorf("%w: %s: truncated new-format header", ErrUnreadable, c.Path)
	}
	nlibs := int(binary.LittleEndian.Uint32(b))
	b = b[newHdrSize:]
	if nlibs < 0 || len(b) < nlibs*newEntSize {
		return fmt.Errorf("%w: %s: truncated new-format entry table", ErrUnreadable, c.Path)
	}

	for i := 0; i < nlibs; i++ {
		ent := b[i*newEntSize:]
		e := Entry{
			Flags:     binary.LittleEndian.Uint32(ent),
			OSVersion: binary.LittleEndian.Uint32(ent[12:]),
			HWCap:     binary.LittleEndian.Uint64(ent[16:]),
		}
		key := int(binary.LittleEndian.Uint32(ent[4:]))
		val := int(binary.LittleEndian.Uint32(ent[8:]))
		var err error
		if e.Soname, err = getString(base, key); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnreadable, c.Path, err)
		}
		if e.Path, err = getString(base, val); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnreadable, c.Path, err)
		}
		c.entries = append(c.entries, e)
	}
	return nil
}

func getString(b []byte, off int) (string, error) {
	if off < 0 || off >= len(b) {
		return "", fmt.Errorf("string offset %d out of range", off)
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at offset %d", off)
	}
	return string(b[off : off+end]), nil
}
