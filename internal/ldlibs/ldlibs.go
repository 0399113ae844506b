// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ldlibs resolves a shared library's recursive DT_NEEDED
// graph under a filesystem prefix and loads the resolved set into a
// private namespace in reverse-dependency order.
package ldlibs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aclements/go-capsule/internal/arch"
	"github.com/aclements/go-capsule/internal/debuglog"
	"github.com/aclements/go-capsule/internal/dlmap"
	"github.com/aclements/go-capsule/internal/elfx"
	"github.com/aclements/go-capsule/internal/ldcache"
)

// DSOLimit is the hard ceiling on the size of one dependency set,
// root included. Exceeding it is an error, never a truncation.
const DSOLimit = 256

var (
	// ErrNotFound reports a target or dependency soname that could
	// not be resolved under the prefix.
	ErrNotFound = errors.New("library not found")

	// ErrCapacity reports a dependency set larger than DSOLimit.
	ErrCapacity = errors.New("dependency set exceeds capacity")

	// ErrPathEscape reports an absolute target outside the prefix.
	ErrPathEscape = errors.New("path escapes prefix")
)

// neverEncapsulated are the glibc-family sonames that are always left
// to the global namespace: private copies of these cannot coexist
// with the host's.
var neverEncapsulated = []string{
	"libc.so.6",
	"libdl.so.2",
	"libpthread.so.0",
	"libm.so.6",
	"libresolv.so.2",
	"librt.so.1",
	"libnsl.so.1",
	"libutil.so.1",
	"libcrypt.so.1",
	"libanl.so.1",
	"libBrokenLocale.so.1",
	"libmvec.so.1",
	"libthread_db.so.1",
	"libcidn.so.1",
}

// NeverEncapsulated returns the fixed glibc-family exclude set.
func NeverEncapsulated() []string {
	out := make([]string, len(neverEncapsulated))
	copy(out, neverEncapsulated)
	return out
}

// A need is one slot in the bounded dependency array. Slot 0 is the
// root target.
type need struct {
	// name is the soname or absolute path as requested.
	name string
	// path is the resolved absolute path within the prefix.
	path string
	// file is the open ELF handle used for inspection.
	file *elfx.File
	// requestors marks which other slots asked for this one.
	requestors [DSOLimit / 64]uint64
	// depcount is the number of requestors not yet loaded.
	depcount int
	// processed marks slots whose own DT_NEEDED has been walked.
	processed bool
}

func (n *need) requestedBy(i int) {
	if n.requestors[i/64]&(1<<(i%64)) == 0 {
		n.requestors[i/64] |= 1 << (i % 64)
		n.depcount++
	}
}

// A Resolver builds the load set for one target under one prefix. A
// resolver serves exactly one ELF class and machine, recorded at
// creation time.
type Resolver struct {
	arch    *arch.Arch
	prefix  string
	exclude []string

	cache  *ldcache.Cache
	needed []*need
}

// Option configures resolution edge-case policy.
type Option func(*options)

type options struct {
	ifExists bool
}

// IfExists makes a missing target or dependency a silent no-op
// instead of an error.
func IfExists() Option {
	return func(o *options) { o.ifExists = true }
}

// NewResolver creates a resolver for libraries matching a, rooted at
// prefix, with the given extra exclude list. An empty prefix means
// "/".
func NewResolver(a *arch.Arch, prefix string, exclude []string) (*Resolver, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: no architecture", elfx.ErrWrongABI)
	}
	if prefix == "" {
		prefix = "/"
	}
	prefix = filepath.Clean(prefix)
	return &Resolver{arch: a, prefix: prefix, exclude: exclude}, nil
}

// Prefix returns the resolver's filesystem prefix.
func (r *Resolver) Prefix() string { return r.prefix }

// LoadCache memory-maps the linker cache at path. The cache is
// optional; without one, resolution falls back to the well-known
// directory list.
func (r *Resolver) LoadCache(path string) error {
	c, err := ldcache.Open(path)
	if err != nil {
		return err
	}
	r.cache = c
	debuglog.Logf(debuglog.LDCache, "loaded %s: %d entries", path, len(c.Entries()))
	return nil
}

// Excluded reports whether soname must be left to the global
// namespace: it matches the exclude list by basename, is part of the
// fixed glibc family, or is the runtime linker itself.
func (r *Resolver) Excluded(soname string) bool {
	base := filepath.Base(soname)
	if strings.HasPrefix(base, "ld-") {
		return true
	}
	for _, e := range neverEncapsulated {
		if base == e {
			return true
		}
	}
	for _, e := range r.exclude {
		if base == filepath.Base(e) {
			return true
		}
	}
	return false
}

// SetTarget resolves and opens the root target: an absolute path
// (validated to live under the prefix when the prefix is not "/") or
// a soname searched in the cache and the well-known directories.
func (r *Resolver) SetTarget(name string, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var path string
	if filepath.IsAbs(name) {
		clean := filepath.Clean(name)
		if r.prefix != "/" && !underPrefix(clean, r.prefix) {
			return fmt.Errorf("%w: %s not under %s", ErrPathEscape, clean, r.prefix)
		}
		path = clean
	} else {
		var err error
		path, err = r.resolve(name)
		if err != nil {
			if o.ifExists && errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
	}

	f, err := r.openChecked(path)
	if err != nil {
		if o.ifExists && errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	r.needed = []*need{{name: name, path: path, file: f}}
	return nil
}

// Target returns the resolved path of slot 0, or "".
func (r *Resolver) Target() string {
	if len(r.needed) == 0 {
		return ""
	}
	return r.needed[0].path
}

// Needed returns the resolved paths in slot order, root first.
func (r *Resolver) Needed() []string {
	var out []string
	for _, n := range r.needed {
		out = append(out, n.path)
	}
	return out
}

// openChecked opens path as an ELF object and verifies it matches the
// resolver's architecture.
func (r *Resolver) openChecked(path string) (*elfx.File, error) {
	f, err := elfx.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	if err := f.CheckArch(r.arch); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// wellKnownDirs is the fallback search list, tried in order under the
// prefix.
func (r *Resolver) wellKnownDirs() []string {
	return []string{
		"/lib64",
		"/usr/lib64",
		"/lib/" + r.arch.Multiarch,
		"/usr/lib/" + r.arch.Multiarch,
		"/lib",
		"/usr/lib",
	}
}

// SearchDirs returns the well-known directories joined with the
// prefix, in search order.
func (r *Resolver) SearchDirs() []string {
	var out []string
	for _, dir := range r.wellKnownDirs() {
		out = append(out, filepath.Join(r.prefix, dir))
	}
	return out
}

// CacheSonames returns every soname the loaded cache mentions, in
// cache order. Without a cache the result is empty.
func (r *Resolver) CacheSonames() []string {
	if r.cache == nil {
		return nil
	}
	var out []string
	for _, e := range r.cache.Entries() {
		out = append(out, e.Soname)
	}
	return out
}

// Resolve maps a soname to an absolute path under the prefix: first
// through the prefix-adjusted cache, then the well-known directories.
func (r *Resolver) Resolve(soname string) (string, error) {
	return r.resolve(soname)
}

func (r *Resolver) resolve(soname string) (string, error) {
	if r.cache != nil {
		if p, ok := r.cache.Lookup(soname); ok {
			adjusted := p
			if r.prefix != "/" {
				adjusted = filepath.Join(r.prefix, p)
			}
			if _, err := os.Stat(adjusted); err == nil {
				debuglog.Logf(debuglog.Search, "%s: cache hit %s", soname, adjusted)
				return adjusted, nil
			}
		}
	}
	for _, dir := range r.wellKnownDirs() {
		p := filepath.Join(r.prefix, dir, soname)
		if _, err := os.Stat(p); err == nil {
			debuglog.Logf(debuglog.Search, "%s: found %s", soname, p)
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s under %s", ErrNotFound, soname, r.prefix)
}

// findSlot returns the slot index holding soname, or -1.
func (r *Resolver) findSlot(soname string) int {
	for i, n := range r.needed {
		if filepath.Base(n.name) == soname || filepath.Base(n.path) == soname {
			return i
		}
	}
	return -1
}

// FindDependencies walks the target's recursive DT_NEEDED graph
// breadth-first and fills the dependency array. Dependencies on the
// exclude list are omitted; a soname already present only gains a
// requestor bit, which also tolerates cycles.
func (r *Resolver) FindDependencies(opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(r.needed) == 0 {
		return fmt.Errorf("%w: no target set", ErrNotFound)
	}

	for i := 0; i < len(r.needed); i++ {
		n := r.needed[i]
		if n.processed {
			continue
		}
		n.processed = true

		deps, err := n.file.Needed()
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if r.Excluded(dep) {
				debuglog.Logf(debuglog.Search, "%s: excluded dependency %s", n.path, dep)
				continue
			}
			if j := r.findSlot(dep); j >= 0 {
				r.needed[j].requestedBy(i)
				continue
			}
			path, err := r.resolve(dep)
			if err != nil {
				if o.ifExists && errors.Is(err, ErrNotFound) {
					debuglog.Logf(debuglog.Search, "%s: missing optional dependency %s", n.path, dep)
					continue
				}
				return fmt.Errorf("resolving %s (needed by %s): %w", dep, n.path, err)
			}
			f, err := r.openChecked(path)
			if err != nil {
				return fmt.Errorf("resolving %s (needed by %s): %w", dep, n.path, err)
			}
			if len(r.needed) >= DSOLimit {
				f.Close()
				return fmt.Errorf("%w: more than %d objects for %s", ErrCapacity, DSOLimit, r.needed[0].path)
			}
			slot := &need{name: dep, path: path, file: f}
			slot.requestedBy(i)
			r.needed = append(r.needed, slot)
		}
	}
	return nil
}

// Load opens the resolved set into ns, highest index first so that
// every object's dependencies are present before the object itself.
// It returns the handle of the root target.
func (r *Resolver) Load(ns *dlmap.Namespace) (*dlmap.Handle, error) {
	if len(r.needed) == 0 {
		return nil, fmt.Errorf("%w: no target set", ErrNotFound)
	}
	var root *dlmap.Image
	for i := len(r.needed) - 1; i >= 0; i-- {
		n := r.needed[i]
		if prev, ok := ns.BySoname(filepath.Base(n.path)); ok {
			if i == 0 {
				root = prev
			}
			continue
		}
		img, err := ns.Open(n.path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", n.path, err)
		}
		if i == 0 {
			root = img
		}
	}
	return &dlmap.Handle{Namespace: ns, Root: root}, nil
}

// Finish closes the resolver's open file descriptors and the cache
// mapping. The loader has its own descriptors by then.
func (r *Resolver) Finish() {
	for _, n := range r.needed {
		if n.file != nil {
			n.file.Close()
			n.file = nil
		}
	}
	if r.cache != nil {
		r.cache.Close()
		r.cache = nil
	}
}

// underPrefix reports whether clean path p is inside prefix.
func underPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
