// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package capsule loads a shared library and its private dependency
// tree into an isolated namespace and rewrites the GOTs of every
// other loaded object so that calls to the library's exported
// symbols land in the isolated copy.
package capsule

import (
	"fmt"

	"github.com/aclements/go-capsule/internal/arch"
	"github.com/aclements/go-capsule/internal/debuglog"
	"github.com/aclements/go-capsule/internal/dlmap"
	"github.com/aclements/go-capsule/internal/ldlibs"
	"github.com/aclements/go-capsule/internal/reloc"
)

// A Capsule is the bookkeeping for one proxied soname: the handle of
// the privately loaded tree, a reference to the proxy's metadata, and
// the sets of objects already relocated.
type Capsule struct {
	Meta *Metadata

	// Namespace is the prefix group this capsule belongs to.
	Namespace *Namespace

	reg    *Registry
	handle *dlmap.Handle

	// seenAll records objects fully relocated (relocate-all pass);
	// seenSome records objects processed by the dlopen-only pass.
	// Both are keyed by object base address.
	seenAll  map[uint64]bool
	seenSome map[uint64]bool
}

// Handle returns the dl-handle of the capsule's root object.
func (c *Capsule) Handle() *dlmap.Handle { return c.handle }

// New creates a capsule from proxy metadata: resolves the soname's
// dependency tree under the chosen prefix, loads it into the prefix
// group's namespace, fills the relocation items from the loaded tree,
// and runs both relocation passes over the default namespace.
func New(reg *Registry, meta *Metadata) (*Capsule, error) {
	if err := meta.check(); err != nil {
		return nil, err
	}

	prefix := prefixFor(meta)
	ns := reg.namespaceFor(prefix)
	ns.merge(meta)

	c := &Capsule{
		Meta:      meta,
		Namespace: ns,
		reg:       reg,
		seenAll:   make(map[uint64]bool),
		seenSome:  make(map[uint64]bool),
	}

	if err := c.load(); err != nil {
		return nil, fmt.Errorf("encapsulating %s: %w", meta.Soname, err)
	}
	reg.add(c)

	if err := c.RelocateAll(); err != nil {
		return nil, fmt.Errorf("encapsulating %s: %w", meta.Soname, err)
	}
	if err := c.RelocateDlopen(); err != nil {
		return nil, fmt.Errorf("encapsulating %s: %w", meta.Soname, err)
	}
	c.installWrappers()
	return c, nil
}

// load resolves and loads the capsule's tree.
func (c *Capsule) load() error {
	res, err := ldlibs.NewResolver(c.reg.arch, c.Namespace.Prefix, c.Namespace.Exclude)
	if err != nil {
		return err
	}
	defer res.Finish()

	if err := res.LoadCache(c.reg.cachePath); err != nil {
		// The cache is an optimization; the well-known directory
		// list still applies.
		debuglog.Logf(debuglog.LDCache, "%s: %v", c.Meta.Soname, err)
	}
	if err := res.SetTarget(c.Meta.Soname); err != nil {
		return err
	}
	if err := res.FindDependencies(); err != nil {
		return err
	}
	h, err := res.Load(c.Namespace.LinkMap())
	if err != nil {
		return err
	}
	c.handle = h
	debuglog.Logf(debuglog.Capsule, "%s: loaded %d objects into namespace %q",
		c.Meta.Soname, len(c.Namespace.LinkMap().Images()), c.Namespace.ID)
	return nil
}

// RelocateAll rewrites the GOTs of every object outside the capsule
// using the capsule's full items table. Objects already processed and
// the capsule runtime itself are skipped.
func (c *Capsule) RelocateAll() error {
	if _, err := reloc.Fill(c.Meta.Items, c.handle, c.reg.def); err != nil {
		return err
	}
	res, err := c.reg.engine.ProcessNamespace(c.reg.def, c.Meta.Items, c.skipSelf, c.seenAll)
	if err != nil {
		return err
	}
	debuglog.Logf(debuglog.Reloc, "%s: relocate-all: %d written, %d correct, %d failed over %d objects",
		c.Meta.Soname, res.Written, res.Correct, res.Failed, res.Objects)
	if !res.Ok() {
		return fmt.Errorf("%d relocation failures for %s", res.Failed, c.Meta.Soname)
	}
	return nil
}

// dlopenSkip names the objects the dlopen-only pass must leave
// alone in addition to the capsule runtime.
var dlopenSkip = map[string]bool{
	"libc.so.6":       true,
	"libdl.so.2":      true,
	"libpthread.so.0": true,
}

// RelocateDlopen rewrites only dlopen slots, pointing them at the
// external dlopen wrapper so that later dynamic loading is observed.
func (c *Capsule) RelocateDlopen() error {
	if c.Meta.DlopenWrapper == 0 {
		return nil
	}
	items := []*reloc.Item{{Name: "dlopen", RealAddr: c.Meta.DlopenWrapper}}
	skip := func(img *dlmap.Image) bool {
		return c.skipSelf(img) || dlopenSkip[img.Soname]
	}
	res, err := c.reg.engine.ProcessNamespace(c.reg.def, items, skip, c.seenSome)
	if err != nil {
		return err
	}
	debuglog.Logf(debuglog.Reloc, "%s: relocate-dlopen: %d written, %d failed",
		c.Meta.Soname, res.Written, res.Failed)
	if !res.Ok() {
		return fmt.Errorf("%d dlopen relocation failures for %s", res.Failed, c.Meta.Soname)
	}
	return nil
}

// installWrappers redirects the loaded tree's own dlopen and
// allocator entries into the proxy-side wrappers, so that calls made
// from inside the capsule are routed back out. This is the same
// relocation algorithm restricted to the capsule's objects.
func (c *Capsule) installWrappers() {
	var items []*reloc.Item
	if c.Meta.DlopenWrapper != 0 {
		items = append(items, &reloc.Item{Name: "dlopen", RealAddr: c.Meta.DlopenWrapper})
	}
	if c.Namespace.FreeWrapper != 0 {
		items = append(items, &reloc.Item{Name: "free", RealAddr: c.Namespace.FreeWrapper})
	}
	if c.Namespace.ReallocWrapper != 0 {
		items = append(items, &reloc.Item{Name: "realloc", RealAddr: c.Namespace.ReallocWrapper})
	}
	if len(items) == 0 {
		return
	}
	for _, img := range c.Namespace.LinkMap().Images() {
		res := c.reg.engine.ProcessImage(img, items)
		debuglog.Logf(debuglog.Wrappers, "%s: wrappers in %s: %d written, %d failed",
			c.Meta.Soname, img.Soname, res.Written, res.Failed)
	}
}

// skipSelf reports whether img is the capsule runtime itself, which
// must never be relocated and never enters the seen sets.
func (c *Capsule) skipSelf(img *dlmap.Image) bool {
	return img.Soname == c.reg.selfSoname
}

// Close unregisters the capsule. Its namespace and loaded objects
// stay; the registry slot is nulled rather than compacted.
func (c *Capsule) Close() {
	c.reg.remove(c)
}

// hostArch is the architecture capsules operate on, fixed at
// registry construction from the running process.
func hostArch() *arch.Arch {
	switch ptrSize() {
	case 8:
		return arch.AMD64
	default:
		return arch.I386
	}
}

func ptrSize() int {
	return 32 << (^uintptr(0) >> 63) / 8
}
