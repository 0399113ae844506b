// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capsule

import (
	"fmt"

	"github.com/aclements/go-capsule/internal/debuglog"
	"github.com/aclements/go-capsule/internal/dlmap"
	"github.com/aclements/go-capsule/internal/elfx"
	"github.com/aclements/go-capsule/internal/ldlibs"
)

// Flag bits for Dlopen calls, mirroring the dynamic loader's.
const (
	RTLDLazy   = 0x1
	RTLDNow    = 0x2
	RTLDGlobal = 0x100
)

// ExternalDlsym is the dlsym replacement the host process binds
// against. It resolves symbol in the default scope first; when the
// result lands inside a known proxy object, or when there is no
// result, the registered capsules are searched. A capsule hit is
// accepted only if the defining object's path matches one of the
// capsule's export entries by the soname-prefix rule.
func (r *Registry) ExternalDlsym(handle *dlmap.Handle, symbol string) (uint64, bool) {
	var addr uint64
	var ok bool
	if handle != nil {
		addr, _, ok = handle.Lookup(symbol)
	} else {
		addr, _, ok = r.def.Lookup(symbol)
	}

	if ok && !r.isProxyAddr(addr) {
		return addr, true
	}
	debuglog.Logf(debuglog.DLFunc, "dlsym(%q): searching capsules (default hit: %v)", symbol, ok)

	for _, c := range r.capsules {
		if c == nil {
			continue
		}
		caddr, img, found := c.handle.Lookup(symbol)
		if !found {
			continue
		}
		if !c.exports(img) {
			debuglog.Logf(debuglog.DLFunc, "dlsym(%q): hit in %s not exported by %s",
				symbol, img.Name, c.Meta.Soname)
			continue
		}
		debuglog.Logf(debuglog.DLFunc, "dlsym(%q): %#x from %s", symbol, caddr, img.Name)
		return caddr, true
	}

	// Fall through to the plain lookup result.
	return addr, ok
}

// isProxyAddr reports whether addr belongs to an object that is a
// registered proxy, meaning the default lookup resolved to a stub.
func (r *Registry) isProxyAddr(addr uint64) bool {
	img, ok := r.def.FindByAddr(addr)
	if !ok {
		return false
	}
	for _, c := range r.capsules {
		if c != nil && c.Meta.Soname == img.Soname {
			return true
		}
	}
	return false
}

// exports reports whether img's path matches one of the capsule's
// export entries by the soname-prefix rule.
func (c *Capsule) exports(img *dlmap.Image) bool {
	for _, soname := range c.Namespace.Export {
		if elfx.SonameMatchesPath(soname, img.Name) {
			return true
		}
	}
	return false
}

// ExternalDlopen is the dlopen replacement bound outside the
// capsules. The open itself proceeds unchanged in the default scope;
// on success every capsule re-runs both relocation passes, since the
// new object may carry GOT entries that need redirection.
// Re-relocation failures are logged and do not fail the open.
func (r *Registry) ExternalDlopen(file string, flags int) (*dlmap.Handle, error) {
	img, err := r.def.Open(file)
	if err != nil {
		return nil, err
	}
	h := &dlmap.Handle{Namespace: r.def, Root: img}

	for _, c := range r.capsules {
		if c == nil {
			continue
		}
		if err := c.RelocateAll(); err != nil {
			debuglog.Logf(debuglog.DLFunc, "dlopen(%q): %s: %v", file, c.Meta.Soname, err)
		}
		if err := c.RelocateDlopen(); err != nil {
			debuglog.Logf(debuglog.DLFunc, "dlopen(%q): %s: %v", file, c.Meta.Soname, err)
		}
	}
	return h, nil
}

// Dlopen is the dlopen replacement installed inside the capsule,
// replacing the loaded tree's own. The requested file is resolved
// under the capsule's prefix with the capsule's exclude list and the
// whole resolved tree is loaded into the capsule's namespace.
// RTLD_GLOBAL is unsupported across namespaces.
func (c *Capsule) Dlopen(file string, flags int) (*dlmap.Handle, error) {
	if flags&RTLDGlobal != 0 {
		return nil, fmt.Errorf("dlopen %q: RTLD_GLOBAL is unsupported inside a capsule", file)
	}
	lm := c.Namespace.LinkMap()

	if c.Namespace.Prefix == "/" || c.Namespace.Prefix == "" {
		img, err := lm.Open(file)
		if err != nil {
			return nil, err
		}
		return &dlmap.Handle{Namespace: lm, Root: img}, nil
	}

	res, err := ldlibs.NewResolver(c.reg.arch, c.Namespace.Prefix, c.Namespace.Exclude)
	if err != nil {
		return nil, err
	}
	defer res.Finish()
	if err := res.LoadCache(c.reg.cachePath); err != nil {
		debuglog.Logf(debuglog.LDCache, "dlopen(%q): %v", file, err)
	}
	if err := res.SetTarget(file); err != nil {
		return nil, err
	}
	if err := res.FindDependencies(); err != nil {
		return nil, err
	}
	return res.Load(lm)
}
