// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capsule

import (
	"github.com/aclements/go-capsule/internal/arch"
	"github.com/aclements/go-capsule/internal/dlmap"
	"github.com/aclements/go-capsule/internal/reloc"
)

// DefaultCachePath is the system linker cache consulted by capsule
// resolvers.
const DefaultCachePath = "/etc/ld.so.cache"

// A Registry is the process-wide state: every registered capsule,
// the per-prefix namespace groups, and the default link map. It is
// set up once at startup, under the single-threaded model the design
// assumes, and read thereafter. Teardown is not supported; the
// records leak safely at process exit.
type Registry struct {
	arch       *arch.Arch
	def        *dlmap.Namespace
	engine     *reloc.Engine
	cachePath  string
	selfSoname string

	capsules   []*Capsule
	namespaces map[string]*Namespace
}

// Config carries the knobs for registry construction. The zero value
// gives live-process defaults.
type Config struct {
	// Default is the default namespace. If nil, it is built from
	// the live process map.
	Default *dlmap.Namespace
	// Engine is the relocation engine. If nil, a live engine is
	// used.
	Engine *reloc.Engine
	// CachePath overrides the linker cache location.
	CachePath string
	// SelfSoname names the capsule runtime's own object, which the
	// relocator must never touch.
	SelfSoname string
	// Arch overrides the host architecture.
	Arch *arch.Arch
}

// NewRegistry builds the process-wide state.
func NewRegistry(cfg Config) (*Registry, error) {
	reg := &Registry{
		arch:       cfg.Arch,
		def:        cfg.Default,
		engine:     cfg.Engine,
		cachePath:  cfg.CachePath,
		selfSoname: cfg.SelfSoname,
		namespaces: make(map[string]*Namespace),
	}
	if reg.arch == nil {
		reg.arch = hostArch()
	}
	if reg.def == nil {
		def, err := dlmap.System()
		if err != nil {
			return nil, err
		}
		reg.def = def
	}
	if reg.engine == nil {
		reg.engine = reloc.NewEngine()
	}
	if reg.cachePath == "" {
		reg.cachePath = DefaultCachePath
	}
	if reg.selfSoname == "" {
		reg.selfSoname = "libcapsule.so.0"
	}
	return reg, nil
}

// Default returns the default (host) namespace.
func (r *Registry) Default() *dlmap.Namespace { return r.def }

// Capsules returns the live capsules. Closed slots are nil.
func (r *Registry) Capsules() []*Capsule { return r.capsules }

// namespaceFor returns the namespace group for prefix, creating it
// on first use. If any existing capsule with the same prefix already
// obtained a concrete namespace id, that group (and hence that id)
// is reused, so capsules sharing a prefix see each other's exports.
func (r *Registry) namespaceFor(prefix string) *Namespace {
	if ns, ok := r.namespaces[prefix]; ok {
		return ns
	}
	ns := newNamespace(prefix)
	r.namespaces[prefix] = ns
	return ns
}

func (r *Registry) add(c *Capsule) {
	// Reuse a nulled slot before growing; append-mostly.
	for i, slot := range r.capsules {
		if slot == nil {
			r.capsules[i] = c
			return
		}
	}
	r.capsules = append(r.capsules, c)
}

func (r *Registry) remove(c *Capsule) {
	for i, slot := range r.capsules {
		if slot == c {
			r.capsules[i] = nil
			return
		}
	}
}
