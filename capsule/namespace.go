// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capsule

import (
	"github.com/aclements/go-capsule/internal/dlmap"
	"github.com/aclements/go-capsule/internal/ldlibs"
)

// A Namespace groups the capsules that share a filesystem prefix.
// All of them load into the same private link map so they can see
// each other's exports. Namespaces are created lazily when the first
// capsule for a prefix registers and are never destroyed.
type Namespace struct {
	// Prefix is the filesystem prefix shared by the group.
	Prefix string

	// ID is the private namespace identifier. It starts as the
	// sentinel dlmap.NamespaceNew and becomes concrete on first
	// load within the prefix.
	ID string

	// Exclude and Export are the merged, de-duplicated lists
	// aggregated from every capsule in the group. Exclude always
	// contains the fixed never-encapsulated set.
	Exclude []string
	Export  []string

	// FreeWrapper and ReallocWrapper route the capsule tree's
	// allocator traffic; they are taken from the first capsule that
	// supplies them.
	FreeWrapper    uint64
	ReallocWrapper uint64

	lm *dlmap.Namespace
}

func newNamespace(prefix string) *Namespace {
	return &Namespace{
		Prefix:  prefix,
		ID:      dlmap.NamespaceNew,
		Exclude: ldlibs.NeverEncapsulated(),
	}
}

// merge folds a capsule's metadata into the group lists.
func (ns *Namespace) merge(m *Metadata) {
	ns.Exclude = mergeUnique(ns.Exclude, m.Exclude)
	ns.Export = mergeUnique(ns.Export, m.Export)
	if ns.FreeWrapper == 0 {
		ns.FreeWrapper = m.FreeWrapper
	}
	if ns.ReallocWrapper == 0 {
		ns.ReallocWrapper = m.ReallocWrapper
	}
}

// LinkMap returns the namespace's link map, creating it (and fixing
// the concrete id) on first use.
func (ns *Namespace) LinkMap() *dlmap.Namespace {
	if ns.lm == nil {
		if ns.ID == dlmap.NamespaceNew {
			ns.ID = "capsule:" + ns.Prefix
		}
		ns.lm = dlmap.NewNamespace(ns.ID)
	}
	return ns.lm
}

func mergeUnique(dst []string, add []string) []string {
	have := make(map[string]bool, len(dst))
	for _, s := range dst {
		have[s] = true
	}
	for _, s := range add {
		if s != "" && !have[s] {
			dst = append(dst, s)
			have[s] = true
		}
	}
	return dst
}
