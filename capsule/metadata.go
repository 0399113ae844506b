// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capsule

import (
	"fmt"
	"os"
	"strings"

	"github.com/aclements/go-capsule/internal/reloc"
)

// MetadataABIVersion is the only metadata ABI this implementation
// accepts.
const MetadataABIVersion = 0

// Metadata is the record a proxy library publishes to describe the
// capsule it wants: which soname it stands in for, where the real
// tree lives, what stays shared, what is exported, and which GOT
// entries to rewrite.
type Metadata struct {
	// ABIVersion must be MetadataABIVersion.
	ABIVersion int

	// Soname is the library this proxy stands in for.
	Soname string

	// Prefix is the default filesystem prefix of the real tree,
	// used when no environment override applies.
	Prefix string

	// Exclude lists sonames that must stay in the global namespace
	// even inside the capsule.
	Exclude []string

	// Export lists sonames whose symbols may satisfy dlsym calls
	// from outside the capsule.
	Export []string

	// Items is the relocation table: the proxy's exported symbols
	// and their stub addresses.
	Items []*reloc.Item

	// DlopenWrapper, FreeWrapper and ReallocWrapper are the
	// addresses of the capsule-internal replacements installed into
	// the loaded tree, so that its own dynamic loading and
	// allocator traffic is routed back through the proxy side.
	DlopenWrapper  uint64
	FreeWrapper    uint64
	ReallocWrapper uint64
}

func (m *Metadata) check() error {
	if m.ABIVersion != MetadataABIVersion {
		return fmt.Errorf("capsule metadata for %q has ABI version %d, want %d",
			m.Soname, m.ABIVersion, MetadataABIVersion)
	}
	if m.Soname == "" {
		return fmt.Errorf("capsule metadata has no soname")
	}
	return nil
}

// envKey mangles a soname into the environment variable fragment
// used for per-soname overrides: uppercased, with every
// non-alphanumeric replaced by '_'. libGL.so.1 becomes LIBGL_SO_1.
func envKey(soname string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(soname) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// prefixFor picks the filesystem prefix for a soname:
// CAPSULE_<SONAME>_PREFIX, then CAPSULE_PREFIX, then the metadata
// default, then "/".
func prefixFor(m *Metadata) string {
	if p := os.Getenv("CAPSULE_" + envKey(m.Soname) + "_PREFIX"); p != "" {
		return p
	}
	if p := os.Getenv("CAPSULE_PREFIX"); p != "" {
		return p
	}
	if m.Prefix != "" {
		return m.Prefix
	}
	return "/"
}
