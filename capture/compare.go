// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aclements/go-capsule/internal/debuglog"
	"github.com/aclements/go-capsule/internal/elfx"
)

// A Verdict is the sign convention shared by all comparators:
// negative means the container copy is newer, positive means the
// provider copy is newer, zero means equal or unknown.
type Verdict int

const (
	ContainerNewer Verdict = -1
	Unknown        Verdict = 0
	ProviderNewer  Verdict = 1
)

// A Comparator orders two copies of one library.
type Comparator func(soname, containerPath, providerPath string, know *LibraryKnowledge) (Verdict, error)

// comparators maps chain-spec names to implementations.
var comparators = map[string]Comparator{
	"name":     compareByName,
	"versions": compareByVersions,
	"symbols":  compareBySymbols,
	"container": func(string, string, string, *LibraryKnowledge) (Verdict, error) {
		return ContainerNewer, nil
	},
	"provider": func(string, string, string, *LibraryKnowledge) (Verdict, error) {
		return ProviderNewer, nil
	},
}

// A Chain is an ordered list of comparators consulted until one
// returns a nonzero verdict.
type Chain struct {
	names []string
	fns   []Comparator

	// Tie resolves a chain that returns zero throughout. The
	// default prefers the provider; preferring the container
	// instead avoids incompatibilities in some setups, so it is a
	// policy knob rather than a constant.
	Tie Verdict
}

// DefaultChain is the comparison used when none is configured.
var DefaultChain = mustParseChain("name,provider")

// ParseChain compiles a comma-separated comparator list such as
// "versions,name,symbols".
func ParseChain(spec string) (*Chain, error) {
	c := &Chain{Tie: ProviderNewer}
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		fn, ok := comparators[name]
		if !ok {
			return nil, fmt.Errorf("unknown comparator %q", name)
		}
		c.names = append(c.names, name)
		c.fns = append(c.fns, fn)
	}
	if len(c.fns) == 0 {
		return nil, fmt.Errorf("empty comparator chain %q", spec)
	}
	return c, nil
}

func mustParseChain(spec string) *Chain {
	c, err := ParseChain(spec)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the chain spec.
func (c *Chain) String() string { return strings.Join(c.names, ",") }

// Compare runs the chain. The first nonzero verdict wins; a chain
// that stays zero resolves to the tie preference.
func (c *Chain) Compare(soname, containerPath, providerPath string, know *LibraryKnowledge) (Verdict, error) {
	for i, fn := range c.fns {
		v, err := fn(soname, containerPath, providerPath, know)
		if err != nil {
			return Unknown, err
		}
		if v != Unknown {
			debuglog.Logf(debuglog.Capsule, "compare %s: %s says %+d", soname, c.names[i], v)
			return v, nil
		}
	}
	if c.Tie == Unknown {
		return ProviderNewer, nil
	}
	return c.Tie, nil
}

// compareByName orders by the realpath-resolved basenames using a
// version-aware comparison. Identical or unversioned basenames are
// non-comparable.
func compareByName(soname, containerPath, providerPath string, _ *LibraryKnowledge) (Verdict, error) {
	cReal, err := filepath.EvalSymlinks(containerPath)
	if err != nil {
		cReal = containerPath
	}
	pReal, err := filepath.EvalSymlinks(providerPath)
	if err != nil {
		pReal = providerPath
	}
	cBase, pBase := filepath.Base(cReal), filepath.Base(pReal)
	if cBase == pBase {
		return Unknown, nil
	}
	// A basename equal to the soname carries no version to compare.
	if cBase == soname || pBase == soname {
		return Unknown, nil
	}
	switch v := verCmp(cBase, pBase); {
	case v > 0:
		return ContainerNewer, nil
	case v < 0:
		return ProviderNewer, nil
	}
	return Unknown, nil
}

// compareByVersions compares the DT_VERDEF version-definition sets.
// A strict superset is newer; equal or incomparable sets are
// unknown.
func compareByVersions(soname, containerPath, providerPath string, know *LibraryKnowledge) (Verdict, error) {
	cVers, err := fileVersions(containerPath)
	if err != nil {
		return Unknown, err
	}
	pVers, err := fileVersions(providerPath)
	if err != nil {
		return Unknown, err
	}
	if know != nil {
		cVers = know.filterVersions(soname, cVers)
		pVers = know.filterVersions(soname, pVers)
	}
	return compareSets(cVers, pVers), nil
}

// compareBySymbols compares the defined-symbol sets, each symbol
// paired with its version where versioning is present.
func compareBySymbols(soname, containerPath, providerPath string, know *LibraryKnowledge) (Verdict, error) {
	cSyms, err := fileSymbols(containerPath)
	if err != nil {
		return Unknown, err
	}
	pSyms, err := fileSymbols(providerPath)
	if err != nil {
		return Unknown, err
	}
	if know != nil {
		cSyms = know.filterSymbols(soname, cSyms)
		pSyms = know.filterSymbols(soname, pSyms)
	}
	return compareSets(cSyms, pSyms), nil
}

// compareSets applies the strict-superset rule to two string sets.
func compareSets(container, provider []string) Verdict {
	cSet := make(map[string]bool, len(container))
	for _, s := range container {
		cSet[s] = true
	}
	pSet := make(map[string]bool, len(provider))
	for _, s := range provider {
		pSet[s] = true
	}

	cExtra, pExtra := false, false
	for s := range cSet {
		if !pSet[s] {
			cExtra = true
			break
		}
	}
	for s := range pSet {
		if !cSet[s] {
			pExtra = true
			break
		}
	}
	switch {
	case cExtra && !pExtra:
		return ContainerNewer
	case pExtra && !cExtra:
		return ProviderNewer
	}
	return Unknown
}

func fileVersions(path string) ([]string, error) {
	f, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.VersionDefinitions()
}

func fileSymbols(path string) ([]string, error) {
	f, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	syms, err := f.DefinedSymbols()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = s.String()
	}
	return out, nil
}

// matchAny reports whether s matches any of the glob patterns.
func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, s); err == nil && ok {
			return true
		}
	}
	return false
}
