// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfx

import (
	"debug/elf"
	"fmt"
	"sort"
)

// linkerGenerated names appear in nearly every shared object and say
// nothing about the library's own ABI, so the comparators filter them
// out.
var linkerGenerated = map[string]bool{
	"_init":                  true,
	"_fini":                  true,
	"__bss_start":            true,
	"__bss_start__":          true,
	"__bss_end__":            true,
	"_bss_end__":             true,
	"_edata":                 true,
	"_end":                   true,
	"__end__":                true,
	"_GLOBAL_OFFSET_TABLE_":  true,
	"__gmon_start__":         true,
	"_ITM_deregisterTMCloneTable": true,
	"_ITM_registerTMCloneTable":   true,
	"__cxa_finalize":              true,
}

// A Sym is one defined dynamic symbol, version-qualified when the
// object carries version information.
type Sym struct {
	Name    string
	Version string // empty for unversioned or base-version symbols
	Value   uint64
	Size    uint64
}

// String returns "name" or "name@version".
func (s Sym) String() string {
	if s.Version == "" {
		return s.Name
	}
	return s.Name + "@" + s.Version
}

// DefinedSymbols enumerates the dynamic symbols the object defines,
// excluding undefined entries, empty names and linker-generated
// bookkeeping symbols. The result is sorted by String().
func (f *File) DefinedSymbols() ([]Sym, error) {
	dynsyms, err := f.elf.DynamicSymbols()
	if err != nil {
		if err == elf.ErrNoSymbols {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, f.Path, err)
	}
	versyms, err := f.versyms()
	if err != nil {
		return nil, err
	}
	vernames, err := f.versionIndex()
	if err != nil {
		return nil, err
	}

	var out []Sym
	for i, sym := range dynsyms {
		if sym.Section == elf.SHN_UNDEF || sym.Name == "" {
			continue
		}
		if linkerGenerated[sym.Name] {
			continue
		}
		s := Sym{Name: sym.Name, Value: sym.Value, Size: sym.Size}
		// DynamicSymbols skips the null symbol, so the versym
		// index is offset by one.
		if versyms != nil && i+1 < len(versyms) {
			s.Version = vernames[versyms[i+1]]
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
