// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"strings"

	"github.com/mvo5/goconfigparser"
)

// LibraryKnowledge is per-soname tuning loaded from a .desktop-style
// key-value file. Each library gets one group:
//
//	[Library libz.so.1]
//	CompareBy=versions;symbols;
//	PublicSymbolVersions=ZLIB_*;
//	PublicSymbols=crc32;inflate*;
//
// CompareBy replaces the comparator chain for that soname.
// PublicSymbols and PublicSymbolVersions are glob lists that filter
// the sets fed to the symbols and versions comparators, so private
// churn does not defeat the superset rule.
type LibraryKnowledge struct {
	cfg *goconfigparser.ConfigParser
}

// LoadLibraryKnowledge parses the file at path.
func LoadLibraryKnowledge(path string) (*LibraryKnowledge, error) {
	cfg := goconfigparser.New()
	if err := cfg.ReadFile(path); err != nil {
		return nil, err
	}
	return &LibraryKnowledge{cfg: cfg}, nil
}

func (k *LibraryKnowledge) get(soname, option string) []string {
	if k == nil || k.cfg == nil {
		return nil
	}
	val, err := k.cfg.Get("Library "+soname, option)
	if err != nil {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ChainFor returns the soname's comparator chain override, or nil.
func (k *LibraryKnowledge) ChainFor(soname string) (*Chain, error) {
	names := k.get(soname, "CompareBy")
	if names == nil {
		return nil, nil
	}
	return ParseChain(strings.Join(names, ","))
}

// filterVersions drops version definitions that are not public
// according to the soname's PublicSymbolVersions globs. Without
// globs, every version is public.
func (k *LibraryKnowledge) filterVersions(soname string, versions []string) []string {
	globs := k.get(soname, "PublicSymbolVersions")
	if globs == nil {
		return versions
	}
	var out []string
	for _, v := range versions {
		if matchAny(globs, v) {
			out = append(out, v)
		}
	}
	return out
}

// filterSymbols drops symbols that are not public according to the
// soname's PublicSymbols globs. The globs match the bare name, not
// the name@version form.
func (k *LibraryKnowledge) filterSymbols(soname string, symbols []string) []string {
	globs := k.get(soname, "PublicSymbols")
	if globs == nil {
		return symbols
	}
	var out []string
	for _, s := range symbols {
		name := s
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		if matchAny(globs, name) {
			out = append(out, s)
		}
	}
	return out
}
