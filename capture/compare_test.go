// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture_test

import (
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/aclements/go-capsule/capture"
	"github.com/aclements/go-capsule/internal/elfx/elftest"
)

type compareSuite struct {
	dir string
}

var _ = Suite(&compareSuite{})

func (s *compareSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
}

func (s *compareSuite) lib(c *C, name string, cfg elftest.Config) string {
	return writeLib(c, s.dir, name, cfg)
}

func (s *compareSuite) TestChainParse(c *C) {
	chain, err := capture.ParseChain("versions,name,symbols")
	c.Assert(err, IsNil)
	c.Check(chain.String(), Equals, "versions,name,symbols")

	_, err = capture.ParseChain("bogus")
	c.Assert(err, ErrorMatches, `unknown comparator "bogus"`)
	_, err = capture.ParseChain("")
	c.Assert(err, NotNil)
}

// The container defines a strict subset of the provider's versions,
// so by-versions decides and by-name is never consulted.
func (s *compareSuite) TestVersionsBeforeName(c *C) {
	container := s.lib(c, "libfoo.so.1.2", elftest.Config{
		Soname:   "libfoo.so.1",
		Versions: []string{"FOO_1.0", "FOO_1.1"},
	})
	provider := s.lib(c, "libfoo.so.1.1", elftest.Config{
		Soname:   "libfoo.so.1",
		Versions: []string{"FOO_1.0", "FOO_1.1", "FOO_1.2"},
	})

	chain, err := capture.ParseChain("versions,name")
	c.Assert(err, IsNil)
	v, err := chain.Compare("libfoo.so.1", container, provider, nil)
	c.Assert(err, IsNil)
	// by-name alone would have said container-newer (1.2 > 1.1);
	// the verdef superset overrides it.
	c.Check(v, Equals, capture.ProviderNewer)
}

func (s *compareSuite) TestVersionsEqualFallsThrough(c *C) {
	container := s.lib(c, "libfoo.so.1.2", elftest.Config{
		Soname:   "libfoo.so.1",
		Versions: []string{"FOO_1.0"},
	})
	provider := s.lib(c, "libfoo.so.1.1", elftest.Config{
		Soname:   "libfoo.so.1",
		Versions: []string{"FOO_1.0"},
	})
	chain, err := capture.ParseChain("versions,name")
	c.Assert(err, IsNil)
	v, err := chain.Compare("libfoo.so.1", container, provider, nil)
	c.Assert(err, IsNil)
	c.Check(v, Equals, capture.ContainerNewer)
}

func (s *compareSuite) TestSymbolsSuperset(c *C) {
	container := s.lib(c, "c-libbar.so.2", elftest.Config{
		Soname: "libbar.so.2",
		Syms:   []elftest.Sym{{Name: "frob"}, {Name: "twiddle"}},
	})
	provider := s.lib(c, "p-libbar.so.2", elftest.Config{
		Soname: "libbar.so.2",
		Syms:   []elftest.Sym{{Name: "frob"}, {Name: "twiddle"}, {Name: "zork"}},
	})
	chain, err := capture.ParseChain("symbols")
	c.Assert(err, IsNil)
	v, err := chain.Compare("libbar.so.2", container, provider, nil)
	c.Assert(err, IsNil)
	c.Check(v, Equals, capture.ProviderNewer)
}

func (s *compareSuite) TestSymbolsIncomparable(c *C) {
	// Each side has a symbol the other lacks; the comparator must
	// stay neutral and the tie preference decides.
	container := s.lib(c, "c-libbar.so.2", elftest.Config{
		Soname: "libbar.so.2",
		Syms:   []elftest.Sym{{Name: "frob"}, {Name: "onlyContainer"}},
	})
	provider := s.lib(c, "p-libbar.so.2", elftest.Config{
		Soname: "libbar.so.2",
		Syms:   []elftest.Sym{{Name: "frob"}, {Name: "onlyProvider"}},
	})
	chain, err := capture.ParseChain("symbols")
	c.Assert(err, IsNil)
	v, err := chain.Compare("libbar.so.2", container, provider, nil)
	c.Assert(err, IsNil)
	c.Check(v, Equals, capture.ProviderNewer) // default tie

	chain.Tie = capture.ContainerNewer
	v, err = chain.Compare("libbar.so.2", container, provider, nil)
	c.Assert(err, IsNil)
	c.Check(v, Equals, capture.ContainerNewer)
}

func (s *compareSuite) TestUnconditionalComparators(c *C) {
	container := s.lib(c, "c.so", elftest.Config{Soname: "c.so"})
	provider := s.lib(c, "p.so", elftest.Config{Soname: "p.so"})

	chain, err := capture.ParseChain("container")
	c.Assert(err, IsNil)
	v, err := chain.Compare("c.so", container, provider, nil)
	c.Assert(err, IsNil)
	c.Check(v, Equals, capture.ContainerNewer)

	chain, err = capture.ParseChain("provider")
	c.Assert(err, IsNil)
	v, err = chain.Compare("c.so", container, provider, nil)
	c.Assert(err, IsNil)
	c.Check(v, Equals, capture.ProviderNewer)
}

func (s *compareSuite) TestNameUnversionedIncomparable(c *C) {
	// Both basenames equal the soname: nothing to compare, tie
	// preference wins.
	cdir, pdir := c.MkDir(), c.MkDir()
	container := writeLib(c, cdir, "libbaz.so.1", elftest.Config{Soname: "libbaz.so.1"})
	provider := writeLib(c, pdir, "libbaz.so.1", elftest.Config{Soname: "libbaz.so.1"})

	chain, err := capture.ParseChain("name")
	c.Assert(err, IsNil)
	v, err := chain.Compare("libbaz.so.1", container, provider, nil)
	c.Assert(err, IsNil)
	c.Check(v, Equals, capture.ProviderNewer)
}

type knowledgeSuite struct {
	dir string
}

var _ = Suite(&knowledgeSuite{})

func (s *knowledgeSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
}

func (s *knowledgeSuite) write(c *C, content string) *capture.LibraryKnowledge {
	path := filepath.Join(s.dir, "knowledge")
	c.Assert(os.WriteFile(path, []byte(content), 0o644), IsNil)
	know, err := capture.LoadLibraryKnowledge(path)
	c.Assert(err, IsNil)
	return know
}

func (s *knowledgeSuite) TestChainOverride(c *C) {
	know := s.write(c, `[Library libz.so.1]
CompareBy=versions;symbols;
`)
	chain, err := know.ChainFor("libz.so.1")
	c.Assert(err, IsNil)
	c.Assert(chain, NotNil)
	c.Check(chain.String(), Equals, "versions,symbols")

	chain, err = know.ChainFor("libother.so.1")
	c.Assert(err, IsNil)
	c.Check(chain, IsNil)
}

func (s *knowledgeSuite) TestPublicSymbolFilter(c *C) {
	know := s.write(c, `[Library libz.so.1]
PublicSymbols=inflate*;crc32;
PublicSymbolVersions=ZLIB_*;
`)

	dir := c.MkDir()
	container := writeLib(c, dir, "c-libz.so.1", elftest.Config{
		Soname:   "libz.so.1",
		Versions: []string{"ZLIB_1.2", "PRIVATE_1"},
		Syms: []elftest.Sym{
			{Name: "inflate", Version: "ZLIB_1.2"},
			{Name: "crc32", Version: "ZLIB_1.2"},
			{Name: "secretContainerThing"},
		},
	})
	provider := writeLib(c, dir, "p-libz.so.1", elftest.Config{
		Soname:   "libz.so.1",
		Versions: []string{"ZLIB_1.2", "ZLIB_1.3", "OTHERPRIVATE_9"},
		Syms: []elftest.Sym{
			{Name: "inflate", Version: "ZLIB_1.2"},
			{Name: "crc32", Version: "ZLIB_1.2"},
			{Name: "inflateReset2", Version: "ZLIB_1.3"},
		},
	})

	// Private names on each side would make the sets incomparable;
	// the public filters leave a clean strict superset.
	chain, err := capture.ParseChain("versions")
	c.Assert(err, IsNil)
	v, err := chain.Compare("libz.so.1", container, provider, know)
	c.Assert(err, IsNil)
	c.Check(v, Equals, capture.ProviderNewer)

	chain, err = capture.ParseChain("symbols")
	c.Assert(err, IsNil)
	v, err = chain.Compare("libz.so.1", container, provider, know)
	c.Assert(err, IsNil)
	c.Check(v, Equals, capture.ProviderNewer)
}
