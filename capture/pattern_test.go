// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture_test

import (
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/aclements/go-capsule/capture"
)

type patternSuite struct{}

var _ = Suite(&patternSuite{})

func parseOne(c *C, token string) capture.Pattern {
	ps, err := capture.ParsePatterns([]string{token})
	c.Assert(err, IsNil)
	c.Assert(ps, HasLen, 1)
	return ps[0]
}

func (s *patternSuite) TestKinds(c *C) {
	tests := []struct {
		token string
		kind  capture.Kind
		value string
	}{
		{"soname:libGL.so.1", capture.KindSoname, "libGL.so.1"},
		{"exact-soname:libGL.so.1", capture.KindExactSoname, "libGL.so.1"},
		{"soname-match:libGLX_*.so.*", capture.KindSonameMatch, "libGLX_*.so.*"},
		{"path:/usr/lib/libGL.so.1", capture.KindPath, "/usr/lib/libGL.so.1"},
		{"path-match:/usr/lib/nvidia*/lib*.so*", capture.KindPathMatch, "/usr/lib/nvidia*/lib*.so*"},
		// Positional forms.
		{"libGL.so.1", capture.KindSoname, "libGL.so.1"},
		{"libGLX_*.so.*", capture.KindSonameMatch, "libGLX_*.so.*"},
		{"/usr/lib/libGL.so.1", capture.KindPath, "/usr/lib/libGL.so.1"},
		{"/usr/lib/nvidia*/libcuda.so*", capture.KindPathMatch, "/usr/lib/nvidia*/libcuda.so*"},
	}
	for _, test := range tests {
		p := parseOne(c, test.token)
		c.Check(p.Kind, Equals, test.kind, Commentf("token %q", test.token))
		c.Check(p.Value, Equals, test.value, Commentf("token %q", test.token))
	}
}

func (s *patternSuite) TestFlagPrefixesStack(c *C) {
	p := parseOne(c, "even-if-older:if-exists:soname:libGL.so.1")
	c.Check(p.Kind, Equals, capture.KindSoname)
	c.Check(p.Value, Equals, "libGL.so.1")
	c.Check(p.Flags.EvenIfOlder, Equals, true)
	c.Check(p.Flags.IfExists, Equals, true)
	c.Check(p.Flags.NoDependencies, Equals, false)

	p = parseOne(c, "no-dependencies:if-same-abi:path:/usr/lib/libX.so")
	c.Check(p.Flags.NoDependencies, Equals, true)
	c.Check(p.Flags.IfSameABI, Equals, true)
}

func (s *patternSuite) TestConflictingFlags(c *C) {
	_, err := capture.ParsePatterns([]string{"only-dependencies:no-dependencies:soname:libGL.so.1"})
	c.Assert(err, ErrorMatches, ".*mutually exclusive.*")
}

func (s *patternSuite) TestEmptyPattern(c *C) {
	_, err := capture.ParsePatterns([]string{""})
	c.Assert(err, NotNil)
	_, err = capture.ParsePatterns([]string{"if-exists:"})
	c.Assert(err, NotNil)
}

func (s *patternSuite) TestGlExpansion(c *C) {
	ps, err := capture.ParsePatterns([]string{"gl:"})
	c.Assert(err, IsNil)
	c.Assert(len(ps) > 5, Equals, true)
	found := false
	for _, p := range ps {
		if p.Kind == capture.KindSoname && p.Value == "libGL.so.1" {
			found = true
		}
	}
	c.Check(found, Equals, true)
}

func (s *patternSuite) TestNvidiaExpansionCarriesFlags(c *C) {
	ps, err := capture.ParsePatterns([]string{"nvidia:"})
	c.Assert(err, IsNil)
	for _, p := range ps {
		c.Check(p.Flags.EvenIfOlder, Equals, true, Commentf("%s", p))
		c.Check(p.Flags.NoDependencies, Equals, true, Commentf("%s", p))
	}
}

func (s *patternSuite) TestFromFile(c *C) {
	path := filepath.Join(c.MkDir(), "patterns")
	content := `# graphics stack
soname:libGL.so.1

if-exists:soname:libvulkan.so.1
`
	c.Assert(os.WriteFile(path, []byte(content), 0o644), IsNil)

	ps, err := capture.ParsePatterns([]string{"from:" + path})
	c.Assert(err, IsNil)
	c.Assert(ps, HasLen, 2)
	c.Check(ps[0].Value, Equals, "libGL.so.1")
	c.Check(ps[1].Value, Equals, "libvulkan.so.1")
	c.Check(ps[1].Flags.IfExists, Equals, true)
}

func (s *patternSuite) TestFromFileMissing(c *C) {
	_, err := capture.ParsePatterns([]string{"from:/no/such/file"})
	c.Assert(err, NotNil)
}

type vercmpSuite struct{}

var _ = Suite(&vercmpSuite{})

func (s *vercmpSuite) TestOrdering(c *C) {
	tests := []struct {
		a, b string
		want int
	}{
		{"libfoo.so.1.9", "libfoo.so.1.10", -1},
		{"libfoo.so.1.10", "libfoo.so.1.9", 1},
		{"libfoo.so.1.2", "libfoo.so.1.2", 0},
		{"libfoo.so.2", "libfoo.so.10", -1},
		{"libfoo.so.1.2.3", "libfoo.so.1.2", 1},
		{"libGL.so.1.5.0", "libGL.so.1.2.0", 1},
	}
	for _, test := range tests {
		got := capture.VerCmp(test.a, test.b)
		switch {
		case test.want < 0:
			c.Check(got < 0, Equals, true, Commentf("VerCmp(%q, %q) = %d", test.a, test.b, got))
		case test.want > 0:
			c.Check(got > 0, Equals, true, Commentf("VerCmp(%q, %q) = %d", test.a, test.b, got))
		default:
			c.Check(got, Equals, 0, Commentf("VerCmp(%q, %q)", test.a, test.b))
		}
	}
}
