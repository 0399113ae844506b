// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// A Kind says how a pattern selects libraries in the provider tree.
type Kind int

const (
	// KindSoname captures one library by cache lookup, accepting a
	// same-basename fallback found in the well-known directories.
	KindSoname Kind = iota
	// KindExactSoname captures one library whose DT_SONAME must
	// equal the requested name.
	KindExactSoname
	// KindSonameMatch captures every cache entry matching a glob.
	KindSonameMatch
	// KindPath captures one library by absolute path.
	KindPath
	// KindPathMatch captures every provider file matching a glob.
	KindPathMatch
)

func (k Kind) String() string {
	switch k {
	case KindSoname:
		return "soname"
	case KindExactSoname:
		return "exact-soname"
	case KindSonameMatch:
		return "soname-match"
	case KindPath:
		return "path"
	case KindPathMatch:
		return "path-match"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Flags modify how one pattern's captures are handled.
type Flags struct {
	// IfExists downgrades a missing library to a no-op.
	IfExists bool
	// IfSameABI downgrades an ABI mismatch to a no-op.
	IfSameABI bool
	// EvenIfOlder captures the provider copy regardless of the
	// comparison outcome.
	EvenIfOlder bool
	// OnlyDependencies captures the dependency closure but not the
	// named library itself.
	OnlyDependencies bool
	// NoDependencies captures the named library alone.
	NoDependencies bool
}

// A Pattern is one compiled capture instruction.
type Pattern struct {
	Kind  Kind
	Value string
	Flags Flags
}

func (p Pattern) String() string {
	return p.Kind.String() + ":" + p.Value
}

// gl: and nvidia: are shorthand for the conventional graphics
// capture sets.
var glPatterns = []string{
	"soname:libEGL.so.1",
	"soname-match:libEGL_*.so.*",
	"soname:libGL.so.1",
	"soname:libGLESv1_CM.so.1",
	"soname:libGLESv2.so.2",
	"soname:libGLX.so.0",
	"soname-match:libGLX_*.so.*",
	"soname:libOpenGL.so.0",
	"soname-match:libdrm.so.*",
	"soname-match:libglapi.so.*",
	"soname-match:libnvidia-*.so.*",
}

var nvidiaPatterns = []string{
	"no-dependencies:even-if-older:soname-match:libEGL_nvidia.so.*",
	"no-dependencies:even-if-older:soname-match:libGLX_nvidia.so.*",
	"no-dependencies:even-if-older:soname-match:libnvidia-*.so.*",
	"no-dependencies:even-if-older:soname-match:libcuda.so.*",
	"no-dependencies:even-if-older:soname-match:libnvcuvid.so.*",
	"no-dependencies:even-if-older:soname-match:libvdpau_nvidia.so.*",
}

// ParsePatterns compiles a sequence of pattern tokens, expanding the
// from:, gl: and nvidia: shorthands.
func ParsePatterns(tokens []string) ([]Pattern, error) {
	var out []Pattern
	for _, tok := range tokens {
		ps, err := parseToken(tok, Flags{}, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}

func parseToken(tok string, flags Flags, depth int) ([]Pattern, error) {
	if depth > 10 {
		return nil, fmt.Errorf("pattern %q: nested too deeply", tok)
	}
	for {
		switch {
		case strings.HasPrefix(tok, "if-exists:"):
			flags.IfExists = true
			tok = tok[len("if-exists:"):]
			continue
		case strings.HasPrefix(tok, "if-same-abi:"):
			flags.IfSameABI = true
			tok = tok[len("if-same-abi:"):]
			continue
		case strings.HasPrefix(tok, "even-if-older:"):
			flags.EvenIfOlder = true
			tok = tok[len("even-if-older:"):]
			continue
		case strings.HasPrefix(tok, "only-dependencies:"):
			flags.OnlyDependencies = true
			tok = tok[len("only-dependencies:"):]
			continue
		case strings.HasPrefix(tok, "no-dependencies:"):
			flags.NoDependencies = true
			tok = tok[len("no-dependencies:"):]
			continue
		}
		break
	}
	if flags.OnlyDependencies && flags.NoDependencies {
		return nil, fmt.Errorf("pattern %q: only-dependencies and no-dependencies are mutually exclusive", tok)
	}

	switch {
	case tok == "gl:":
		return expand(glPatterns, flags, depth)
	case tok == "nvidia:":
		return expand(nvidiaPatterns, flags, depth)
	case strings.HasPrefix(tok, "from:"):
		return parseFile(tok[len("from:"):], flags, depth)
	case strings.HasPrefix(tok, "soname:"):
		return []Pattern{{KindSoname, tok[len("soname:"):], flags}}, nil
	case strings.HasPrefix(tok, "exact-soname:"):
		return []Pattern{{KindExactSoname, tok[len("exact-soname:"):], flags}}, nil
	case strings.HasPrefix(tok, "soname-match:"):
		return []Pattern{{KindSonameMatch, tok[len("soname-match:"):], flags}}, nil
	case strings.HasPrefix(tok, "path:"):
		p := tok[len("path:"):]
		if !filepath.IsAbs(p) {
			return nil, fmt.Errorf("pattern %q: path must be absolute", tok)
		}
		return []Pattern{{KindPath, p, flags}}, nil
	case strings.HasPrefix(tok, "path-match:"):
		return []Pattern{{KindPathMatch, tok[len("path-match:"):], flags}}, nil
	}

	// A bare word is positional: an absolute path, a glob, or a
	// soname.
	switch {
	case tok == "":
		return nil, fmt.Errorf("empty pattern")
	case filepath.IsAbs(tok):
		if strings.ContainsAny(tok, "*?[") {
			return []Pattern{{KindPathMatch, tok, flags}}, nil
		}
		return []Pattern{{KindPath, tok, flags}}, nil
	case strings.ContainsAny(tok, "*?["):
		return []Pattern{{KindSonameMatch, tok, flags}}, nil
	}
	return []Pattern{{KindSoname, tok, flags}}, nil
}

func expand(tokens []string, flags Flags, depth int) ([]Pattern, error) {
	var out []Pattern
	for _, tok := range tokens {
		ps, err := parseToken(tok, flags, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}

// parseFile reads one pattern per line; blank lines and #-comments
// are skipped.
func parseFile(path string, flags Flags, depth int) ([]Pattern, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ps, err := parseToken(line, flags, depth+1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, ps...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
