// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package capture selects libraries from a provider tree and builds
// a symlink farm for them: each captured soname becomes a link in a
// destination directory pointing at the provider's copy, but only if
// the provider's copy is considered newer than the container's.
package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aclements/go-capsule/internal/arch"
	"github.com/aclements/go-capsule/internal/debuglog"
	"github.com/aclements/go-capsule/internal/elfx"
	"github.com/aclements/go-capsule/internal/ldlibs"
)

// ErrPathEscape reports a path-match result that resolved outside
// the provider prefix.
var ErrPathEscape = errors.New("path escapes provider")

// Options configures a capture run.
type Options struct {
	// Container is the root of the tree that will run the result.
	// Defaults to "/".
	Container string
	// Provider is the root of the tree libraries are captured
	// from. Defaults to "/".
	Provider string
	// Dest is the directory the symlink farm is built in.
	Dest string
	// LinkTarget, when set, replaces the provider root in link
	// targets: a library at <provider>/usr/lib/libGL.so.1 is linked
	// as <link-target>/usr/lib/libGL.so.1.
	LinkTarget string
	// Remap is a list of FROM,TO prefix rewrites applied to link
	// targets after LinkTarget.
	Remap [][2]string
	// Chain is the comparator chain. Defaults to DefaultChain.
	Chain *Chain
	// Knowledge is optional per-soname tuning.
	Knowledge *LibraryKnowledge
	// NoGlibc skips the glibc family even when patterns match it.
	NoGlibc bool
	// Arch selects the ELF architecture. Defaults to the host's.
	Arch *arch.Arch
}

// A Tool is one configured capture run.
type Tool struct {
	opts         Options
	providerReal string
	resolver     *ldlibs.Resolver
	captured     map[string]bool
}

// NewTool validates options and opens the provider's linker cache.
func NewTool(opts Options) (*Tool, error) {
	if opts.Container == "" {
		opts.Container = "/"
	}
	if opts.Provider == "" {
		opts.Provider = "/"
	}
	if opts.Dest == "" {
		return nil, fmt.Errorf("capture: no destination directory")
	}
	if opts.Chain == nil {
		opts.Chain = DefaultChain
	}
	if opts.Arch == nil {
		opts.Arch = arch.ByMachine(hostMachine())
	}

	res, err := ldlibs.NewResolver(opts.Arch, opts.Provider, nil)
	if err != nil {
		return nil, err
	}
	cachePath := filepath.Join(opts.Provider, "etc/ld.so.cache")
	if err := res.LoadCache(cachePath); err != nil {
		// Fall back to directory search only.
		debuglog.Logf(debuglog.LDCache, "capture: %v", err)
	}
	t := &Tool{opts: opts, resolver: res, captured: make(map[string]bool)}
	if real, err := filepath.EvalSymlinks(opts.Provider); err == nil {
		t.providerReal = real
	} else {
		t.providerReal = filepath.Clean(opts.Provider)
	}
	return t, nil
}

// Close releases the provider cache.
func (t *Tool) Close() {
	t.resolver.Finish()
}

// Capture processes the compiled patterns in order. The first
// pattern failure aborts the run.
func (t *Tool) Capture(patterns []Pattern) error {
	for _, p := range patterns {
		if err := t.capturePattern(p); err != nil {
			return fmt.Errorf("pattern %s: %w", p, err)
		}
	}
	return nil
}

func (t *Tool) capturePattern(p Pattern) error {
	switch p.Kind {
	case KindSoname, KindExactSoname:
		path, err := t.resolveProvider(p.Value)
		if err != nil {
			if p.Flags.IfExists && errors.Is(err, ldlibs.ErrNotFound) {
				return nil
			}
			return err
		}
		return t.captureOne(p.Value, path, p.Flags, p.Kind == KindExactSoname)

	case KindSonameMatch:
		for _, soname := range t.matchSonames(p.Value) {
			path, err := t.resolveProvider(soname)
			if err != nil {
				continue
			}
			// A glob hit that fails to capture is tolerated like
			// if-exists; the glob itself never fails on zero hits.
			flags := p.Flags
			flags.IfExists = true
			if err := t.captureOne(soname, path, flags, false); err != nil {
				return err
			}
		}
		return nil

	case KindPath:
		path := filepath.Join(t.opts.Provider, p.Value)
		if _, err := os.Stat(path); err != nil {
			if p.Flags.IfExists {
				return nil
			}
			return fmt.Errorf("%w: %s", ldlibs.ErrNotFound, path)
		}
		return t.captureOne("", path, p.Flags, false)

	case KindPathMatch:
		glob := filepath.Join(t.opts.Provider, p.Value)
		hits, err := doublestar.FilepathGlob(glob)
		if err != nil {
			return fmt.Errorf("bad glob %q: %v", p.Value, err)
		}
		for _, hit := range hits {
			real, err := filepath.EvalSymlinks(hit)
			if err != nil {
				continue
			}
			if !underTree(real, t.providerReal) && !underTree(real, t.opts.Provider) {
				return fmt.Errorf("%w: %s resolves to %s", ErrPathEscape, hit, real)
			}
			flags := p.Flags
			flags.IfExists = true
			if err := t.captureOne("", hit, flags, false); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unhandled pattern kind %v", p.Kind)
}

// resolveProvider maps a soname to a path under the provider.
func (t *Tool) resolveProvider(soname string) (string, error) {
	return t.resolver.Resolve(soname)
}

// matchSonames returns the cache sonames matching a glob, plus any
// matching basenames from the well-known directories.
func (t *Tool) matchSonames(glob string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, soname := range t.resolver.CacheSonames() {
		if ok, err := doublestar.Match(glob, soname); err == nil && ok {
			add(soname)
		}
	}
	for _, dir := range t.resolver.SearchDirs() {
		ents, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range ents {
			if ok, err := doublestar.Match(glob, ent.Name()); err == nil && ok {
				add(ent.Name())
			}
		}
	}
	return out
}

// captureOne links one library into the farm and, depending on
// flags, its dependency closure.
func (t *Tool) captureOne(requested, path string, flags Flags, exact bool) error {
	f, err := elfx.Open(path)
	if err != nil {
		if flags.IfExists && errors.Is(err, elfx.ErrMalformed) {
			return nil
		}
		return err
	}
	soname := f.Soname()
	archErr := f.CheckArch(t.opts.Arch)
	f.Close()
	if archErr != nil {
		if flags.IfSameABI || flags.IfExists {
			return nil
		}
		return archErr
	}
	if exact && requested != "" && soname != requested {
		return fmt.Errorf("%w: %s has soname %q, want %q", ldlibs.ErrNotFound, path, soname, requested)
	}

	if !flags.OnlyDependencies {
		if err := t.link(soname, path, flags); err != nil {
			return err
		}
	}
	if flags.NoDependencies {
		return nil
	}
	return t.captureDependencies(path, flags)
}

// captureDependencies walks the library's DT_NEEDED closure under
// the provider and links each dependency. Dependency capture always
// has if-exists semantics for the comparison step, but unresolvable
// dependencies fail unless the pattern said if-exists.
func (t *Tool) captureDependencies(path string, flags Flags) error {
	res, err := ldlibs.NewResolver(t.opts.Arch, t.opts.Provider, nil)
	if err != nil {
		return err
	}
	defer res.Finish()
	cachePath := filepath.Join(t.opts.Provider, "etc/ld.so.cache")
	if err := res.LoadCache(cachePath); err != nil {
		debuglog.Logf(debuglog.LDCache, "capture: %v", err)
	}

	var opts []ldlibs.Option
	if flags.IfExists {
		opts = append(opts, ldlibs.IfExists())
	}
	if err := res.SetTarget(path, opts...); err != nil {
		return err
	}
	if err := res.FindDependencies(opts...); err != nil {
		return err
	}

	depFlags := flags
	depFlags.EvenIfOlder = false
	depFlags.IfExists = true
	for i, depPath := range res.Needed() {
		if i == 0 {
			continue
		}
		df, err := elfx.Open(depPath)
		if err != nil {
			continue
		}
		depSoname := df.Soname()
		df.Close()
		if err := t.link(depSoname, depPath, depFlags); err != nil {
			return err
		}
	}
	return nil
}

// link places one symlink in the farm, honoring the comparison
// policy and the glibc filter. Re-capturing the same soname is a
// no-op.
func (t *Tool) link(soname, path string, flags Flags) error {
	if t.captured[soname] {
		return nil
	}
	if t.opts.NoGlibc && isGlibc(soname) {
		debuglog.Logf(debuglog.Capsule, "capture: skipping glibc member %s", soname)
		return nil
	}

	if !flags.EvenIfOlder {
		if containerPath, err := t.resolveContainer(soname); err == nil {
			chain := t.opts.Chain
			if t.opts.Knowledge != nil {
				if override, err := t.opts.Knowledge.ChainFor(soname); err != nil {
					return err
				} else if override != nil {
					chain = override
				}
			}
			v, err := chain.Compare(soname, containerPath, path, t.opts.Knowledge)
			if err != nil {
				return err
			}
			if v == ContainerNewer {
				debuglog.Logf(debuglog.Capsule, "capture: container's %s is newer, skipping", soname)
				return nil
			}
		}
	}

	target, err := t.linkTarget(path)
	if err != nil {
		return err
	}
	linkName := filepath.Join(t.opts.Dest, soname)
	if err := os.Symlink(target, linkName); err != nil {
		if os.IsExist(err) {
			t.captured[soname] = true
			return nil
		}
		return err
	}
	debuglog.Logf(debuglog.Capsule, "capture: %s -> %s", linkName, target)
	t.captured[soname] = true
	return nil
}

// linkTarget computes the farm link's target: the realpath of the
// provider copy, optionally re-rooted at LinkTarget and rewritten by
// the remap rules.
func (t *Tool) linkTarget(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		real = path
	}
	target := real
	if t.opts.LinkTarget != "" {
		inner := strings.TrimPrefix(real, t.providerReal)
		inner = strings.TrimPrefix(inner, filepath.Clean(t.opts.Provider))
		target = filepath.Join(t.opts.LinkTarget, inner)
	}
	for _, rm := range t.opts.Remap {
		if strings.HasPrefix(target, rm[0]) {
			target = rm[1] + target[len(rm[0]):]
			break
		}
	}
	return target, nil
}

// resolveContainer maps a soname to the container's copy.
func (t *Tool) resolveContainer(soname string) (string, error) {
	res, err := ldlibs.NewResolver(t.opts.Arch, t.opts.Container, nil)
	if err != nil {
		return "", err
	}
	defer res.Finish()
	cachePath := filepath.Join(t.opts.Container, "etc/ld.so.cache")
	if err := res.LoadCache(cachePath); err != nil {
		debuglog.Logf(debuglog.LDCache, "capture: container cache: %v", err)
	}
	return res.Resolve(soname)
}

func isGlibc(soname string) bool {
	for _, s := range ldlibs.NeverEncapsulated() {
		if soname == s {
			return true
		}
	}
	return strings.HasPrefix(soname, "ld-")
}

// underTree reports whether path is inside root.
func underTree(path, root string) bool {
	root = filepath.Clean(root)
	if root == "/" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+"/")
}
