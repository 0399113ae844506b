// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// capsule-capture-libs builds a symlink farm in DEST for the
// libraries matching the given patterns, taking each library from
// PROVIDER when its copy is newer than CONTAINER's.
package main

import (
	"fmt"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/aclements/go-capsule/capture"
)

type options struct {
	Container   string   `long:"container" value-name:"DIR" description:"Root of the tree that will run the result (default /)"`
	Provider    string   `long:"provider" value-name:"DIR" description:"Root of the tree to capture libraries from (default /)"`
	Dest        string   `long:"dest" value-name:"DIR" description:"Directory to create symlinks in"`
	LinkTarget  string   `long:"link-target" value-name:"PATH" description:"Link targets are rewritten to be under PATH"`
	CompareBy   string   `long:"compare-by" value-name:"CHAIN" description:"Comma-separated comparator chain (default name,provider)"`
	Knowledge   string   `long:"library-knowledge" value-name:"FILE" description:"Per-library comparison tuning"`
	Remap       []string `long:"remap-link-prefix" value-name:"FROM=TO" description:"Rewrite link targets starting with FROM to start with TO"`
	NoGlibc     bool     `long:"no-glibc" description:"Do not capture glibc itself"`
	PrintLdSo   bool     `long:"print-ld.so" description:"Print the path of the runtime linker and exit"`
	ResolveLdSo string   `long:"resolve-ld.so" value-name:"DIR" description:"Print the real path of DIR's runtime linker and exit"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = "[OPTIONS] PATTERN..."
	patterns, err := parser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, e.Message)
			return 0
		}
		fmt.Fprintf(os.Stderr, "capsule-capture-libs: %v\n", err)
		return 2
	}

	if opts.PrintLdSo {
		path, err := capture.ResolveLdSo("/")
		if err != nil {
			fmt.Fprintf(os.Stderr, "capsule-capture-libs: %v\n", err)
			return 1
		}
		fmt.Println(path)
		return 0
	}
	if opts.ResolveLdSo != "" {
		path, err := capture.ResolveLdSo(opts.ResolveLdSo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "capsule-capture-libs: %v\n", err)
			return 1
		}
		fmt.Println(path)
		return 0
	}

	if opts.Dest == "" {
		fmt.Fprintln(os.Stderr, "capsule-capture-libs: --dest is required")
		return 2
	}
	if len(patterns) == 0 {
		fmt.Fprintln(os.Stderr, "capsule-capture-libs: at least one pattern is required")
		return 2
	}

	toolOpts := capture.Options{
		Container:  opts.Container,
		Provider:   opts.Provider,
		Dest:       opts.Dest,
		LinkTarget: opts.LinkTarget,
		NoGlibc:    opts.NoGlibc,
	}
	if opts.CompareBy != "" {
		chain, err := capture.ParseChain(opts.CompareBy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "capsule-capture-libs: %v\n", err)
			return 2
		}
		toolOpts.Chain = chain
	}
	if opts.Knowledge != "" {
		know, err := capture.LoadLibraryKnowledge(opts.Knowledge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "capsule-capture-libs: %v\n", err)
			return 1
		}
		toolOpts.Knowledge = know
	}
	for _, rm := range opts.Remap {
		from, to, ok := strings.Cut(rm, "=")
		if !ok || from == "" {
			fmt.Fprintf(os.Stderr, "capsule-capture-libs: bad --remap-link-prefix %q\n", rm)
			return 2
		}
		toolOpts.Remap = append(toolOpts.Remap, [2]string{from, to})
	}

	compiled, err := capture.ParsePatterns(patterns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "capsule-capture-libs: %v\n", err)
		return 2
	}

	tool, err := capture.NewTool(toolOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "capsule-capture-libs: %v\n", err)
		return 1
	}
	defer tool.Close()

	if err := tool.Capture(compiled); err != nil {
		fmt.Fprintf(os.Stderr, "capsule-capture-libs: %v\n", err)
		return 1
	}
	return 0
}
