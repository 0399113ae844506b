// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/aclements/go-capsule/internal/ldlibs"
)

// ldSoNames lists the runtime linker's conventional locations per
// GOARCH, best first.
var ldSoNames = map[string][]string{
	"amd64": {
		"/lib64/ld-linux-x86-64.so.2",
		"/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2",
	},
	"386": {
		"/lib/ld-linux.so.2",
		"/lib/i386-linux-gnu/ld-linux.so.2",
	},
}

func hostMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "386":
		return elf.EM_386
	}
	return elf.EM_NONE
}

// ResolveLdSo returns the realpath of the runtime dynamic linker
// under root.
func ResolveLdSo(root string) (string, error) {
	for _, name := range ldSoNames[runtime.GOARCH] {
		p := filepath.Join(root, name)
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		real, err := filepath.EvalSymlinks(p)
		if err != nil {
			return "", err
		}
		return real, nil
	}
	return "", fmt.Errorf("%w: ld.so under %s", ldlibs.ErrNotFound, root)
}
