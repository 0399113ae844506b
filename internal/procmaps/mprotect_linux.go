// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procmaps

import "golang.org/x/sys/unix"

// mprotect changes the protection of the pages spanning [start, end).
// It goes through RawSyscall rather than unix.Mprotect because the
// target pages are not owned by a Go slice we can hand over.
func mprotect(start, end uint64, prot int) error {
	_, _, errno := unix.RawSyscall(unix.SYS_MPROTECT,
		uintptr(start), uintptr(end-start), uintptr(prot))
	if errno != 0 {
		return errno
	}
	return nil
}
