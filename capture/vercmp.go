// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package capture

// verCmp is a version-aware string comparison in the style of
// strverscmp: runs of digits compare numerically, so
// libfoo.so.1.9 < libfoo.so.1.10. Leading zeros order a segment
// before its shorter equal ("01" < "1"), which is enough for library
// basenames.
func verCmp(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			// Compare the full digit runs.
			ia, ja := i, j
			for ia < len(a) && isDigit(a[ia]) {
				ia++
			}
			for ja < len(b) && isDigit(b[ja]) {
				ja++
			}
			da, db := trimZeros(a[i:ia]), trimZeros(b[j:ja])
			if len(da) != len(db) {
				if len(da) < len(db) {
					return -1
				}
				return 1
			}
			if da != db {
				if da < db {
					return -1
				}
				return 1
			}
			// Equal numerically; longer zero-padding sorts first.
			if ia-i != ja-j {
				if ia-i > ja-j {
					return -1
				}
				return 1
			}
			i, j = ia, ja
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case i < len(a):
		return 1
	case j < len(b):
		return -1
	}
	return 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
