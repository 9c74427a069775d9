// Copyright 2024 The nativebind Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vcs

import (
	"cmp"
	"slices"
	"strings"
)

// CompareTags orders two release tags the way version numbers read: runs of
// digits compare by value, everything else byte-wise. A leading "v" is
// ignored, so "v1.10" sorts after "1.9".
func CompareTags(a, b string) int {
	a = strings.TrimPrefix(a, "v")
	b = strings.TrimPrefix(b, "v")
	for a != "" || b != "" {
		var ra, rb string
		ra, a = cutRun(a, false)
		rb, b = cutRun(b, false)
		if c := strings.Compare(ra, rb); c != 0 {
			return c
		}
		ra, a = cutRun(a, true)
		rb, b = cutRun(b, true)
		if c := compareNumbers(ra, rb); c != 0 {
			return c
		}
	}
	return 0
}

// SortTags sorts tags newest first.
func SortTags(tags []string) {
	slices.SortStableFunc(tags, func(a, b string) int { return CompareTags(b, a) })
}

// cutRun splits the leading run of digits, or of non-digits, off s.
func cutRun(s string, digits bool) (run, rest string) {
	i := 0
	for i < len(s) && isDigit(s[i]) == digits {
		i++
	}
	return s[:i], s[i:]
}

func compareNumbers(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		return cmp.Compare(len(a), len(b))
	}
	return strings.Compare(a, b)
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }
