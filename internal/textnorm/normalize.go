// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package textnorm provides deterministic text normalization for the routing
// pipeline. Every matcher and scorer consumes normalized text, so the rules
// here are intentionally minimal: lowercase, strip punctuation, collapse
// whitespace.
package textnorm

import (
	"strings"
	"unicode"
)

// Normalize lowercases the input, replaces punctuation with spaces, and
// collapses runs of whitespace into single spaces. It is a pure function and
// idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastSpace := true // leading whitespace is dropped
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		// Punctuation and whitespace both become a single separator.
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}

	return strings.TrimRight(b.String(), " ")
}

// Words splits normalized text into its word tokens. The input is normalized
// first, so callers may pass raw text.
func Words(s string) []string {
	s = Normalize(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}
