// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package match provides exact and approximate keyword matching for trigger
// detection. Exact substring containment is always attempted first; keywords
// that allow it fall back to Levenshtein-bounded fuzzy matching against the
// words (or equal-length word windows) of the text.
package match

import (
	"strings"

	"github.com/traylinx/biasrouter/internal/textnorm"
)

// minFuzzyWordLen is the shortest candidate word considered for fuzzy
// matching, unless the keyword itself is shorter. Very short tokens produce
// too many accidental near-matches.
const minFuzzyWordLen = 3

// Keyword is a single trigger keyword with its matching policy. It is the
// resolved form of the rule database's duck-typed keyword entries: loaders
// normalize bare strings and {word, fuzzy} objects into this one shape.
type Keyword struct {
	// Word is the normalized keyword or phrase.
	Word string

	// Fuzzy allows approximate matching. When false the keyword only ever
	// matches by exact substring containment.
	Fuzzy bool
}

// Match records one detected keyword occurrence.
type Match struct {
	// Keyword is the trigger keyword that matched.
	Keyword string `json:"keyword"`

	// Fragment is the text fragment the keyword matched against. For exact
	// matches it equals the keyword itself.
	Fragment string `json:"fragment"`

	// Distance is the Levenshtein distance between keyword and fragment.
	// Zero for exact matches.
	Distance int `json:"distance"`

	// Exact is true when the keyword was found by substring containment.
	Exact bool `json:"exact"`
}

// FindMatches scans normalized text for the given keywords and returns at
// most one match per keyword, preferring exact containment and otherwise the
// closest fuzzy candidate within maxDistance edits.
func FindMatches(text string, keywords []Keyword, maxDistance int) []Match {
	normalized := textnorm.Normalize(text)
	words := textnorm.Words(normalized)

	var matches []Match
	for _, kw := range keywords {
		if m, ok := matchKeyword(normalized, words, kw, maxDistance); ok {
			matches = append(matches, m)
		}
	}
	return matches
}

// matchKeyword finds the best match for a single keyword.
func matchKeyword(text string, words []string, kw Keyword, maxDistance int) (Match, bool) {
	word := textnorm.Normalize(kw.Word)
	if word == "" {
		return Match{}, false
	}

	// Exact substring containment is the cheapest path and always attempted.
	if strings.Contains(text, word) {
		return Match{Keyword: word, Fragment: word, Distance: 0, Exact: true}, true
	}

	if !kw.Fuzzy || maxDistance <= 0 {
		return Match{}, false
	}

	kwWords := strings.Split(word, " ")
	if len(kwWords) > 1 {
		return matchPhrase(words, word, len(kwWords), maxDistance)
	}
	return matchWord(words, word, maxDistance)
}

// matchWord fuzzy-matches a single-word keyword against every word of the
// text and keeps the closest acceptable candidate.
func matchWord(words []string, keyword string, maxDistance int) (Match, bool) {
	best := Match{Distance: maxDistance + 1}
	for _, w := range words {
		if len(w) < minFuzzyWordLen && len(keyword) >= minFuzzyWordLen {
			continue
		}
		d := Levenshtein(keyword, w)
		if d > maxDistance || d >= best.Distance {
			continue
		}
		if !lengthCompatible(keyword, w, d) {
			continue
		}
		best = Match{Keyword: keyword, Fragment: w, Distance: d}
	}
	if best.Fragment == "" {
		return Match{}, false
	}
	return best, true
}

// matchPhrase fuzzy-matches a multi-word keyword phrase against every
// equal-length sliding window of words in the text.
func matchPhrase(words []string, phrase string, span, maxDistance int) (Match, bool) {
	best := Match{Distance: maxDistance + 1}
	for i := 0; i+span <= len(words); i++ {
		candidate := strings.Join(words[i:i+span], " ")
		d := Levenshtein(phrase, candidate)
		if d > maxDistance || d >= best.Distance {
			continue
		}
		if !lengthCompatible(phrase, candidate, d) {
			continue
		}
		best = Match{Keyword: phrase, Fragment: candidate, Distance: d}
	}
	if best.Fragment == "" {
		return Match{}, false
	}
	return best, true
}

// lengthCompatible rejects fuzzy matches between tokens of very different
// lengths. A single edit is always accepted; beyond that the length gap must
// stay within the edit distance.
func lengthCompatible(keyword, candidate string, distance int) bool {
	if distance <= 1 {
		return true
	}
	diff := len(keyword) - len(candidate)
	if diff < 0 {
		diff = -diff
	}
	return diff <= distance
}
