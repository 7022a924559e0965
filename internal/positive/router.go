// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package positive implements performance-based routing: it detects the task
// category of a message and recommends the best-benchmarked available engine
// when its advantage over the current engine clears a point threshold.
package positive

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/biasrouter/internal/match"
	"github.com/traylinx/biasrouter/internal/rules"
)

// patternBonus is the score bonus a category receives for each of its
// regex patterns that matches the message. Pattern hits are stronger
// signals than single keywords.
const patternBonus = 2.0

// CategoryScore is one category's detection score for a message.
type CategoryScore struct {
	Category string   `json:"category"`
	Score    float64  `json:"score"`
	Keywords []string `json:"keywords,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
}

// Suggestion is the positive router's recommendation for one message.
// A below-threshold suggestion is still returned, flagged ShouldRoute=false,
// so the orchestrator can explain the near-miss.
type Suggestion struct {
	Category           string  `json:"category"`
	SuggestedEngine    string  `json:"suggested_engine"`
	BestScore          float64 `json:"best_score"`
	CurrentEngine      string  `json:"current_engine"`
	CurrentScore       float64 `json:"current_score"`
	AbsoluteDifference float64 `json:"absolute_difference"`
	Threshold          float64 `json:"threshold"`
	ShouldRoute        bool    `json:"should_route"`
	Reason             string  `json:"reason"`
}

// Router detects task categories and compares benchmark scores. It holds no
// database state; the catalog's current database is passed per call so hot
// reloads take effect immediately.
type Router struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewRouter creates a positive router.
func NewRouter() *Router {
	return &Router{patterns: make(map[string]*regexp.Regexp)}
}

// DetectCategory scores every task category against the message and returns
// the winner. Score is the keyword/fuzzy match count plus a bonus per
// matching regex pattern. A nil result means no category scored above zero.
func (r *Router) DetectCategory(db *rules.Database, message string) *CategoryScore {
	var best *CategoryScore

	names := make([]string, 0, len(db.PositiveRouting.TaskCategories))
	for name := range db.PositiveRouting.TaskCategories {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic winner on score ties

	for _, name := range names {
		category := db.PositiveRouting.TaskCategories[name]
		score := r.scoreCategory(category, message, name)
		if score == nil || score.Score <= 0 {
			continue
		}
		if best == nil || score.Score > best.Score {
			best = score
		}
	}

	return best
}

func (r *Router) scoreCategory(category rules.TaskCategory, message, name string) *CategoryScore {
	keywords := make([]match.Keyword, len(category.Keywords))
	for i, word := range category.Keywords {
		keywords[i] = match.Keyword{Word: word, Fuzzy: true}
	}

	result := &CategoryScore{Category: name}
	for _, m := range match.FindMatches(message, keywords, 1) {
		result.Score++
		result.Keywords = append(result.Keywords, m.Keyword)
	}

	for _, pattern := range category.Patterns {
		re := r.compiled(pattern)
		if re == nil {
			continue
		}
		if re.MatchString(message) {
			result.Score += patternBonus
			result.Patterns = append(result.Patterns, pattern)
		}
	}

	return result
}

// Suggest detects the message's task category and recommends switching to
// the category's best available performer. It returns nil when no category
// is detected, no benchmark data covers the available engines, or the
// current engine is already the best performer.
func (r *Router) Suggest(db *rules.Database, message, currentEngine string, availableEngines []string, threshold float64) *Suggestion {
	detected := r.DetectCategory(db, message)
	if detected == nil {
		return nil
	}

	category, ok := db.PositiveRouting.TaskCategories[detected.Category]
	if !ok {
		return nil
	}

	availableSet := make(map[string]bool, len(availableEngines))
	for _, id := range availableEngines {
		availableSet[id] = true
	}

	var best *rules.PerformerScore
	currentScore := 0.0
	for i := range category.TopPerformers {
		performer := category.TopPerformers[i]
		if performer.Engine == currentEngine {
			currentScore = performer.Score
		}
		if !availableSet[performer.Engine] {
			continue
		}
		if best == nil || performer.Score > best.Score {
			best = &category.TopPerformers[i]
		}
	}

	if best == nil {
		return nil
	}
	if best.Engine == currentEngine {
		// Nothing to gain by switching away from the top performer.
		return nil
	}

	difference := best.Score - currentScore
	shouldRoute := difference >= threshold

	suggestion := &Suggestion{
		Category:           detected.Category,
		SuggestedEngine:    best.Engine,
		BestScore:          best.Score,
		CurrentEngine:      currentEngine,
		CurrentScore:       currentScore,
		AbsoluteDifference: difference,
		Threshold:          threshold,
		ShouldRoute:        shouldRoute,
	}

	if shouldRoute {
		suggestion.Reason = fmt.Sprintf(
			"%s task detected: %s scores %.2f vs %.2f for %s (+%.2f points, threshold %.2f)",
			detected.Category, best.Engine, best.Score, currentScore, currentEngine, difference, threshold)
	} else {
		suggestion.Reason = fmt.Sprintf(
			"%s task detected but %s's advantage over %s is only %.2f points, below the %.2f threshold",
			detected.Category, best.Engine, currentEngine, difference, threshold)
	}

	return suggestion
}

// compiled returns a cached compiled pattern. Invalid patterns are rejected
// at database load time; a compile failure here is logged and skipped.
func (r *Router) compiled(pattern string) *regexp.Regexp {
	r.mu.Lock()
	defer r.mu.Unlock()

	if re, ok := r.patterns[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Warnf("Skipping invalid task pattern %q: %v", pattern, err)
		r.patterns[pattern] = nil
		return nil
	}
	r.patterns[pattern] = re
	return re
}
