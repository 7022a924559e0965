// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package goals implements goal-based engine selection: given weighted,
// threshold-gated capability goals, it picks the best-scoring available
// engine.
package goals

import (
	"fmt"
	"sort"
	"strings"

	"github.com/traylinx/biasrouter/internal/rules"
)

// Selection is the outcome of a goal-based pick.
type Selection struct {
	// Engine is the selected engine ID.
	Engine string `json:"engine"`

	// Score is the weight-normalized mean of per-goal achievement.
	Score float64 `json:"score"`

	// GoalScores breaks the score down per goal for transparency.
	GoalScores map[string]float64 `json:"goal_scores"`

	// Excluded lists engines filtered out, with the reason.
	Excluded []string `json:"excluded,omitempty"`
}

// Select picks the best available engine for the required goals. It is pure:
// profiles are never mutated and the result depends only on the inputs.
//
// Engines are dropped when their conflicting capabilities intersect the
// query's conflict set or when they miss any goal's threshold (missing
// achievement data counts as 0). Survivors are scored by the
// weight-normalized mean of their goal achievements; ties keep the first
// engine in availableEngines order. A nil Selection means no engine
// qualified.
func Select(
	required map[string]rules.GoalRequirement,
	conflicting []string,
	availableEngines []string,
	profiles map[string]rules.EngineProfile,
) *Selection {
	if len(required) == 0 || len(availableEngines) == 0 {
		return nil
	}

	conflictSet := make(map[string]bool, len(conflicting))
	for _, c := range conflicting {
		conflictSet[c] = true
	}

	// Deterministic goal order for scoring breakdowns.
	goalNames := make([]string, 0, len(required))
	for name := range required {
		goalNames = append(goalNames, name)
	}
	sort.Strings(goalNames)

	type candidate struct {
		engine string
		score  float64
		goals  map[string]float64
	}

	var candidates []candidate
	var excluded []string

	for _, engineID := range availableEngines {
		profile, ok := profiles[engineID]
		if !ok {
			excluded = append(excluded, fmt.Sprintf("%s: no profile", engineID))
			continue
		}

		if conflict := firstConflict(profile.ConflictingCapabilities, conflictSet); conflict != "" {
			excluded = append(excluded, fmt.Sprintf("%s: conflicting capability %q", engineID, conflict))
			continue
		}

		goalScores := make(map[string]float64, len(required))
		var weightedSum, weightTotal float64
		qualified := true

		for _, name := range goalNames {
			req := required[name]
			achievement := profile.GoalAchievements[name] // missing data defaults to 0
			if achievement < req.Threshold {
				excluded = append(excluded, fmt.Sprintf("%s: goal %q below threshold (%.2f < %.2f)",
					engineID, name, achievement, req.Threshold))
				qualified = false
				break
			}
			goalScores[name] = achievement
			weightedSum += achievement * req.Weight
			weightTotal += req.Weight
		}
		if !qualified {
			continue
		}

		score := 0.0
		if weightTotal > 0 {
			score = weightedSum / weightTotal
		}
		candidates = append(candidates, candidate{engine: engineID, score: score, goals: goalScores})
	}

	if len(candidates) == 0 {
		return nil
	}

	// Stable sort keeps availableEngines order as the tie-break.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	best := candidates[0]
	return &Selection{
		Engine:     best.engine,
		Score:      best.score,
		GoalScores: best.goals,
		Excluded:   excluded,
	}
}

// Describe renders a selection as a short reasoning fragment.
func (s *Selection) Describe() string {
	if s == nil {
		return "no engine satisfied the capability goals"
	}
	parts := make([]string, 0, len(s.GoalScores))
	names := make([]string, 0, len(s.GoalScores))
	for name := range s.GoalScores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.2f", name, s.GoalScores[name]))
	}
	return fmt.Sprintf("%s scored %.2f on goals (%s)", s.Engine, s.Score, strings.Join(parts, ", "))
}

func firstConflict(capabilities []string, conflictSet map[string]bool) string {
	for _, capability := range capabilities {
		if conflictSet[capability] {
			return capability
		}
	}
	return ""
}
