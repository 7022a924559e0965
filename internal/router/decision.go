// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"time"

	"github.com/traylinx/biasrouter/internal/evaluate"
	"github.com/traylinx/biasrouter/internal/goals"
	"github.com/traylinx/biasrouter/internal/positive"
)

// State names the orchestrator's terminal state for one request.
type State string

const (
	// StateDefault means no routing change was applied.
	StateDefault State = "default"

	// StateGoalBased means a goal-based selection chose the engine.
	StateGoalBased State = "goal_based"

	// StatePerformanceOptimized means the positive router chose the engine.
	StatePerformanceOptimized State = "performance_optimized"

	// StateLegacyPreference means a preference rule chose the engine.
	StateLegacyPreference State = "legacy_preference"

	// StateLegacyAvoidance means avoidance filtering chose the engine.
	StateLegacyAvoidance State = "legacy_avoidance"

	// StateFallback means the chosen engine was unavailable and a
	// substitute was used.
	StateFallback State = "fallback"
)

// Decision is the sole artifact the router returns: the recommended engine
// plus a full explanation of how it was chosen. A fresh Decision is created
// per request and never shared.
type Decision struct {
	// ID uniquely identifies the decision for feedback correlation.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// State is the terminal orchestrator state.
	State State `json:"state"`

	// RecommendedEngine is always a member of the available engine set.
	RecommendedEngine string `json:"recommended_engine"`

	// RoutingApplied is true when the recommendation differs from the
	// engine the request started with.
	RoutingApplied bool `json:"routing_applied"`

	// Reasoning is the human-readable explanation of the decision.
	Reasoning string `json:"reasoning"`

	// DetectionMethods lists the provenance tags of every triggered rule.
	DetectionMethods []string `json:"detection_methods"`

	// MatchedRules carries all triggered rules with their evidence,
	// including rules that were surfaced but not applied.
	MatchedRules []*evaluate.MatchResult `json:"matched_rules,omitempty"`

	// PositiveRouting holds the performance suggestion when one existed,
	// applied or not.
	PositiveRouting *positive.Suggestion `json:"positive_routing,omitempty"`

	// GoalBasedRouting holds the goal selection when one was made.
	GoalBasedRouting *goals.Selection `json:"goal_based_routing,omitempty"`

	// TransparencyNotes records signals that fired but were overridden or
	// substituted; the orchestrator never silently drops information.
	TransparencyNotes []string `json:"transparency_notes,omitempty"`

	// SemanticProcessingUsed is false when the embedding service was
	// unavailable and detection degraded to keywords only.
	SemanticProcessingUsed bool `json:"semantic_processing_used"`

	// PositiveRoutingUsed is true when the recommendation came from the
	// performance router.
	PositiveRoutingUsed bool `json:"positive_routing_used"`

	LatencyMs int64 `json:"latency_ms"`
}

func (d *Decision) note(msg string) {
	d.TransparencyNotes = append(d.TransparencyNotes, msg)
}
