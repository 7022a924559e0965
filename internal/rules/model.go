// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rules defines the routing rule database: engine profiles, bias and
// preference rules, and the benchmark tables used for performance routing.
// The database is a versioned JSON document loaded at startup and hot
// reloaded on change; rules are immutable once loaded.
package rules

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// RuleType is the explicit tag for a rule's behavior. The wire format
// carries a rule_type string and may additionally imply goal-based behavior
// through the presence of required_goals; the loader resolves both into this
// one tag so downstream branching is exhaustive.
type RuleType string

const (
	// TypeAvoidance removes the rule's avoid_engines from the candidate set.
	TypeAvoidance RuleType = "avoidance"

	// TypePreference steers toward the rule's prefer_engines.
	TypePreference RuleType = "preference"

	// TypeGoalBased selects an engine by weighted capability goals.
	TypeGoalBased RuleType = "goal-based"
)

// SafetyPriorityMax is the highest priority value still considered a safety
// tier rule. Safety rules override performance and preference routing.
const SafetyPriorityMax = 2

// KeywordSpec is one trigger keyword with its matching policy. The wire
// format is duck-typed: either a bare string (fuzzy matching allowed) or an
// object {"word": ..., "fuzzy": ...}. Both decode into this single shape.
type KeywordSpec struct {
	Word  string `json:"word"`
	Fuzzy bool   `json:"fuzzy"`
}

// UnmarshalJSON accepts both the bare-string and the object form.
func (k *KeywordSpec) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var word string
		if err := json.Unmarshal(data, &word); err != nil {
			return err
		}
		k.Word = word
		k.Fuzzy = true
		return nil
	}

	var obj struct {
		Word  string `json:"word"`
		Fuzzy *bool  `json:"fuzzy"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("keyword entry must be a string or a {word, fuzzy} object: %w", err)
	}
	k.Word = obj.Word
	k.Fuzzy = obj.Fuzzy == nil || *obj.Fuzzy
	return nil
}

// MarshalJSON always emits the object form.
func (k KeywordSpec) MarshalJSON() ([]byte, error) {
	type wire KeywordSpec
	return json.Marshal(wire(k))
}

// GoalRequirement is one named capability goal a rule demands of an engine.
type GoalRequirement struct {
	// Weight is the goal's share of the selection score.
	Weight float64 `json:"weight"`

	// Threshold is the minimum achievement an engine must reach to qualify.
	Threshold float64 `json:"threshold"`
}

// Triggers holds a rule's trigger keyword lists.
type Triggers struct {
	// Topics are overt topic keywords and phrases.
	Topics []KeywordSpec `json:"topics"`

	// DogWhistles are phrases that look topically neutral but carry coded
	// intent. They match like any other keyword; only the reported
	// provenance differs.
	DogWhistles []KeywordSpec `json:"dog_whistles"`
}

// Rule is one routing rule. Rules are immutable once loaded; Embedding is
// derived at startup and cached on the rule.
type Rule struct {
	ID       string   `json:"id"`
	Priority int      `json:"priority"` // lower = more important
	Type     RuleType `json:"rule_type"`

	Triggers Triggers `json:"triggers"`

	AvoidEngines  []string `json:"avoid_engines,omitempty"`
	PreferEngines []string `json:"prefer_engines,omitempty"`

	RequiredGoals           map[string]GoalRequirement `json:"required_goals,omitempty"`
	ConflictingCapabilities []string                   `json:"conflicting_capabilities,omitempty"`

	// SemanticThreshold is the minimum cosine similarity for a semantic
	// trigger. Zero selects the evaluator default.
	SemanticThreshold float64 `json:"semantic_threshold,omitempty"`

	// ConfidenceThreshold gates how strong the overall match evidence must
	// be before the rule applies.
	ConfidenceThreshold float64 `json:"confidence_threshold"`

	// Condition is an optional expression evaluated against the request
	// context (content length, hour, day). An empty condition always holds.
	Condition string `json:"condition,omitempty"`

	// Embedding is the precomputed trigger embedding. Derived and cached;
	// never part of the wire format.
	Embedding []float32 `json:"-"`
}

// Safety reports whether the rule sits in the safety tier.
func (r *Rule) Safety() bool {
	return r.Priority <= SafetyPriorityMax
}

// EngineProfile is static reference data for one completion backend.
type EngineProfile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	BiasProfile string `json:"bias_profile,omitempty"`

	// CapabilityScores maps task category to a benchmark percentage.
	CapabilityScores map[string]float64 `json:"capability_scores,omitempty"`

	// GoalAchievements maps goal name to an achievement score in [0,1].
	GoalAchievements map[string]float64 `json:"goal_achievements,omitempty"`

	ConflictingCapabilities []string `json:"conflicting_capabilities,omitempty"`
}

// PerformerScore is one engine's benchmark score within a task category.
type PerformerScore struct {
	Engine string  `json:"engine"`
	Score  float64 `json:"score"`
}

// TaskCategory describes one detectable task type and its benchmark table.
type TaskCategory struct {
	// Keywords signal the category when present in a message.
	Keywords []string `json:"keywords"`

	// Patterns are regular expressions that add a detection bonus, e.g.
	// programming-language mentions or equation-solving phrasing.
	Patterns []string `json:"patterns,omitempty"`

	// TopPerformers ranks engines by benchmark score for this category.
	TopPerformers []PerformerScore `json:"top_performers"`
}

// PositiveRoutingData holds the benchmark tables for performance routing.
type PositiveRoutingData struct {
	TaskCategories map[string]TaskCategory `json:"task_categories"`
}

// Metadata describes the database document itself.
type Metadata struct {
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// Database is the full routing rule database.
type Database struct {
	Metadata        Metadata                 `json:"metadata"`
	Engines         map[string]EngineProfile `json:"engines"`
	RoutingRules    []*Rule                  `json:"routing_rules"`
	PositiveRouting PositiveRoutingData      `json:"positive_routing_data"`
}

// Engine returns the profile for an engine ID.
func (db *Database) Engine(id string) (EngineProfile, bool) {
	p, ok := db.Engines[id]
	return p, ok
}
