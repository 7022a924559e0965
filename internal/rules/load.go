// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rules

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// ValidationError reports a malformed rule database. It is fatal at load
// time: routing must not start with a database that fails validation.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule database validation failed: %s", strings.Join(e.Problems, "; "))
}

// Load reads and validates a rule database from a JSON file.
func Load(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule database: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a rule database document.
func Parse(data []byte) (*Database, error) {
	// Cheap structural probe before strict decoding; gives clearer errors
	// for truncated or mis-shaped documents.
	if !gjson.ValidBytes(data) {
		return nil, &ValidationError{Problems: []string{"document is not valid JSON"}}
	}
	if !gjson.GetBytes(data, "metadata.version").Exists() {
		return nil, &ValidationError{Problems: []string{"metadata.version is missing"}}
	}
	if !gjson.GetBytes(data, "engines").IsObject() {
		return nil, &ValidationError{Problems: []string{"engines must be an object"}}
	}

	var db Database
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("failed to decode rule database: %w", err)
	}

	// Engine profiles carry their map key as ID when the document omits it.
	for id, profile := range db.Engines {
		if profile.ID == "" {
			profile.ID = id
			db.Engines[id] = profile
		}
	}

	if err := validate(&db); err != nil {
		return nil, err
	}

	resolveRuleTypes(&db)
	return &db, nil
}

// validate checks referential integrity and value ranges. All problems are
// collected so a broken database is reported in one pass.
func validate(db *Database) error {
	var problems []string

	if len(db.Engines) == 0 {
		problems = append(problems, "no engines defined")
	}

	seen := make(map[string]bool, len(db.RoutingRules))
	for i, rule := range db.RoutingRules {
		where := fmt.Sprintf("routing_rules[%d]", i)
		if rule.ID == "" {
			problems = append(problems, where+": id is required")
		} else {
			where = fmt.Sprintf("rule %q", rule.ID)
			if seen[rule.ID] {
				problems = append(problems, where+": duplicate id")
			}
			seen[rule.ID] = true
		}

		if rule.Priority <= 0 {
			problems = append(problems, where+": priority must be a positive integer")
		}
		if rule.ConfidenceThreshold < 0 || rule.ConfidenceThreshold > 1 {
			problems = append(problems, where+": confidence_threshold must be within [0,1]")
		}
		for _, id := range rule.AvoidEngines {
			if _, ok := db.Engines[id]; !ok {
				problems = append(problems, fmt.Sprintf("%s: avoid_engines references unknown engine %q", where, id))
			}
		}
		for _, id := range rule.PreferEngines {
			if _, ok := db.Engines[id]; !ok {
				problems = append(problems, fmt.Sprintf("%s: prefer_engines references unknown engine %q", where, id))
			}
		}
		for goal, req := range rule.RequiredGoals {
			if req.Weight <= 0 {
				problems = append(problems, fmt.Sprintf("%s: goal %q weight must be positive", where, goal))
			}
			if req.Threshold < 0 || req.Threshold > 1 {
				problems = append(problems, fmt.Sprintf("%s: goal %q threshold must be within [0,1]", where, goal))
			}
		}
	}

	for name, category := range db.PositiveRouting.TaskCategories {
		for _, performer := range category.TopPerformers {
			if _, ok := db.Engines[performer.Engine]; !ok {
				problems = append(problems, fmt.Sprintf("task category %q references unknown engine %q", name, performer.Engine))
			}
		}
		for _, pattern := range category.Patterns {
			if _, err := regexp.Compile(pattern); err != nil {
				problems = append(problems, fmt.Sprintf("task category %q has invalid pattern %q: %v", name, pattern, err))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// resolveRuleTypes settles the rule-type tag once at load time. A rule with
// required_goals is goal-based regardless of its declared type; a missing
// type defaults to avoidance when avoid_engines is set, preference
// otherwise.
func resolveRuleTypes(db *Database) {
	for _, rule := range db.RoutingRules {
		if len(rule.RequiredGoals) > 0 {
			rule.Type = TypeGoalBased
			continue
		}
		switch rule.Type {
		case TypeAvoidance, TypePreference:
		default:
			if len(rule.AvoidEngines) > 0 {
				rule.Type = TypeAvoidance
			} else {
				rule.Type = TypePreference
			}
		}
	}
}
