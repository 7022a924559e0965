// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router implements the routing orchestrator. It sequences the rule
// evaluator, the goal-based selector, and the positive router by priority
// tier, resolves their conflicts (safety > bias balance > performance >
// general preference), and emits one fully explained decision per message.
package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/biasrouter/internal/config"
	"github.com/traylinx/biasrouter/internal/evaluate"
	"github.com/traylinx/biasrouter/internal/goals"
	"github.com/traylinx/biasrouter/internal/positive"
	"github.com/traylinx/biasrouter/internal/rules"
)

// ErrNoEngineAvailable is returned when no engine has configured
// credentials. It is user-actionable and never swallowed.
var ErrNoEngineAvailable = errors.New("no engine available: configure at least one provider API key")

// Orchestrator routes messages to engines. It is safe for concurrent use:
// per-request processing is synchronous and shares only the read-only
// catalog, the settings store, and the embedding-backed evaluator.
type Orchestrator struct {
	catalog   *rules.Catalog
	settings  *config.Store
	evaluator *evaluate.Evaluator
	positive  *positive.Router

	// onDecision, when set, receives every decision after it is made
	// (decision feed, feedback persistence). Must not block.
	onDecision func(*Decision, string)

	metrics *stateMetrics
}

// New creates a routing orchestrator.
func New(catalog *rules.Catalog, settings *config.Store, evaluator *evaluate.Evaluator) *Orchestrator {
	return &Orchestrator{
		catalog:   catalog,
		settings:  settings,
		evaluator: evaluator,
		positive:  positive.NewRouter(),
		metrics:   newStateMetrics(),
	}
}

// SetDecisionHook registers a callback invoked with each decision and the
// originating message. The hook must not block; slow consumers should
// buffer internally.
func (o *Orchestrator) SetDecisionHook(hook func(*Decision, string)) {
	o.onDecision = hook
}

// Route computes the routing decision for one message. currentEngine may be
// empty, in which case the configured default engine (or the first
// available) stands in.
func (o *Orchestrator) Route(message, currentEngine string) (*Decision, error) {
	start := time.Now()
	db := o.catalog.Database()
	settings := o.settings.Get()

	available := o.settings.AvailableEngines(db)
	if len(available) == 0 {
		return nil, ErrNoEngineAvailable
	}
	availableSet := toSet(available)

	current := o.resolveCurrent(currentEngine, settings, available, availableSet)

	decision := &Decision{
		ID:                uuid.NewString(),
		Timestamp:         start,
		State:             StateDefault,
		RecommendedEngine: current,
	}

	evaluation := o.evaluator.Evaluate(db, message, start)
	decision.SemanticProcessingUsed = evaluation.SemanticUsed
	decision.MatchedRules = evaluation.Triggered
	decision.DetectionMethods = collectMethods(evaluation.Triggered)

	var suggestion *positive.Suggestion
	if settings.PositiveRoutingEnabled {
		suggestion = o.positive.Suggest(db, message, current, available, settings.PositiveRoutingThreshold)
		decision.PositiveRouting = suggestion
	}

	safety, rest := partition(evaluation.Triggered)

	switch {
	case len(safety) > 0:
		o.applySafety(decision, db, safety, available, availableSet, current)
		if suggestion != nil && suggestion.ShouldRoute {
			decision.note(fmt.Sprintf(
				"performance suggestion toward %s suppressed: safety rules always override performance routing",
				suggestion.SuggestedEngine))
		}

	case suggestion != nil && suggestion.ShouldRoute:
		decision.State = StatePerformanceOptimized
		decision.RecommendedEngine = suggestion.SuggestedEngine
		decision.PositiveRoutingUsed = true
		decision.Reasoning = suggestion.Reason

	case len(rest) > 0:
		o.applyGeneral(decision, db, rest, available, availableSet, current)

	default:
		decision.Reasoning = fmt.Sprintf("No rules triggered; keeping %s", current)
	}

	if decision.State == StateDefault && suggestion != nil && !suggestion.ShouldRoute {
		decision.Reasoning = fmt.Sprintf(
			"No routing change: %s. Keeping %s.", suggestion.Reason, current)
	}

	o.ensureAvailable(decision, availableSet, available, settings)

	decision.RoutingApplied = decision.RecommendedEngine != current
	decision.LatencyMs = time.Since(start).Milliseconds()
	o.metrics.record(decision.State, decision.LatencyMs)

	log.WithFields(log.Fields{
		"decision_id": decision.ID,
		"state":       decision.State,
		"engine":      decision.RecommendedEngine,
	}).Debugf("Routing decision in %dms", decision.LatencyMs)

	if o.onDecision != nil {
		o.onDecision(decision, message)
	}
	return decision, nil
}

// resolveCurrent picks the engine the request starts from: the caller's
// engine when available, else the configured default, else the first
// available engine.
func (o *Orchestrator) resolveCurrent(requested string, settings config.Settings, available []string, availableSet map[string]bool) string {
	if requested != "" && availableSet[requested] {
		return requested
	}
	if availableSet[settings.DefaultEngine] {
		return settings.DefaultEngine
	}
	return available[0]
}

// applySafety handles the safety tier: goal-based selection when any safety
// rule carries required goals, legacy avoidance otherwise.
func (o *Orchestrator) applySafety(decision *Decision, db *rules.Database, safety []*evaluate.MatchResult, available []string, availableSet map[string]bool, current string) {
	for _, mr := range safety {
		rule := mr.Rule
		if len(rule.RequiredGoals) == 0 {
			continue
		}
		selection := goals.Select(rule.RequiredGoals, rule.ConflictingCapabilities, available, db.Engines)
		if selection == nil {
			// GoalSelectionEmpty downgrades to legacy avoidance below.
			decision.note(fmt.Sprintf(
				"safety rule %s requested goal-based selection but no engine qualified; falling back to avoidance filtering", rule.ID))
			break
		}
		decision.State = StateGoalBased
		decision.RecommendedEngine = selection.Engine
		decision.GoalBasedRouting = selection
		decision.Reasoning = fmt.Sprintf(
			"Safety rule %s (detected via %s) selected an engine by capability goals: %s",
			rule.ID, mr.DetectionMethod, selection.Describe())
		return
	}

	o.applyAvoidance(decision, safety, available, availableSet, current, true)
}

// applyAvoidance removes avoided engines from the candidate set and prefers
// any configured preferred engine that remains available.
func (o *Orchestrator) applyAvoidance(decision *Decision, matched []*evaluate.MatchResult, available []string, availableSet map[string]bool, current string, safety bool) {
	avoided := make(map[string]string) // engine -> rule that bans it
	var preferred []string
	var ruleIDs []string
	var methods []string

	for _, mr := range matched {
		rule := mr.Rule
		ruleIDs = append(ruleIDs, rule.ID)
		methods = append(methods, mr.DetectionMethod)
		for _, id := range rule.AvoidEngines {
			if _, ok := avoided[id]; !ok {
				avoided[id] = rule.ID
			}
		}
		preferred = append(preferred, rule.PreferEngines...)
	}

	var candidates []string
	for _, id := range available {
		if _, ok := avoided[id]; !ok {
			candidates = append(candidates, id)
		}
	}

	if len(candidates) == 0 {
		decision.note("every available engine is avoided by triggered rules; fallback engine substitution applies")
		decision.RecommendedEngine = "" // resolved by ensureAvailable
		decision.State = StateLegacyAvoidance
		decision.Reasoning = fmt.Sprintf(
			"Rules %s avoid all available engines", strings.Join(ruleIDs, ", "))
		return
	}
	candidateSet := toSet(candidates)

	chosen := ""
	for _, id := range preferred {
		if candidateSet[id] {
			chosen = id
			break
		}
	}
	if chosen == "" {
		if candidateSet[current] {
			chosen = current
		} else {
			chosen = candidates[0]
		}
	}

	decision.State = StateLegacyAvoidance
	decision.RecommendedEngine = chosen

	tier := "Preference"
	if safety {
		tier = "Safety"
	}
	if banRule, wasAvoided := avoided[current]; wasAvoided && chosen != current {
		decision.Reasoning = fmt.Sprintf(
			"%s rule %s (detected via %s) avoids %s; routing to %s instead",
			tier, banRule, strings.Join(uniqueStrings(methods), ", "), current, chosen)
	} else {
		decision.Reasoning = fmt.Sprintf(
			"%s rules %s applied (detected via %s); %s remains outside the avoided set",
			tier, strings.Join(ruleIDs, ", "), strings.Join(uniqueStrings(methods), ", "), chosen)
	}
}

// applyGeneral evaluates non-safety triggered rules: goal-based preference
// rules first, then legacy preference rules, then legacy avoidance rules.
func (o *Orchestrator) applyGeneral(decision *Decision, db *rules.Database, matched []*evaluate.MatchResult, available []string, availableSet map[string]bool, current string) {
	// Goal-based rules take precedence when present.
	for _, mr := range matched {
		rule := mr.Rule
		if rule.Type != rules.TypeGoalBased {
			continue
		}
		selection := goals.Select(rule.RequiredGoals, rule.ConflictingCapabilities, available, db.Engines)
		if selection == nil {
			decision.note(fmt.Sprintf("rule %s found no engine meeting its goals; trying the next rule", rule.ID))
			continue
		}
		if selection.Engine == current {
			decision.note(fmt.Sprintf("rule %s goal selection matches the active engine %s; no change needed", rule.ID, current))
			continue
		}
		decision.State = StateGoalBased
		decision.RecommendedEngine = selection.Engine
		decision.GoalBasedRouting = selection
		decision.Reasoning = fmt.Sprintf(
			"Rule %s (detected via %s) selected an engine by capability goals: %s",
			rule.ID, mr.DetectionMethod, selection.Describe())
		return
	}

	// Legacy preference rules: first available preferred engine wins.
	for _, mr := range matched {
		rule := mr.Rule
		if rule.Type != rules.TypePreference || len(rule.PreferEngines) == 0 {
			continue
		}
		for _, id := range rule.PreferEngines {
			if !availableSet[id] {
				decision.note(fmt.Sprintf(
					"rule %s prefers %s but it has no configured credentials; trying the next preferred engine", rule.ID, id))
				continue
			}
			if id == current {
				decision.note(fmt.Sprintf("rule %s prefers %s, which is already active", rule.ID, id))
				break
			}
			decision.State = StateLegacyPreference
			decision.RecommendedEngine = id
			decision.Reasoning = fmt.Sprintf(
				"Rule %s (detected via %s) prefers %s for this topic",
				rule.ID, mr.DetectionMethod, id)
			if id != rule.PreferEngines[0] {
				decision.Reasoning += fmt.Sprintf(
					" (%s substituted for %s, which has no configured credentials)",
					id, rule.PreferEngines[0])
			}
			return
		}
	}

	// Legacy avoidance rules.
	var avoidance []*evaluate.MatchResult
	for _, mr := range matched {
		if mr.Rule.Type == rules.TypeAvoidance {
			avoidance = append(avoidance, mr)
		}
	}
	if len(avoidance) > 0 {
		currentAvoided := false
		for _, mr := range avoidance {
			for _, id := range mr.Rule.AvoidEngines {
				if id == current {
					currentAvoided = true
				}
			}
		}
		if currentAvoided {
			o.applyAvoidance(decision, avoidance, available, availableSet, current, false)
			return
		}
		for _, mr := range avoidance {
			decision.note(fmt.Sprintf(
				"rule %s triggered (via %s) but %s is not among its avoided engines; no change applied",
				mr.Rule.ID, mr.DetectionMethod, current))
		}
	}

	if decision.Reasoning == "" {
		decision.Reasoning = fmt.Sprintf(
			"Rules triggered but none required a change; keeping %s", current)
	}
}

// ensureAvailable guards the decision invariant: the recommended engine is
// always a member of the available set. Unavailable choices are substituted
// by the configured fallback, then the default, then the first available
// engine, with the substitution annotated.
func (o *Orchestrator) ensureAvailable(decision *Decision, availableSet map[string]bool, available []string, settings config.Settings) {
	if availableSet[decision.RecommendedEngine] {
		return
	}

	wanted := decision.RecommendedEngine
	substitute := ""
	switch {
	case availableSet[settings.FallbackEngine]:
		substitute = settings.FallbackEngine
	case availableSet[settings.DefaultEngine]:
		substitute = settings.DefaultEngine
	default:
		substitute = available[0]
	}

	decision.RecommendedEngine = substitute
	decision.State = StateFallback
	if wanted == "" {
		decision.Reasoning += fmt.Sprintf("; substituted %s as the fallback engine", substitute)
		decision.note(fmt.Sprintf("fallback engine %s substituted because no candidate survived filtering", substitute))
	} else {
		decision.Reasoning += fmt.Sprintf(
			"; %s has no configured credentials, substituted %s", wanted, substitute)
		decision.note(fmt.Sprintf("engine %s unavailable at invocation time; %s substituted", wanted, substitute))
	}
}

// Metrics returns per-state decision counters for the stats endpoint.
func (o *Orchestrator) Metrics() map[string]interface{} {
	out := o.metrics.snapshot()
	out["evaluator"] = o.evaluator.Metrics()
	return out
}

// partition splits triggered rules into the safety tier and the rest. The
// input is already sorted ascending by priority.
func partition(matched []*evaluate.MatchResult) (safety, rest []*evaluate.MatchResult) {
	for _, mr := range matched {
		if mr.Rule.Safety() {
			safety = append(safety, mr)
		} else {
			rest = append(rest, mr)
		}
	}
	return safety, rest
}

func collectMethods(matched []*evaluate.MatchResult) []string {
	var methods []string
	for _, mr := range matched {
		methods = append(methods, mr.DetectionMethod)
	}
	return uniqueStrings(methods)
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func toSet(in []string) map[string]bool {
	set := make(map[string]bool, len(in))
	for _, s := range in {
		set[s] = true
	}
	return set
}
