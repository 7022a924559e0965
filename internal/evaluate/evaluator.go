// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package evaluate runs the rule-matching pipeline: keyword and dog-whistle
// detection through the fuzzy matcher, plus semantic similarity against
// precomputed rule embeddings when the embedding service is available.
package evaluate

import (
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/biasrouter/internal/embedding"
	"github.com/traylinx/biasrouter/internal/match"
	"github.com/traylinx/biasrouter/internal/rules"
)

const (
	// maxEditDistance keeps keyword matching conservative: one edit.
	maxEditDistance = 1

	// defaultSemanticThreshold applies when a rule declares none.
	defaultSemanticThreshold = 0.80

	// safetySemanticFloor is the minimum semantic threshold for safety-tier
	// rules, suppressing false positives on sensitive content.
	safetySemanticFloor = 0.85
)

// Detection provenance tags, ordered by reporting precedence.
const (
	MethodSemantic   = "semantic"
	MethodDogWhistle = "dog_whistle"
	MethodFuzzy      = "fuzzy"
	MethodKeyword    = "keyword"
)

// MatchResult is the evidence for one triggered rule. It is read-only and
// discarded after the orchestrator consumes it.
type MatchResult struct {
	Rule             *rules.Rule   `json:"-"`
	RuleID           string        `json:"rule_id"`
	MatchedFragments []string      `json:"matched_fragments"`
	DetectionMethod  string        `json:"detection_method"`
	SemanticScore    float64       `json:"semantic_score,omitempty"`
	KeywordMatches   []match.Match `json:"keyword_matches,omitempty"`
}

// Evaluation is the full evaluator output for one message.
type Evaluation struct {
	// Triggered holds all triggered rules sorted ascending by priority.
	Triggered []*MatchResult

	// SemanticUsed reports whether semantic scoring participated. False
	// when the embedding service was unavailable or errored.
	SemanticUsed bool
}

// Evaluator applies the rule set to messages. It is safe for concurrent
// use; the only shared state is the injected embedding service and the
// compiled-condition cache.
type Evaluator struct {
	svc        embedding.Service
	conditions *rules.ConditionEvaluator

	mu            sync.Mutex
	evalCount     int64
	triggerCount  int64
	semanticDowns int64
}

// NewEvaluator creates a rule evaluator. svc may be nil, in which case
// detection is keyword/dog-whistle only.
func NewEvaluator(svc embedding.Service) *Evaluator {
	return &Evaluator{
		svc:        svc,
		conditions: rules.NewConditionEvaluator(),
	}
}

// Evaluate runs every rule against the message and returns the triggered
// set with detection provenance. Embedding failures downgrade to
// keyword-only detection; they never fail the evaluation.
func (ev *Evaluator) Evaluate(db *rules.Database, message string, now time.Time) *Evaluation {
	result := &Evaluation{}

	var messageVector []float32
	if ev.svc != nil {
		vector, err := ev.svc.Embed(message, 0)
		switch {
		case err == nil:
			messageVector = vector
			result.SemanticUsed = true
		case errors.Is(err, embedding.ErrUnavailable):
			log.Debug("Embedding service unavailable, keyword-only detection")
			ev.countSemanticDowngrade()
		default:
			log.Warnf("Message embedding failed, keyword-only detection: %v", err)
			ev.countSemanticDowngrade()
		}
	}

	reqCtx := rules.NewRequestContext(message, now)

	for _, rule := range db.RoutingRules {
		if rule.Condition != "" {
			ok, err := ev.conditions.Evaluate(rule.Condition, reqCtx)
			if err != nil {
				log.Warnf("Rule %s condition error, skipping: %v", rule.ID, err)
				continue
			}
			if !ok {
				continue
			}
		}

		if mr := ev.evaluateRule(rule, message, messageVector); mr != nil {
			result.Triggered = append(result.Triggered, mr)
		}
	}

	sort.SliceStable(result.Triggered, func(i, j int) bool {
		return result.Triggered[i].Rule.Priority < result.Triggered[j].Rule.Priority
	})

	ev.mu.Lock()
	ev.evalCount++
	ev.triggerCount += int64(len(result.Triggered))
	ev.mu.Unlock()

	return result
}

// evaluateRule checks one rule independently: topic keywords, dog whistles,
// and semantic similarity. Any one detection triggers the rule; the method
// tag follows the precedence semantic > dog_whistle > fuzzy/keyword and is
// for reporting only.
func (ev *Evaluator) evaluateRule(rule *rules.Rule, message string, messageVector []float32) *MatchResult {
	topicMatches := match.FindMatches(message, toKeywords(rule.Triggers.Topics), maxEditDistance)
	whistleMatches := match.FindMatches(message, toKeywords(rule.Triggers.DogWhistles), maxEditDistance)

	semanticScore := 0.0
	semanticHit := false
	if messageVector != nil && len(rule.Embedding) > 0 {
		semanticScore = embedding.Cosine(messageVector, rule.Embedding)
		semanticHit = semanticScore >= semanticThreshold(rule)
	}

	if len(topicMatches) == 0 && len(whistleMatches) == 0 && !semanticHit {
		return nil
	}

	mr := &MatchResult{
		Rule:          rule,
		RuleID:        rule.ID,
		SemanticScore: semanticScore,
	}

	for _, m := range topicMatches {
		mr.MatchedFragments = append(mr.MatchedFragments, m.Fragment)
		mr.KeywordMatches = append(mr.KeywordMatches, m)
	}
	for _, m := range whistleMatches {
		mr.MatchedFragments = append(mr.MatchedFragments, m.Fragment)
		mr.KeywordMatches = append(mr.KeywordMatches, m)
	}

	switch {
	case semanticHit:
		mr.DetectionMethod = MethodSemantic
	case len(whistleMatches) > 0:
		mr.DetectionMethod = MethodDogWhistle
	case anyFuzzy(topicMatches):
		mr.DetectionMethod = MethodFuzzy
	default:
		mr.DetectionMethod = MethodKeyword
	}

	return mr
}

// semanticThreshold resolves the per-rule similarity threshold. Safety-tier
// rules never go below the safety floor.
func semanticThreshold(rule *rules.Rule) float64 {
	threshold := rule.SemanticThreshold
	if threshold <= 0 {
		threshold = defaultSemanticThreshold
	}
	if rule.Safety() && threshold < safetySemanticFloor {
		threshold = safetySemanticFloor
	}
	return threshold
}

func toKeywords(specs []rules.KeywordSpec) []match.Keyword {
	keywords := make([]match.Keyword, len(specs))
	for i, spec := range specs {
		keywords[i] = match.Keyword{Word: spec.Word, Fuzzy: spec.Fuzzy}
	}
	return keywords
}

func anyFuzzy(matches []match.Match) bool {
	for _, m := range matches {
		if !m.Exact {
			return true
		}
	}
	return false
}

func (ev *Evaluator) countSemanticDowngrade() {
	ev.mu.Lock()
	ev.semanticDowns++
	ev.mu.Unlock()
}

// Metrics returns evaluator counters for the stats endpoint.
func (ev *Evaluator) Metrics() map[string]interface{} {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return map[string]interface{}{
		"evaluations":         ev.evalCount,
		"rules_triggered":     ev.triggerCount,
		"semantic_downgrades": ev.semanticDowns,
	}
}
