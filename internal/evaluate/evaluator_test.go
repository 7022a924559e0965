// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evaluate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/biasrouter/internal/embedding"
	"github.com/traylinx/biasrouter/internal/rules"
)

// stubEmbedder hands every caller the same vector.
type stubEmbedder struct {
	vector      []float32
	unavailable bool
}

func (s *stubEmbedder) Embed(text string, maxTokens int) ([]float32, error) {
	if s.unavailable {
		return nil, embedding.ErrUnavailable
	}
	return s.vector, nil
}

func (s *stubEmbedder) Ready() bool { return !s.unavailable }

func sensitiveTopicsDB(t *testing.T) *rules.Database {
	t.Helper()
	db, err := rules.Parse([]byte(`{
		"metadata": {"version": "1.0"},
		"engines": {
			"deepseek": {"name": "DeepSeek", "provider": "deepseek"},
			"claude":   {"name": "Claude", "provider": "anthropic"}
		},
		"routing_rules": [
			{
				"id": "china-sensitive",
				"priority": 1,
				"triggers": {
					"topics": ["tiananmen", "june fourth"],
					"dog_whistles": ["may 35th"]
				},
				"avoid_engines": ["deepseek"],
				"confidence_threshold": 0.7
			},
			{
				"id": "creative-writing",
				"priority": 6,
				"triggers": {"topics": ["creative writing"]},
				"prefer_engines": ["claude"],
				"confidence_threshold": 0.5
			}
		]
	}`))
	require.NoError(t, err)
	return db
}

func TestEvaluate_KeywordDetection(t *testing.T) {
	ev := NewEvaluator(nil)
	db := sensitiveTopicsDB(t)

	result := ev.Evaluate(db, "Tell me about the June Fourth incident", time.Now())

	require.Len(t, result.Triggered, 1)
	mr := result.Triggered[0]
	assert.Equal(t, "china-sensitive", mr.RuleID)
	assert.Equal(t, MethodKeyword, mr.DetectionMethod)
	assert.Contains(t, mr.MatchedFragments, "june fourth")
	assert.False(t, result.SemanticUsed)
}

func TestEvaluate_DogWhistleTakesPrecedenceOverFuzzy(t *testing.T) {
	ev := NewEvaluator(nil)
	db := sensitiveTopicsDB(t)

	result := ev.Evaluate(db, "what happened on may 35th?", time.Now())

	require.Len(t, result.Triggered, 1)
	assert.Equal(t, MethodDogWhistle, result.Triggered[0].DetectionMethod)
}

func TestEvaluate_FuzzyDetection(t *testing.T) {
	ev := NewEvaluator(nil)
	db := sensitiveTopicsDB(t)

	// One-edit misspelling still triggers, tagged as fuzzy.
	result := ev.Evaluate(db, "what is tiananmn square", time.Now())

	require.Len(t, result.Triggered, 1)
	mr := result.Triggered[0]
	assert.Equal(t, MethodFuzzy, mr.DetectionMethod)
	assert.Contains(t, mr.MatchedFragments, "tiananmn")
}

func TestEvaluate_NoTriggers(t *testing.T) {
	ev := NewEvaluator(nil)
	db := sensitiveTopicsDB(t)

	result := ev.Evaluate(db, "what is the weather like today", time.Now())
	assert.Empty(t, result.Triggered)
}

func TestEvaluate_SemanticDetection(t *testing.T) {
	db := sensitiveTopicsDB(t)
	db.RoutingRules[0].Embedding = []float32{1, 0, 0}

	ev := NewEvaluator(&stubEmbedder{vector: []float32{1, 0, 0}})

	// No keyword overlap at all; cosine 1.0 clears the safety floor.
	result := ev.Evaluate(db, "that certain spring in beijing", time.Now())

	require.Len(t, result.Triggered, 1)
	mr := result.Triggered[0]
	assert.Equal(t, MethodSemantic, mr.DetectionMethod)
	assert.InDelta(t, 1.0, mr.SemanticScore, 1e-6)
	assert.True(t, result.SemanticUsed)
}

func TestEvaluate_SemanticBelowSafetyFloor(t *testing.T) {
	db := sensitiveTopicsDB(t)
	db.RoutingRules[0].Embedding = []float32{1, 0, 0}
	db.RoutingRules[0].SemanticThreshold = 0.5

	// Cosine of these vectors is ~0.6: above the rule's declared 0.5 but
	// below the 0.85 safety floor, so the rule must not trigger.
	ev := NewEvaluator(&stubEmbedder{vector: []float32{0.6, 0.8, 0}})

	result := ev.Evaluate(db, "something unrelated", time.Now())
	assert.Empty(t, result.Triggered)
}

func TestEvaluate_EmbeddingUnavailableDegrades(t *testing.T) {
	db := sensitiveTopicsDB(t)
	db.RoutingRules[0].Embedding = []float32{1, 0, 0}

	ev := NewEvaluator(&stubEmbedder{unavailable: true})

	// Keyword detection still works without the embedding service.
	result := ev.Evaluate(db, "the tiananmen protests", time.Now())

	require.Len(t, result.Triggered, 1)
	assert.False(t, result.SemanticUsed)
	assert.Equal(t, MethodKeyword, result.Triggered[0].DetectionMethod)

	metrics := ev.Metrics()
	assert.Equal(t, int64(1), metrics["semantic_downgrades"])
}

func TestEvaluate_SortedByPriority(t *testing.T) {
	ev := NewEvaluator(nil)
	db := sensitiveTopicsDB(t)

	result := ev.Evaluate(db, "creative writing about tiananmen", time.Now())

	require.Len(t, result.Triggered, 2)
	assert.Equal(t, "china-sensitive", result.Triggered[0].RuleID)
	assert.Equal(t, "creative-writing", result.Triggered[1].RuleID)
}

func TestEvaluate_ConditionGate(t *testing.T) {
	ev := NewEvaluator(nil)
	db := sensitiveTopicsDB(t)
	db.RoutingRules[0].Condition = "ContentLength > 500"

	result := ev.Evaluate(db, "short note on tiananmen", time.Now())
	assert.Empty(t, result.Triggered)

	db.RoutingRules[0].Condition = "ContentLength > 5"
	result = ev.Evaluate(db, "short note on tiananmen", time.Now())
	assert.Len(t, result.Triggered, 1)
}

func TestSemanticThreshold(t *testing.T) {
	safety := &rules.Rule{Priority: 1}
	assert.Equal(t, safetySemanticFloor, semanticThreshold(safety))

	safety.SemanticThreshold = 0.9
	assert.Equal(t, 0.9, semanticThreshold(safety))

	general := &rules.Rule{Priority: 6}
	assert.Equal(t, defaultSemanticThreshold, semanticThreshold(general))

	general.SemanticThreshold = 0.7
	assert.Equal(t, 0.7, semanticThreshold(general))
}
