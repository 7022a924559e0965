// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RequestContext is the environment a rule condition is evaluated against.
type RequestContext struct {
	ContentLength int    `json:"content_length"`
	Hour          int    `json:"hour"`
	DayOfWeek     string `json:"day_of_week"`
}

// NewRequestContext builds a condition environment for a message at a point
// in time.
func NewRequestContext(message string, now time.Time) *RequestContext {
	return &RequestContext{
		ContentLength: len(message),
		Hour:          now.Hour(),
		DayOfWeek:     now.Weekday().String(),
	}
}

// ConditionEvaluator evaluates optional rule activation conditions.
// Programs are compiled once per distinct condition and cached.
type ConditionEvaluator struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewConditionEvaluator creates a condition evaluator.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{programs: make(map[string]*vm.Program)}
}

// Evaluate runs a condition against the request context. Empty conditions
// and the literal "true" always hold.
func (e *ConditionEvaluator) Evaluate(condition string, ctx *RequestContext) (bool, error) {
	if condition == "" || condition == "true" {
		return true, nil
	}

	e.mu.Lock()
	program, exists := e.programs[condition]
	if !exists {
		var err error
		program, err = expr.Compile(condition, expr.Env(ctx))
		if err != nil {
			e.mu.Unlock()
			return false, fmt.Errorf("failed to compile condition '%s': %w", condition, err)
		}
		e.programs[condition] = program
	}
	e.mu.Unlock()

	output, err := expr.Run(program, ctx)
	if err != nil {
		return false, fmt.Errorf("failed to run condition '%s': %w", condition, err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition '%s' did not return a boolean", condition)
	}
	return result, nil
}
