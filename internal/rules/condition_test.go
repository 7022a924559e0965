// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEvaluator_EmptyAlwaysHolds(t *testing.T) {
	eval := NewConditionEvaluator()
	ctx := NewRequestContext("hello", time.Now())

	ok, err := eval.Evaluate("", ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eval.Evaluate("true", ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionEvaluator_ContentLength(t *testing.T) {
	eval := NewConditionEvaluator()
	ctx := NewRequestContext("a long enough message for the gate", time.Now())

	ok, err := eval.Evaluate("ContentLength > 10", ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eval.Evaluate("ContentLength > 1000", ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionEvaluator_TimeFields(t *testing.T) {
	eval := NewConditionEvaluator()
	now := time.Date(2026, 8, 29, 14, 0, 0, 0, time.UTC) // a Saturday
	ctx := NewRequestContext("msg", now)

	ok, err := eval.Evaluate(`Hour >= 9 && Hour < 18`, ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eval.Evaluate(`DayOfWeek == "Saturday"`, ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionEvaluator_CompileError(t *testing.T) {
	eval := NewConditionEvaluator()
	ctx := NewRequestContext("msg", time.Now())

	_, err := eval.Evaluate("ContentLength >", ctx)
	assert.Error(t, err)
}

func TestConditionEvaluator_NonBooleanResult(t *testing.T) {
	eval := NewConditionEvaluator()
	ctx := NewRequestContext("msg", time.Now())

	_, err := eval.Evaluate("ContentLength + 1", ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not return a boolean")
}

func TestConditionEvaluator_CachesPrograms(t *testing.T) {
	eval := NewConditionEvaluator()
	ctx := NewRequestContext("msg", time.Now())

	for i := 0; i < 3; i++ {
		ok, err := eval.Evaluate("ContentLength >= 3", ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Len(t, eval.programs, 1)
}
