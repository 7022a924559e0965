// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import "sync"

// stateMetrics tracks how often each terminal state is reached and the
// average decision latency.
type stateMetrics struct {
	mu             sync.Mutex
	byState        map[State]int64
	decisions      int64
	totalLatencyMs int64
}

func newStateMetrics() *stateMetrics {
	return &stateMetrics{byState: make(map[State]int64)}
}

func (m *stateMetrics) record(state State, latencyMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byState[state]++
	m.decisions++
	m.totalLatencyMs += latencyMs
}

func (m *stateMetrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]int64, len(m.byState))
	for state, count := range m.byState {
		states[string(state)] = count
	}

	avgLatency := float64(0)
	if m.decisions > 0 {
		avgLatency = float64(m.totalLatencyMs) / float64(m.decisions)
	}

	return map[string]interface{}{
		"decisions":      m.decisions,
		"by_state":       states,
		"avg_latency_ms": avgLatency,
	}
}
