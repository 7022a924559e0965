// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package feedback

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestCollector(t *testing.T, path string) *Collector {
	t.Helper()
	c, err := NewCollector(path, 30)
	require.NoError(t, err)
	require.NoError(t, c.Initialize())
	return c
}

func TestNewCollector_RequiresPath(t *testing.T) {
	_, err := NewCollector("", 30)
	assert.Error(t, err)
}

func TestCollector_RecordAndExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.db")
	c := newTestCollector(t, path)

	c.Record(Record{
		DecisionID:         "dec-1",
		Prompt:             "tell me about tiananmen",
		RoutingDestination: "claude",
		RoutingRationale:   "safety rule applied",
		DetectionMethods:   []string{"keyword", "fuzzy"},
	})
	require.NoError(t, c.Shutdown()) // drains the queue

	// Reopen and read back.
	c = newTestCollector(t, path)
	defer c.Shutdown()

	out, err := c.ExportJSONL(10)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)

	line := gjson.Parse(lines[0])
	assert.Equal(t, "dec-1", line.Get("decision_id").String())
	assert.Equal(t, "claude", line.Get("routing_destination").String())
	assert.Equal(t, int64(2), line.Get("detection_methods.#").Int())
	assert.False(t, line.Get("feedback").Exists())
}

func TestCollector_SetFeedback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.db")
	c := newTestCollector(t, path)

	c.Record(Record{DecisionID: "dec-2", Prompt: "p", RoutingDestination: "chatgpt"})
	require.NoError(t, c.Shutdown())

	c = newTestCollector(t, path)
	defer c.Shutdown()

	require.NoError(t, c.SetFeedback("dec-2", "positive"))

	out, err := c.ExportJSONL(10)
	require.NoError(t, err)
	assert.Contains(t, out, `"feedback":"positive"`)
}

func TestCollector_SetFeedbackValidation(t *testing.T) {
	c := newTestCollector(t, filepath.Join(t.TempDir(), "feedback.db"))
	defer c.Shutdown()

	err := c.SetFeedback("whatever", "meh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive or negative")

	err = c.SetFeedback("unknown-decision", "negative")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recorded decision")
}

func TestCollector_RecordWhenDisabled(t *testing.T) {
	c, err := NewCollector(filepath.Join(t.TempDir(), "feedback.db"), 30)
	require.NoError(t, err)

	// Not initialized: records are silently ignored, never queued.
	c.Record(Record{DecisionID: "dropped"})
	assert.Len(t, c.queue, 0)
}

func TestCollector_Stats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.db")
	c := newTestCollector(t, path)

	c.Record(Record{DecisionID: "dec-3", Prompt: "p", RoutingDestination: "llama"})
	require.NoError(t, c.Shutdown())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats["recorded"])
	assert.Equal(t, int64(0), stats["dropped"])
	assert.Equal(t, false, stats["enabled"])
}

func TestCollector_ShutdownIdempotent(t *testing.T) {
	c := newTestCollector(t, filepath.Join(t.TempDir(), "feedback.db"))
	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
}

func TestCollector_RetentionPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.db")
	c := newTestCollector(t, path)

	c.Record(Record{
		Timestamp:          time.Now().AddDate(0, 0, -60),
		DecisionID:         "expired",
		Prompt:             "old",
		RoutingDestination: "llama",
	})
	c.Record(Record{DecisionID: "fresh", Prompt: "new", RoutingDestination: "claude"})
	require.NoError(t, c.Shutdown())

	// Re-initializing prunes rows past the 30-day retention window.
	c = newTestCollector(t, path)
	defer c.Shutdown()

	out, err := c.ExportJSONL(10)
	require.NoError(t, err)
	assert.Contains(t, out, "fresh")
	assert.NotContains(t, out, "expired")
}

func TestExportJSONL_QueryShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"timestamp", "decision_id", "prompt", "routing_destination",
		"routing_rationale", "detection_methods", "feedback",
	}).AddRow(time.Now(), "dec-9", "prompt", "claude", "rationale", "keyword", "")

	mock.ExpectQuery("SELECT timestamp, decision_id").
		WithArgs(5).
		WillReturnRows(rows)

	c := &Collector{db: db, enabled: true}
	out, err := c.ExportJSONL(5)
	require.NoError(t, err)
	assert.Contains(t, out, `"decision_id":"dec-9"`)
	require.NoError(t, mock.ExpectationsWereMet())
}
