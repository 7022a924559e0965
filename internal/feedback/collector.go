// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package feedback records routing decisions and user feedback to a local
// SQLite store. Writes are fire-and-forget through a buffered channel so
// feedback never blocks routing.
package feedback

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// Record is a single routing feedback entry.
type Record struct {
	ID                 int64     `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	DecisionID         string    `json:"decision_id"`
	Prompt             string    `json:"prompt"`
	RoutingDestination string    `json:"routing_destination"`
	RoutingRationale   string    `json:"routing_rationale"`
	DetectionMethods   []string  `json:"detection_methods"`
	Feedback           string    `json:"feedback"` // positive | negative | ""
}

// Collector manages feedback storage. The background writer drains a
// buffered queue; when the queue is full, records are dropped with a log
// line rather than blocking the caller.
type Collector struct {
	db            *sql.DB
	dbPath        string
	retentionDays int

	queue    chan Record
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	enabled  bool
	dropped  int64
	recorded int64
}

const queueDepth = 256

// NewCollector creates a feedback collector. Initialize must be called
// before recording.
func NewCollector(dbPath string, retentionDays int) (*Collector, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Collector{
		dbPath:        dbPath,
		retentionDays: retentionDays,
		queue:         make(chan Record, queueDepth),
		done:          make(chan struct{}),
	}, nil
}

// Initialize opens the database, creates the schema, prunes expired rows,
// and starts the background writer.
func (c *Collector) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled {
		return nil
	}

	if dir := filepath.Dir(c.dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create feedback directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", c.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open feedback database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS routing_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		decision_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		routing_destination TEXT NOT NULL,
		routing_rationale TEXT,
		detection_methods TEXT,
		feedback TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_timestamp ON routing_feedback(timestamp);
	CREATE INDEX IF NOT EXISTS idx_feedback_decision ON routing_feedback(decision_id);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create feedback schema: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -c.retentionDays)
	if _, err := db.Exec(`DELETE FROM routing_feedback WHERE timestamp < ?`, cutoff); err != nil {
		log.Warnf("Failed to prune expired feedback: %v", err)
	}

	c.db = db
	c.enabled = true

	c.wg.Add(1)
	go c.writer()

	log.Infof("Feedback collector initialized at %s (retention %d days)", c.dbPath, c.retentionDays)
	return nil
}

// Record queues a feedback record without blocking. Records queued while
// the collector is disabled or the queue is full are dropped.
func (c *Collector) Record(record Record) {
	c.mu.RLock()
	enabled := c.enabled
	c.mu.RUnlock()
	if !enabled {
		return
	}

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	select {
	case c.queue <- record:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		log.Warn("Feedback queue full, dropping record")
	}
}

func (c *Collector) writer() {
	defer c.wg.Done()
	for {
		select {
		case record := <-c.queue:
			c.insert(record)
		case <-c.done:
			// Drain whatever is left before exiting.
			for {
				select {
				case record := <-c.queue:
					c.insert(record)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) insert(record Record) {
	_, err := c.db.Exec(
		`INSERT INTO routing_feedback
		 (timestamp, decision_id, prompt, routing_destination, routing_rationale, detection_methods, feedback)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.Timestamp, record.DecisionID, record.Prompt,
		record.RoutingDestination, record.RoutingRationale,
		strings.Join(record.DetectionMethods, ","), record.Feedback,
	)
	if err != nil {
		log.Warnf("Failed to insert feedback record: %v", err)
		return
	}
	c.mu.Lock()
	c.recorded++
	c.mu.Unlock()
}

// SetFeedback attaches a positive/negative verdict to a recorded decision.
func (c *Collector) SetFeedback(decisionID, verdict string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.enabled {
		return fmt.Errorf("feedback collector not initialized")
	}
	if verdict != "positive" && verdict != "negative" {
		return fmt.Errorf("feedback must be positive or negative, got %q", verdict)
	}

	result, err := c.db.Exec(
		`UPDATE routing_feedback SET feedback = ? WHERE decision_id = ?`, verdict, decisionID)
	if err != nil {
		return fmt.Errorf("failed to update feedback: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("no recorded decision %s", decisionID)
	}
	return nil
}

// ExportJSONL renders the most recent records as JSON Lines, newest first.
func (c *Collector) ExportJSONL(limit int) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.enabled {
		return "", fmt.Errorf("feedback collector not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := c.db.Query(
		`SELECT timestamp, decision_id, prompt, routing_destination, routing_rationale, detection_methods, feedback
		 FROM routing_feedback ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return "", fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var record Record
		var methods string
		if err := rows.Scan(&record.Timestamp, &record.DecisionID, &record.Prompt,
			&record.RoutingDestination, &record.RoutingRationale, &methods, &record.Feedback); err != nil {
			return "", fmt.Errorf("failed to scan feedback row: %w", err)
		}

		line := "{}"
		line, _ = sjson.Set(line, "timestamp", record.Timestamp.Format(time.RFC3339))
		line, _ = sjson.Set(line, "decision_id", record.DecisionID)
		line, _ = sjson.Set(line, "prompt", record.Prompt)
		line, _ = sjson.Set(line, "routing_destination", record.RoutingDestination)
		line, _ = sjson.Set(line, "routing_rationale", record.RoutingRationale)
		if methods != "" {
			line, _ = sjson.Set(line, "detection_methods", strings.Split(methods, ","))
		}
		if record.Feedback != "" {
			line, _ = sjson.Set(line, "feedback", record.Feedback)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), rows.Err()
}

// Stats returns collector counters.
func (c *Collector) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"enabled":  c.enabled,
		"recorded": c.recorded,
		"dropped":  c.dropped,
	}
}

// Shutdown stops the writer, drains the queue, and closes the database.
func (c *Collector) Shutdown() error {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return nil
	}
	c.enabled = false
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	return c.db.Close()
}
