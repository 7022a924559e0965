// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/biasrouter/internal/embedding"
)

// Catalog owns the loaded rule database and swaps it atomically on reload.
// Requests in flight keep the database they started with; only new requests
// observe a reloaded version.
type Catalog struct {
	path string

	mu sync.RWMutex
	db *Database

	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
	stopOnce    sync.Once

	// onReload, when set, is invoked with the fresh database after a
	// successful swap (used to re-run embedding precomputation).
	onReload func(*Database)
}

// NewCatalog loads the rule database from path. Load failures here are
// fatal: routing must not start without a valid database.
func NewCatalog(path string) (*Catalog, error) {
	db, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Catalog{
		path:        path,
		db:          db,
		stopWatcher: make(chan struct{}),
	}, nil
}

// Database returns the current database. The returned value is read-only
// shared state; callers must not mutate it.
func (c *Catalog) Database() *Database {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// SetReloadHook registers a callback invoked after each successful reload.
func (c *Catalog) SetReloadHook(hook func(*Database)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = hook
}

// Reload re-reads the database from disk. A database that fails validation
// is rejected and the previous version stays active.
func (c *Catalog) Reload() error {
	db, err := Load(c.path)
	if err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}

	c.mu.Lock()
	c.db = db
	hook := c.onReload
	c.mu.Unlock()

	log.Infof("Rule database reloaded: version %s, %d rules, %d engines",
		db.Metadata.Version, len(db.RoutingRules), len(db.Engines))

	if hook != nil {
		hook(db)
	}
	return nil
}

// EmbedRules runs the embedding precompute batch against the current
// database and swaps in the embedded copy. Requests in flight keep reading
// the version they started with. If the database was reloaded while the
// batch ran, the stale result is discarded; the reload hook starts a fresh
// batch for the new version.
//
// It returns the number of rules embedded.
func (c *Catalog) EmbedRules(ctx context.Context, svc embedding.Service, delay time.Duration) int {
	snapshot := c.Database()
	embedded, n := PrecomputeEmbeddings(ctx, snapshot, svc, delay)
	if n == 0 {
		return 0
	}
	if !c.swapEmbedded(snapshot, embedded) {
		log.Warn("Rule database changed during embedding precompute; discarding stale vectors")
	}
	return n
}

// swapEmbedded installs the embedded copy only while current is still the
// active version.
func (c *Catalog) swapEmbedded(current, embedded *Database) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != current {
		return false
	}
	c.db = embedded
	return true
}

// Watch starts watching the database file and reloads on every write. It
// returns immediately; call StopWatching on shutdown.
func (c *Catalog) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := c.Reload(); err != nil {
						log.Warnf("Rule database reload failed, keeping previous version: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("Rule database watcher error: %v", err)
			case <-c.stopWatcher:
				return
			}
		}
	}()

	log.Infof("Watching rule database: %s", c.path)
	return nil
}

// StopWatching shuts down the file watcher. Safe to call more than once.
func (c *Catalog) StopWatching() {
	c.stopOnce.Do(func() {
		close(c.stopWatcher)
		if c.watcher != nil {
			c.watcher.Close()
		}
	})
}
