// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides the persisted settings store: API keys per
// provider, default and fallback engines, and positive-routing knobs. The
// store is read at startup, written on change, and injected into the router
// rather than accessed as a global.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/traylinx/biasrouter/internal/rules"
)

// DefaultPositiveRoutingThreshold is the minimum benchmark point advantage
// before a performance suggestion is applied.
const DefaultPositiveRoutingThreshold = 5.0

// Settings is the persisted key-value configuration.
type Settings struct {
	// APIKeys maps provider name to credential. An engine is available only
	// when its provider has a key here.
	APIKeys map[string]string `yaml:"api-keys"`

	// DefaultEngine handles requests when no rule or suggestion applies.
	DefaultEngine string `yaml:"default-engine"`

	// FallbackEngine substitutes when a chosen engine is unavailable.
	FallbackEngine string `yaml:"fallback-engine"`

	// PositiveRoutingEnabled toggles performance-based routing.
	PositiveRoutingEnabled bool `yaml:"positive-routing-enabled"`

	// PositiveRoutingThreshold is the minimum point advantage for a
	// performance switch.
	PositiveRoutingThreshold float64 `yaml:"positive-routing-threshold"`
}

// Store owns the settings file. All reads return copies; writes persist
// immediately.
type Store struct {
	path string

	mu       sync.RWMutex
	settings Settings
}

// NewStore loads settings from path, creating defaults when the file does
// not exist yet.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		settings: Settings{
			APIKeys:                  make(map[string]string),
			PositiveRoutingEnabled:   true,
			PositiveRoutingThreshold: DefaultPositiveRoutingThreshold,
		},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("Settings file %s not found, starting with defaults", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if s.settings.APIKeys == nil {
		s.settings.APIKeys = make(map[string]string)
	}
	if s.settings.PositiveRoutingThreshold <= 0 {
		s.settings.PositiveRoutingThreshold = DefaultPositiveRoutingThreshold
	}

	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

// Update applies fn to the settings and persists the result. The write is
// atomic: a temp file is renamed over the old one.
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.settings)
	if s.settings.APIKeys == nil {
		s.settings.APIKeys = make(map[string]string)
	}
	return s.persist()
}

func (s *Store) snapshot() Settings {
	out := s.settings
	out.APIKeys = make(map[string]string, len(s.settings.APIKeys))
	for k, v := range s.settings.APIKeys {
		out.APIKeys[k] = v
	}
	return out
}

func (s *Store) persist() error {
	data, err := yaml.Marshal(&s.settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// AvailableEngines returns the engine IDs whose provider has a configured
// credential, in sorted order so downstream tie-breaks are deterministic.
// The result is recomputed per call and never shared.
func (s *Store) AvailableEngines(db *rules.Database) []string {
	settings := s.Get()

	var available []string
	for id, profile := range db.Engines {
		if settings.APIKeys[profile.Provider] != "" {
			available = append(available, id)
		}
	}
	sort.Strings(available)
	return available
}
