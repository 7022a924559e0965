// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDatabase(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "routing_rules.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestCatalog_LoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := writeDatabase(t, dir, minimalDatabase)

	catalog, err := NewCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "1.0", catalog.Database().Metadata.Version)

	updated := `{
		"metadata": {"version": "2.0"},
		"engines": {"claude": {"name": "Claude", "provider": "anthropic"}},
		"routing_rules": []
	}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))
	require.NoError(t, catalog.Reload())
	assert.Equal(t, "2.0", catalog.Database().Metadata.Version)
}

func TestCatalog_ReloadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeDatabase(t, dir, minimalDatabase)

	catalog, err := NewCatalog(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"metadata": {}}`), 0644))
	err = catalog.Reload()
	require.Error(t, err)

	// The previous version stays active.
	assert.Equal(t, "1.0", catalog.Database().Metadata.Version)
	assert.Len(t, catalog.Database().RoutingRules, 1)
}

func TestCatalog_ReloadHook(t *testing.T) {
	dir := t.TempDir()
	path := writeDatabase(t, dir, minimalDatabase)

	catalog, err := NewCatalog(path)
	require.NoError(t, err)

	var got *Database
	catalog.SetReloadHook(func(db *Database) { got = db })

	require.NoError(t, catalog.Reload())
	require.NotNil(t, got)
	assert.Same(t, catalog.Database(), got)
}

func TestCatalog_EmbedRulesSwapsDatabase(t *testing.T) {
	dir := t.TempDir()
	path := writeDatabase(t, dir, minimalDatabase)

	catalog, err := NewCatalog(path)
	require.NoError(t, err)
	before := catalog.Database()

	n := catalog.EmbedRules(context.Background(), &fakeEmbedder{}, time.Millisecond)
	assert.Equal(t, 1, n)

	// The pre-batch database never sees a write; new requests observe the
	// embedded copy.
	after := catalog.Database()
	assert.NotSame(t, before, after)
	assert.Nil(t, before.RoutingRules[0].Embedding)
	assert.NotEmpty(t, after.RoutingRules[0].Embedding)
}

func TestCatalog_EmbedRulesDiscardsStaleBatch(t *testing.T) {
	dir := t.TempDir()
	path := writeDatabase(t, dir, minimalDatabase)

	catalog, err := NewCatalog(path)
	require.NoError(t, err)

	stale := catalog.Database()
	embedded, n := PrecomputeEmbeddings(context.Background(), stale, &fakeEmbedder{}, time.Millisecond)
	require.Equal(t, 1, n)

	require.NoError(t, catalog.Reload())
	fresh := catalog.Database()

	// A batch computed against a superseded version must not clobber the
	// reloaded database.
	assert.False(t, catalog.swapEmbedded(stale, embedded))
	assert.Same(t, fresh, catalog.Database())
}

func TestCatalog_EmbedRulesConcurrentReads(t *testing.T) {
	dir := t.TempDir()
	path := writeDatabase(t, dir, minimalDatabase)

	catalog, err := NewCatalog(path)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			db := catalog.Database()
			for _, rule := range db.RoutingRules {
				_ = rule.Embedding
			}
		}
	}()

	n := catalog.EmbedRules(context.Background(), &fakeEmbedder{}, time.Microsecond)
	assert.Equal(t, 1, n)
	<-done
}

func TestCatalog_RejectsMissingFile(t *testing.T) {
	_, err := NewCatalog(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestCatalog_StopWatchingIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeDatabase(t, dir, minimalDatabase)

	catalog, err := NewCatalog(path)
	require.NoError(t, err)
	require.NoError(t, catalog.Watch())

	catalog.StopWatching()
	catalog.StopWatching()
}
