// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/traylinx/biasrouter/internal/config"
	"github.com/traylinx/biasrouter/internal/evaluate"
	"github.com/traylinx/biasrouter/internal/router"
	"github.com/traylinx/biasrouter/internal/rules"
)

const apiTestDatabase = `{
	"metadata": {"version": "1.0"},
	"engines": {
		"deepseek": {"name": "DeepSeek", "provider": "deepseek"},
		"claude":   {"name": "Claude", "provider": "anthropic"}
	},
	"routing_rules": [
		{
			"id": "china-sensitive",
			"priority": 1,
			"triggers": {"topics": ["tiananmen"]},
			"avoid_engines": ["deepseek"],
			"confidence_threshold": 0.7
		}
	]
}`

func newTestServer(t *testing.T, configure func(*config.Settings)) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	rulesPath := filepath.Join(dir, "routing_rules.json")
	require.NoError(t, os.WriteFile(rulesPath, []byte(apiTestDatabase), 0644))

	catalog, err := rules.NewCatalog(rulesPath)
	require.NoError(t, err)

	store, err := config.NewStore(filepath.Join(dir, "settings.yaml"))
	require.NoError(t, err)
	require.NoError(t, store.Update(func(s *config.Settings) {
		s.APIKeys = map[string]string{"deepseek": "key", "anthropic": "key"}
		s.DefaultEngine = "claude"
		if configure != nil {
			configure(s)
		}
	}))

	orchestrator := router.New(catalog, store, evaluate.NewEvaluator(nil))
	server := NewServer(orchestrator, catalog, store, nil)

	engine := gin.New()
	server.Routes(engine)
	return server, engine
}

func doRequest(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	_, engine := newTestServer(t, nil)

	w := doRequest(engine, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
}

func TestRouteEndpoint(t *testing.T) {
	_, engine := newTestServer(t, nil)

	w := doRequest(engine, http.MethodPost, "/v1/route",
		`{"message": "tell me about tiananmen", "current_engine": "deepseek"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "legacy_avoidance", body.Get("state").String())
	assert.Equal(t, "claude", body.Get("recommended_engine").String())
	assert.True(t, body.Get("routing_applied").Bool())
	assert.NotEmpty(t, body.Get("id").String())
	assert.NotEmpty(t, body.Get("reasoning").String())
}

func TestRouteEndpoint_MissingMessage(t *testing.T) {
	_, engine := newTestServer(t, nil)

	w := doRequest(engine, http.MethodPost, "/v1/route", `{"current_engine": "claude"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouteEndpoint_NoEngines(t *testing.T) {
	_, engine := newTestServer(t, func(s *config.Settings) {
		s.APIKeys = map[string]string{}
	})

	w := doRequest(engine, http.MethodPost, "/v1/route", `{"message": "hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no engine available")
}

func TestEnginesEndpoint(t *testing.T) {
	_, engine := newTestServer(t, func(s *config.Settings) {
		s.APIKeys = map[string]string{"anthropic": "key"} // deepseek has no key
	})

	w := doRequest(engine, http.MethodGet, "/v1/engines", "")
	require.Equal(t, http.StatusOK, w.Code)

	engines := gjson.Get(w.Body.String(), "engines")
	require.Equal(t, int64(2), engines.Get("#").Int())

	// Sorted by ID: claude first.
	assert.Equal(t, "claude", engines.Get("0.id").String())
	assert.True(t, engines.Get("0.available").Bool())
	assert.Equal(t, "deepseek", engines.Get("1.id").String())
	assert.False(t, engines.Get("1.available").Bool())
}

func TestSettingsEndpoints(t *testing.T) {
	_, engine := newTestServer(t, nil)

	w := doRequest(engine, http.MethodGet, "/v1/settings", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "claude", body.Get("default_engine").String())

	// Keys are reported by provider name only, never echoed.
	assert.NotContains(t, w.Body.String(), "key")
	providers := body.Get("configured_providers").Array()
	require.Len(t, providers, 2)
	assert.Equal(t, "anthropic", providers[0].String())

	// Partial update leaves unmentioned fields alone.
	w = doRequest(engine, http.MethodPut, "/v1/settings",
		`{"positive_routing_threshold": 8.5}`)
	require.Equal(t, http.StatusOK, w.Code)

	body = gjson.Parse(w.Body.String())
	assert.Equal(t, 8.5, body.Get("positive_routing_threshold").Float())
	assert.Equal(t, "claude", body.Get("default_engine").String())
}

func TestSettingsEndpoint_RemoveKey(t *testing.T) {
	server, engine := newTestServer(t, nil)

	w := doRequest(engine, http.MethodPut, "/v1/settings", `{"api_keys": {"deepseek": ""}}`)
	require.Equal(t, http.StatusOK, w.Code)

	settings := server.settings.Get()
	_, exists := settings.APIKeys["deepseek"]
	assert.False(t, exists)
}

func TestFeedbackEndpoint_Disabled(t *testing.T) {
	_, engine := newTestServer(t, nil)

	w := doRequest(engine, http.MethodPost, "/v1/feedback",
		`{"decision_id": "x", "feedback": "positive"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doRequest(engine, http.MethodGet, "/v1/feedback/export", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	_, engine := newTestServer(t, nil)

	// Exercise one decision first.
	doRequest(engine, http.MethodPost, "/v1/route", `{"message": "hello"}`)

	w := doRequest(engine, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, int64(1), body.Get("rules").Int())
	assert.Equal(t, int64(2), body.Get("engines").Int())
	assert.Equal(t, "1.0", body.Get("db_version").String())
	assert.Equal(t, int64(1), body.Get("routing.decisions").Int())
}
