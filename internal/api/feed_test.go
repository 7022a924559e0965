// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/traylinx/biasrouter/internal/router"
)

func dialFeed(t *testing.T, feed *DecisionFeed) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(feed.Handle))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, feed *DecisionFeed, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for feed.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("feed never reached %d clients", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDecisionFeed_Broadcast(t *testing.T) {
	feed := NewDecisionFeed()
	conn := dialFeed(t, feed)
	waitForClients(t, feed, 1)

	feed.Broadcast(&router.Decision{
		ID:                "dec-1",
		State:             router.StateDefault,
		RecommendedEngine: "claude",
		Reasoning:         "No rules triggered; keeping claude",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	body := gjson.ParseBytes(payload)
	assert.Equal(t, "dec-1", body.Get("id").String())
	assert.Equal(t, "claude", body.Get("recommended_engine").String())
}

func TestDecisionFeed_ClientDisconnect(t *testing.T) {
	feed := NewDecisionFeed()
	conn := dialFeed(t, feed)
	waitForClients(t, feed, 1)

	conn.Close()
	waitForClients(t, feed, 0)

	// Broadcasting into an empty feed is a no-op.
	feed.Broadcast(&router.Decision{ID: "dec-2"})
}

func TestDecisionFeed_NoClients(t *testing.T) {
	feed := NewDecisionFeed()
	assert.Zero(t, feed.ClientCount())
	feed.Broadcast(&router.Decision{ID: "dec-3"})
}
