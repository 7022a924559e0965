// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/biasrouter/internal/router"
)

// DecisionFeed broadcasts every routing decision to connected websocket
// clients. It is one-way: clients only listen. Slow clients are dropped
// rather than allowed to stall the feed.
type DecisionFeed struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

const clientBuffer = 16

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is local-dashboard oriented; origin checks happen upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewDecisionFeed creates an empty feed.
func NewDecisionFeed() *DecisionFeed {
	return &DecisionFeed{clients: make(map[*websocket.Conn]chan []byte)}
}

// Broadcast sends a decision to every connected client. Never blocks: a
// client whose buffer is full is disconnected.
func (f *DecisionFeed) Broadcast(decision *router.Decision) {
	payload, err := json.Marshal(decision)
	if err != nil {
		log.Warnf("Failed to encode decision for feed: %v", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn, ch := range f.clients {
		select {
		case ch <- payload:
		default:
			log.Debug("Dropping slow decision feed client")
			delete(f.clients, conn)
			close(ch)
		}
	}
}

// Handle upgrades the request to a websocket and streams decisions until
// the client disconnects.
func (f *DecisionFeed) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Decision feed upgrade failed: %v", err)
		return
	}

	ch := make(chan []byte, clientBuffer)
	f.mu.Lock()
	f.clients[conn] = ch
	f.mu.Unlock()

	go func() {
		defer conn.Close()
		for payload := range ch {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				f.remove(conn)
				return
			}
		}
	}()

	// Reader loop only detects disconnects; inbound messages are ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.remove(conn)
				return
			}
		}
	}()
}

func (f *DecisionFeed) remove(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.clients[conn]; ok {
		delete(f.clients, conn)
		close(ch)
	}
}

// ClientCount returns the number of connected clients.
func (f *DecisionFeed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}
