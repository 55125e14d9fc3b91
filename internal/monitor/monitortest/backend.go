// Package monitortest provides an in-process workflow backend for tests: a
// websocket endpoint per workflow plus the REST fallback routes.
package monitortest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/rendis/invoiceflow/internal/transport"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// Backend is a fake workflow backend.
type Backend struct {
	Server *httptest.Server
	mux    *http.ServeMux

	received  chan schema.Message
	connected chan string

	mu      sync.Mutex
	current *websocket.Conn
}

// NewBackend starts a backend that is closed with t.
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		mux:       http.NewServeMux(),
		received:  make(chan schema.Message, 128),
		connected: make(chan string, 16),
	}
	b.mux.HandleFunc("/ws/{id}", b.serveWS)
	b.Server = httptest.NewServer(b.mux)
	t.Cleanup(b.Server.Close)
	return b
}

// Endpoint returns the websocket endpoint template.
func (b *Backend) Endpoint() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/ws/" + transport.WorkflowPlaceholder
}

// APIURL returns the REST base URL.
func (b *Backend) APIURL() string { return b.Server.URL }

// Handle registers a REST route, e.g. "GET /api/workflows/{id}/invoice".
func (b *Backend) Handle(pattern string, h http.HandlerFunc) {
	b.mux.HandleFunc(pattern, h)
}

func (b *Backend) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.current = c
	b.mu.Unlock()
	b.connected <- r.PathValue("id")

	for {
		var m schema.Message
		if err := wsjson.Read(r.Context(), c, &m); err != nil {
			return
		}
		b.received <- m
		if m.Type == schema.MessagePing {
			_ = wsjson.Write(r.Context(), c, map[string]any{"type": "pong"})
		}
	}
}

// WaitConnected blocks until a client connects and returns its workflow id.
func (b *Backend) WaitConnected(t testing.TB) string {
	t.Helper()
	select {
	case id := <-b.connected:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("no websocket connection")
		return ""
	}
}

// Push writes one frame to the connected client.
func (b *Backend) Push(t testing.TB, typ string, data map[string]any) {
	t.Helper()
	b.mu.Lock()
	c := b.current
	b.mu.Unlock()
	if c == nil {
		t.Fatal("push without a connection")
	}
	frame := map[string]any{"type": typ, "timestamp": schema.FormatTimestamp(time.Now())}
	if data != nil {
		frame["data"] = data
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, frame); err != nil {
		t.Fatalf("push %s: %v", typ, err)
	}
}

// Drop closes the current connection abnormally.
func (b *Backend) Drop() {
	b.mu.Lock()
	c := b.current
	b.current = nil
	b.mu.Unlock()
	if c != nil {
		_ = c.Close(websocket.StatusInternalError, "backend restart")
	}
}

// Expect waits for the next inbound message of type typ, skipping others.
func (b *Backend) Expect(t testing.TB, typ string) schema.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-b.received:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s message received", typ)
			return schema.Message{}
		}
	}
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t testing.TB, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
