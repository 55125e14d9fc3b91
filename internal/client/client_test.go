package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/invoiceflow/internal/metrics"
	"github.com/rendis/invoiceflow/pkg/schema"
)

type recorded struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]any
}

type backend struct {
	mu    sync.Mutex
	calls []recorded
}

func (b *backend) record(r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	b.calls = append(b.calls, recorded{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
	b.mu.Unlock()
}

func (b *backend) last() recorded {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[len(b.calls)-1]
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	t.Helper()
	b := &backend{}
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /api/workflows/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		writeJSON(w, 200, map[string]any{"current_agent": "validation_agent", "progress_percentage": 40})
	})
	mux.HandleFunc("GET /api/workflows/{id}/validation", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		writeJSON(w, 200, map[string]any{
			"extracted_data": map[string]any{"total": "1200"},
			"issues":         []any{map[string]any{"field": "total", "message": "does not match line items"}},
		})
	})
	mux.HandleFunc("GET /api/workflows/{id}/invoice", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		if r.PathValue("id") == "missing" {
			writeJSON(w, 404, map[string]any{"detail": "invoice not generated"})
			return
		}
		writeJSON(w, 200, map[string]any{"invoice_number": "INV-1", "total": 1200})
	})
	for _, p := range []string{"human-input", "human-input/cancel", "pause", "resume", "input"} {
		mux.HandleFunc("POST /api/workflows/{id}/"+p, func(w http.ResponseWriter, r *http.Request) {
			b.record(r)
			writeJSON(w, 202, map[string]any{"status": "accepted"})
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func newClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: url, Header: http.Header{"Authorization": {"Bearer t0k"}}}, opts...)
	require.NoError(t, err)
	return c
}

func TestNew_InvalidBaseURL(t *testing.T) {
	for _, u := range []string{"", "ftp://host", "not a url", "http://"} {
		_, err := New(Config{BaseURL: u})
		assert.Error(t, err, u)
	}
}

func TestClient_Status(t *testing.T) {
	b, srv := newBackend(t)
	c := newClient(t, srv.URL+"/")

	st, err := c.Status(context.Background(), "wf 1")
	require.NoError(t, err)
	assert.Equal(t, "validation_agent", st["current_agent"])

	call := b.last()
	assert.Equal(t, "/api/workflows/wf 1/status", call.Path)
	assert.Equal(t, "Bearer t0k", call.Header.Get("Authorization"))
}

func TestClient_Posts(t *testing.T) {
	b, srv := newBackend(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, c.SubmitHumanInput(ctx, "wf-1", map[string]any{"total": 1200}, "fixed total"))
	call := b.last()
	assert.Equal(t, "/api/workflows/wf-1/human-input", call.Path)
	assert.Equal(t, "wf-1", call.Body["workflow_id"])
	assert.Equal(t, map[string]any{"total": 1200.0}, call.Body["field_values"])
	assert.Equal(t, "fixed total", call.Body["notes"])
	assert.Equal(t, "application/json", call.Header.Get("Content-Type"))

	require.NoError(t, c.CancelHumanInput(ctx, "wf-1"))
	assert.Equal(t, "/api/workflows/wf-1/human-input/cancel", b.last().Path)

	require.NoError(t, c.Pause(ctx, "wf-1"))
	assert.Equal(t, "/api/workflows/wf-1/pause", b.last().Path)

	require.NoError(t, c.Resume(ctx, "wf-1"))
	assert.Equal(t, "/api/workflows/wf-1/resume", b.last().Path)

	require.NoError(t, c.SubmitInput(ctx, "wf-1", "use the March rate"))
	assert.Equal(t, "use the March rate", b.last().Body["input"])
}

func TestClient_ValidationRequirements(t *testing.T) {
	_, srv := newBackend(t)
	c := newClient(t, srv.URL)

	req, err := c.ValidationRequirements(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", req.WorkflowID)
	fields := req.Fields()
	require.Len(t, fields, 1)
	assert.Equal(t, "total", fields[0].Name)
	assert.Equal(t, "1200", fields[0].Value)
	assert.True(t, fields[0].Required)
}

func TestClient_Invoice(t *testing.T) {
	_, srv := newBackend(t)
	c := newClient(t, srv.URL)

	raw, err := c.Invoice(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"invoice_number":"INV-1","total":1200}`, string(raw))

	_, err = c.Invoice(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Equal(t, "invoice not generated", ErrorMessage(err))
	assert.Equal(t, CircuitClosed, c.Breakers().State(EndpointInvoice), "4xx does not trip the breaker")
}

func TestClient_RequiresWorkflowID(t *testing.T) {
	_, srv := newBackend(t)
	c := newClient(t, srv.URL)
	err := c.Pause(context.Background(), "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestClient_ServerErrorsOpenCircuit(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	m := metrics.NewCollector()
	c, err := New(Config{BaseURL: srv.URL, Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}}, WithMetrics(m))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := c.Pause(ctx, "wf-1")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeFallbackFailed))
		assert.Equal(t, "boom", ErrorMessage(err))
	}
	assert.Equal(t, CircuitOpen, c.Breakers().State(EndpointPause))

	err = c.Pause(ctx, "wf-1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	mu.Lock()
	assert.Equal(t, 2, hits, "open circuit short-circuits the call")
	mu.Unlock()

	// Other endpoints keep their own circuit.
	err = c.Resume(ctx, "wf-1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeFallbackFailed))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `invoiceflow_client_failures_total{endpoint="pause"} 3`)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Status(context.Background(), "wf-1")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout), "got %v", err)
}
