package panel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/invoiceflow/internal/journal"
	"github.com/rendis/invoiceflow/internal/metrics"
	"github.com/rendis/invoiceflow/internal/monitor"
	"github.com/rendis/invoiceflow/internal/monitor/monitortest"
	"github.com/rendis/invoiceflow/internal/transport"
	"github.com/rendis/invoiceflow/pkg/schema"
)

type fixture struct {
	backend *monitortest.Backend
	mon     *monitor.Monitor
	srv     *httptest.Server
}

func newFixture(t *testing.T, withJournal bool) *fixture {
	t.Helper()
	b := monitortest.NewBackend(t)
	mc := metrics.NewCollector()
	opts := []monitor.Option{monitor.WithMetrics(mc)}

	var j *journal.Journal
	if withJournal {
		var err error
		j, err = journal.Open(context.Background(), "file:"+filepath.Join(t.TempDir(), "journal.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = j.Close() })
		opts = append(opts, monitor.WithJournal(j))
	}

	m, err := monitor.New("wf-1", transport.Config{Endpoint: b.Endpoint(), HeartbeatInterval: -1}, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	require.True(t, m.Start(context.Background()))
	b.WaitConnected(t)
	b.Expect(t, schema.MessageRequestStatus)

	srv := httptest.NewServer(NewPanelServer(PanelDeps{Monitor: m, Journal: j, Metrics: mc}).Handler())
	t.Cleanup(srv.Close)
	return &fixture{backend: b, mon: m, srv: srv}
}

func (f *fixture) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (f *fixture) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestPanel_Snapshot(t *testing.T) {
	f := newFixture(t, false)
	code, body := f.get(t, "/api/snapshot")
	require.Equal(t, http.StatusOK, code)

	var snap monitor.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, "wf-1", snap.WorkflowID)
	assert.Equal(t, schema.ConnectionOpen, snap.Connection.State)
	assert.Len(t, snap.Steps.Steps, 5)
	assert.False(t, snap.Gate.Suspended)
}

func TestPanel_SubmitInput(t *testing.T) {
	f := newFixture(t, false)

	code, out := f.post(t, "/api/input", map[string]any{"field_values": map[string]any{"total": 1}})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, schema.ErrCodeNotSuspended, out["code"])

	f.backend.Push(t, "human_input_required", map[string]any{
		"fields": []any{map[string]any{"name": "total", "type": "number", "required": true}},
	})
	monitortest.Eventually(t, f.mon.Gate().Suspended, "gate suspended")

	code, out = f.post(t, "/api/input", map[string]any{"field_values": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schema.ErrCodeValidation, out["code"])

	code, out = f.post(t, "/api/input", map[string]any{"field_values": map[string]any{"total": 1200}, "notes": "ok"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, out["awaiting_ack"])
	msg := f.backend.Expect(t, schema.MessageHumanInputResponse)
	assert.Equal(t, "ok", msg.Data["notes"])
}

func TestPanel_CancelInput(t *testing.T) {
	f := newFixture(t, false)
	f.backend.Push(t, "human_input_needed", nil)
	monitortest.Eventually(t, func() bool {
		return f.mon.Gate().Suspended() && f.mon.Machine().Snapshot().Suspended
	}, "gate and steps suspended")

	code, out := f.post(t, "/api/input/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["suspended"])
	f.backend.Expect(t, schema.MessageHumanInputCancelled)

	code, body := f.get(t, "/api/snapshot")
	require.Equal(t, http.StatusOK, code)
	var snap monitor.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.False(t, snap.Gate.Suspended)
	assert.False(t, snap.Steps.Suspended, "steps and gate agree after a cancel")
	assert.Equal(t, schema.EventHumanInputCancelled, snap.Steps.LastEventType)
}

func TestSSEEventName(t *testing.T) {
	assert.Equal(t, "workflow_status", sseEventName("workflow_status"))
	assert.Equal(t, schema.EventUnknown, sseEventName("x\ndata: injected"))
	assert.Equal(t, schema.EventUnknown, sseEventName("x\r"))
	assert.Equal(t, schema.EventUnknown, sseEventName(""))
}

func TestPanel_Commands(t *testing.T) {
	f := newFixture(t, false)

	code, out := f.post(t, "/api/pause", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "pause", out["command"])
	f.backend.Expect(t, schema.MessagePauseWorkflow)

	code, _ = f.post(t, "/api/resume", nil)
	require.Equal(t, http.StatusAccepted, code)
	f.backend.Expect(t, schema.MessageResumeWorkflow)

	code, _ = f.post(t, "/api/status", nil)
	require.Equal(t, http.StatusAccepted, code)
	f.backend.Expect(t, schema.MessageRequestStatus)

	code, out = f.post(t, "/api/message", map[string]any{"input": ""})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schema.ErrCodeValidation, out["code"])

	resp, err := http.Post(f.srv.URL+"/api/message", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPanel_SSE(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/sse/events?types=status_update", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	next := func() (string, string) {
		var event, data string
		for {
			line, err := rd.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	event, _ := next()
	assert.Equal(t, "snapshot", event)

	f.backend.Push(t, "human_input_needed", nil)
	f.backend.Push(t, "status_update", map[string]any{"current_agent": "validation_agent"})
	event, data := next()
	assert.Equal(t, schema.EventWorkflowStatus, event)

	var ev schema.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "status_update", ev.RawType)
}

func TestPanel_JournalEndpoints(t *testing.T) {
	f := newFixture(t, true)
	f.backend.Push(t, "status_update", map[string]any{"current_agent": "validation_agent"})
	monitortest.Eventually(t, func() bool {
		_, body := f.get(t, "/api/events?since=0")
		return strings.Contains(string(body), "status_update")
	}, "event journaled")

	code, body := f.get(t, "/api/workflows")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"workflow_id":"wf-1"`)
}

func TestPanel_WithoutJournal(t *testing.T) {
	f := newFixture(t, false)
	code, _ := f.get(t, "/api/events")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.get(t, "/api/workflows")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPanel_InvoiceBeforeCompletion(t *testing.T) {
	f := newFixture(t, false)
	code, _ := f.get(t, "/api/invoice")
	assert.Equal(t, http.StatusConflict, code)
}

func TestPanel_Metrics(t *testing.T) {
	f := newFixture(t, false)
	code, body := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "invoiceflow_transport_connects_total")
}
