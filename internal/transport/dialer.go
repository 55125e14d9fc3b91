package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

// WorkflowPlaceholder is substituted with the escaped workflow id in Config.Endpoint.
const WorkflowPlaceholder = "{workflow_id}"

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens one physical connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with github.com/coder/websocket.
type WebsocketDialer struct {
	Header    http.Header
	Client    *http.Client
	ReadLimit int64
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, u string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: d.Client,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}

// EndpointFor resolves the websocket URL for a workflow. When the endpoint has
// no placeholder the id is appended as the last path segment.
func EndpointFor(endpoint, workflowID string) string {
	id := url.PathEscape(workflowID)
	if strings.Contains(endpoint, WorkflowPlaceholder) {
		return strings.ReplaceAll(endpoint, WorkflowPlaceholder, id)
	}
	return strings.TrimRight(endpoint, "/") + "/" + id
}
