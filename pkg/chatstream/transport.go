package chatstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// Transport dials the shared inbound connection. Connect must resolve once
// response headers have been received (connection established, no data yet)
// and must honor ctx for both dial timeout and teardown.
type Transport interface {
	Connect(ctx context.Context, connectionID string) (io.ReadCloser, error)
}

// DispatchRequest is the outbound request/response call that starts one
// generation stream. It travels over a normal HTTP round trip, not over the
// shared connection.
type DispatchRequest struct {
	ConnectionID string         `json:"connectionId"`
	StreamID     string         `json:"streamId"`
	TargetID     string         `json:"targetId"`
	Args         map[string]any `json:"args,omitempty"`
}

// MessageRef is the persisted message skeleton the dispatch endpoint returns
// synchronously; deltas for the stream arrive later on the shared connection.
type MessageRef struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId"`
	Role      string `json:"role"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*MessageRef, error)
}

// HTTPTransport opens the shared connection against a relay's stream
// endpoint. The response body delivers newline-terminated frames.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

func (t *HTTPTransport) httpClient() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *HTTPTransport) Connect(ctx context.Context, connectionID string) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/api/stream?connectionId=%s", t.BaseURL, url.QueryEscape(connectionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build stream request")
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := t.httpClient().Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "dial shared connection")
	}
	if resp.StatusCode/100 != 2 {
		_ = resp.Body.Close()
		return nil, errors.Errorf("shared connection endpoint returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// HTTPDispatcher issues generation requests against a relay's chat endpoint.
type HTTPDispatcher struct {
	BaseURL string
	Client  *http.Client
}

var _ Dispatcher = (*HTTPDispatcher)(nil)

func (d *HTTPDispatcher) httpClient() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*MessageRef, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal dispatch request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build dispatch request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient().Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "dispatch request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("dispatch endpoint returned %d: %s", resp.StatusCode, string(b))
	}
	var ref MessageRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, errors.Wrap(err, "decode dispatch response")
	}
	return &ref, nil
}
