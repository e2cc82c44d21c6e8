package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
)

// HTTPPersister is the client-side counterpart of the relay's turn
// persistence endpoint. It satisfies the graph store's Persister contract so
// a remote client's appends flow through the relay.
type HTTPPersister struct {
	BaseURL string
	Client  *http.Client
}

var _ chatgraph.Persister = &HTTPPersister{}

func (p *HTTPPersister) httpClient() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *HTTPPersister) PersistTurn(ctx context.Context, g *chatgraph.MessageGroup) (*chatgraph.PersistedTurn, error) {
	body, err := json.Marshal(g)
	if err != nil {
		return nil, errors.Wrap(err, "marshal turn")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/turns", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build persist request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient().Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "persist turn")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("persist endpoint returned %d: %s", resp.StatusCode, string(b))
	}
	var persisted chatgraph.PersistedTurn
	if err := json.NewDecoder(resp.Body).Decode(&persisted); err != nil {
		return nil, errors.Wrap(err, "decode persist response")
	}
	return &persisted, nil
}

// HTTPPartLoader fetches content parts from the relay's lazy-load endpoint.
type HTTPPartLoader struct {
	BaseURL string
	Client  *http.Client
}

var _ chatgraph.ContentLoader = &HTTPPartLoader{}

func (l *HTTPPartLoader) httpClient() *http.Client {
	if l.Client != nil {
		return l.Client
	}
	return http.DefaultClient
}

func (l *HTTPPartLoader) LoadParts(ctx context.Context, id chatgraph.MessageID) ([]*chatgraph.ContentPart, error) {
	u := fmt.Sprintf("%s/api/messages/%s/parts", l.BaseURL, url.PathEscape(string(id)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build parts request")
	}
	resp, err := l.httpClient().Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch parts")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("parts endpoint returned %d", resp.StatusCode)
	}
	var parts []*chatgraph.ContentPart
	if err := json.NewDecoder(resp.Body).Decode(&parts); err != nil {
		return nil, errors.Wrap(err, "decode parts response")
	}
	return parts, nil
}
