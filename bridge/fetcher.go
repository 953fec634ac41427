package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Family restricts the address family used to dial a request.
type Family int

const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) network() string {
	switch f {
	case FamilyIPv4:
		return "tcp4"
	case FamilyIPv6:
		return "tcp6"
	}
	return "tcp"
}

// Fetcher performs single timed JSON requests. It never retries.
type Fetcher struct {
	clients map[Family]*http.Client
}

// Doer is the part of Fetcher the rest of the module depends on.
type Doer interface {
	Fetch(ctx context.Context, method, url string, body any, timeout time.Duration, family Family) (json.RawMessage, error)
}

func NewFetcher() *Fetcher {
	f := &Fetcher{clients: make(map[Family]*http.Client)}
	for _, family := range []Family{FamilyAny, FamilyIPv4, FamilyIPv6} {
		f.clients[family] = newClient(family)
	}
	return f
}

func newClient(family Family) *http.Client {
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, family.network(), addr)
	}
	return &http.Client{Transport: transport}
}

// Fetch issues method against url and decodes the JSON response.
//
// A response with a body is returned even when the status is not 200; the
// caller inspects it for an error envelope. An empty body with a non-200
// status yields *HTTPStatusError, and a failure to reach the server yields
// *TransportError. An empty 200 response returns a nil message.
func (f *Fetcher) Fetch(ctx context.Context, method, url string, body any, timeout time.Duration, family Family) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client, ok := f.clients[family]
	if !ok {
		client = f.clients[FamilyAny]
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Code: transportCode(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Code: transportCode(err), Err: err}
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		if resp.StatusCode != http.StatusOK {
			return nil, &HTTPStatusError{
				Method:     method,
				URL:        url,
				Status:     resp.StatusCode,
				StatusText: http.StatusText(resp.StatusCode),
			}
		}
		return nil, nil
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%s %s: %w: invalid json (status %d)", method, url, ErrUnexpectedResponse, resp.StatusCode)
	}

	return json.RawMessage(data), nil
}
