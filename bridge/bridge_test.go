package bridge

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"huehub/logger"
)

// fakeBridge is a scripted bridge api. Unscripted paths answer 404 with an
// empty body.
type fakeBridge struct {
	mu       sync.Mutex
	calls    []string
	bodies   []string
	handlers map[string]http.HandlerFunc
	srv      *httptest.Server
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	f := &fakeBridge{handlers: make(map[string]http.HandlerFunc)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBridge) serve(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.bodies = append(f.bodies, string(body))
	handler := f.handlers[key]
	f.mu.Unlock()

	if handler == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	handler(w, r)
}

func (f *fakeBridge) handle(method, path string, handler http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method+" "+path] = handler
}

func (f *fakeBridge) reply(method, path, body string) {
	f.handle(method, path, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	})
}

// replies answers successive calls with successive bodies, repeating the last.
func (f *fakeBridge) replies(method, path string, bodies ...string) {
	var mu sync.Mutex
	n := 0
	f.handle(method, path, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		body := bodies[min(n, len(bodies)-1)]
		n++
		mu.Unlock()
		_, _ = w.Write([]byte(body))
	})
}

func (f *fakeBridge) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeBridge) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBridge) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return ""
	}
	return f.bodies[len(f.bodies)-1]
}

type recordingListener struct {
	mu     sync.Mutex
	states []State
}

func (l *recordingListener) BridgeChanged(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *recordingListener) last() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return State{}
	}
	return l.states[len(l.states)-1]
}

func newTestConnection(f *fakeBridge, flags ResourceFlags, listener Listener) *Connection {
	return NewConnection(Identity{
		ID:              "001788FFFE123456",
		Name:            "Philips hue",
		Host:            f.host(),
		Manufacturer:    "Philips",
		Model:           ModelHueV2,
		FirmwareVersion: "1.20.0",
	}, Options{
		Timeout:   time.Second,
		Heartrate: 5,
		Resources: flags,
		AppName:   "huehub",
		Hostname:  "pi.local",
		Listener:  listener,
		Logger:    logger.NewTestLogger(),
	})
}

const utcConfig = `{"name":"Philips hue","UTC":"2017-01-01T00:00:00","bridgeid":"001788FFFE123456"}`

func payload(s string) json.RawMessage { return json.RawMessage(s) }
