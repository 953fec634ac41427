package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"huehub/bridge"
	"huehub/config"
	"huehub/discovery"
	"huehub/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

const bridgeID = "001788FFFE123456"

type message struct {
	subject string
	data    []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]nats.MsgHandler
	published []message
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]nats.MsgHandler)}
}

func (b *fakeBroker) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, message{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (b *fakeBroker) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = cb
	return nil, nil
}

func (b *fakeBroker) handler(subject string) (nats.MsgHandler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handlers[subject]; ok {
		return h, true
	}
	for pattern, h := range b.handlers {
		prefix, ok := strings.CutSuffix(pattern, ".*")
		if ok && strings.HasPrefix(subject, prefix+".") && !strings.Contains(subject[len(prefix)+1:], ".") {
			return h, true
		}
	}
	return nil, false
}

func (b *fakeBroker) messages(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.published {
		if m.subject == subject {
			out = append(out, m.data)
		}
	}
	return out
}

func (b *fakeBroker) deliver(t *testing.T, subject string, body any) {
	t.Helper()
	h, ok := b.handler(subject)
	require.True(t, ok, "no subscription for %s", subject)
	data, err := json.Marshal(body)
	require.NoError(t, err)
	h(&nats.Msg{Subject: subject, Data: data})
}

type response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (b *fakeBroker) request(t *testing.T, subject string, body any) response {
	t.Helper()
	h, ok := b.handler(subject)
	require.True(t, ok, "no subscription for %s", subject)

	data, err := json.Marshal(body)
	require.NoError(t, err)
	reply := "_INBOX." + uuid.NewString()
	h(&nats.Msg{Subject: subject, Reply: reply, Data: data})

	replies := b.messages(reply)
	require.Len(t, replies, 1)
	var resp response
	require.NoError(t, json.Unmarshal(replies[0], &resp))
	return resp
}

type fakeBus struct {
	mu       sync.Mutex
	retained map[string][]byte
	handlers map[string]mqtt.MessageHandler
}

func newFakeBus() *fakeBus {
	return &fakeBus{retained: make(map[string][]byte), handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBus) PublishMessage(topic string, _ byte, retained bool, payload interface{}) error {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if retained {
		b.retained[topic] = data
	}
	return nil
}

func (b *fakeBus) AddSubscriptionTopic(topic string, _ byte, handler mqtt.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

func (b *fakeBus) retainedMessage(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.retained[topic]
	return data, ok
}

func (b *fakeBus) handler(topic string) (mqtt.MessageHandler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handlers[topic]
	return h, ok
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeStore struct {
	mu        sync.Mutex
	bridges   map[string]models.BridgeRecord
	resources map[uuid.UUID]models.ResourceRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bridges:   make(map[string]models.BridgeRecord),
		resources: make(map[uuid.UUID]models.ResourceRecord),
	}
}

func (s *fakeStore) SaveBridge(_ context.Context, b models.BridgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridges[b.ID] = b
	return nil
}

func (s *fakeStore) LoadBridges(context.Context) ([]models.BridgeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BridgeRecord
	for _, b := range s.bridges {
		out = append(out, b)
	}
	return out, nil
}

func (s *fakeStore) DeleteBridge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bridges, id)
	for key, r := range s.resources {
		if r.BridgeID == id {
			delete(s.resources, key)
		}
	}
	return nil
}

func (s *fakeStore) CreateResource(_ context.Context, r models.ResourceRecord) (*models.ResourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.UUID = uuid.New()
	s.resources[r.UUID] = r
	return &r, nil
}

func (s *fakeStore) DeleteResource(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[id]; !ok {
		return ErrResourceNotFound
	}
	delete(s.resources, id)
	return nil
}

func (s *fakeStore) LoadResources(context.Context) ([]models.ResourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ResourceRecord
	for _, r := range s.resources {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) bridge(id string) (models.BridgeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridges[id]
	return b, ok
}

func (s *fakeStore) resourceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

type hueRequest struct {
	Method string
	Path   string
	Body   string
}

// hueServer answers like a paired bridge for any username.
type hueServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	lights   string
	requests []hueRequest
}

func newHueServer(t *testing.T) *hueServer {
	t.Helper()
	s := &hueServer{lights: `{}`}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *hueServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, hueRequest{Method: r.Method, Path: r.URL.Path, Body: string(body)})
	lights := s.lights
	s.mu.Unlock()

	path := r.URL.Path
	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && path == "/api/config":
		_, _ = w.Write([]byte(`{"name":"Philips hue","bridgeid":"001788fffe123456","modelid":"BSB002","apiversion":"1.20.0"}`))
	case r.Method == http.MethodPost && path == "/api":
		_, _ = w.Write([]byte(`[{"success":{"username":"newuser"}}]`))
	case r.Method == http.MethodGet && len(segments) == 2:
		_, _ = w.Write([]byte(`{"config":{"name":"Philips hue","bridgeid":"001788FFFE123456","mac":"00:17:88:12:34:56",` +
			`"ipaddress":"192.168.1.2","gateway":"192.168.1.1","proxyaddress":"none",` +
			`"whitelist":{"u":{"name":"huehub-pi"}}},"lights":{}}`))
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/config"):
		_, _ = w.Write([]byte(`{"name":"Philips hue","bridgeid":"001788FFFE123456","UTC":"2026-10-19T10:00:00"}`))
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/lights"):
		_, _ = w.Write([]byte(lights))
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/groups"):
		_, _ = w.Write([]byte(`{}`))
	case r.Method == http.MethodPut:
		_, _ = w.Write([]byte(`[{"success":{}}]`))
	case r.Method == http.MethodDelete:
		_, _ = w.Write([]byte(`[{"success":"deleted"}]`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *hueServer) host() string { return strings.TrimPrefix(s.srv.URL, "http://") }

func (s *hueServer) setLights(lights string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lights = lights
}

func (s *hueServer) find(method, path string) []hueRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hueRequest
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func testConfig() config.HueConfig {
	return config.HueConfig{
		Heartrate:        1,
		Timeout:          5,
		ParallelRequests: 10,
		WaitTimeResend:   300,
		Lights:           true,
		Groups:           true,
	}
}

func newTestHub(t *testing.T, cfg config.HueConfig, store *fakeStore) (*HueHub, *fakeBroker, *fakeBus) {
	t.Helper()
	broker, bus := newFakeBroker(), newFakeBus()
	h, err := newHueHub(cfg, bus, broker, store, []discovery.Portal{})
	require.NoError(t, err)
	h.beat = time.Hour
	t.Cleanup(h.Stop)
	return h, broker, bus
}

// storedBridge seeds a paired, enabled bridge living at hue.
func storedBridge(store *fakeStore, hue *hueServer) {
	store.bridges[bridgeID] = models.BridgeRecord{
		ID:        bridgeID,
		Name:      "Philips hue",
		Host:      hue.host(),
		Model:     "BSB002",
		Username:  "u",
		Enabled:   true,
		Heartrate: 1,
	}
}

// waitConnection waits until the bridge is known and its exposed resources
// are attached to it.
func waitConnection(t *testing.T, h *HueHub) *bridge.Connection {
	t.Helper()
	var conn *bridge.Connection
	require.Eventually(t, func() bool {
		var ok bool
		conn, ok = h.coordinator.Connection(bridgeID)
		return ok && attached(h, conn)
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func attached(h *HueHub, conn *bridge.Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.resources {
		if r.record.BridgeID != conn.ID() {
			continue
		}
		if _, ok := conn.Registry().Lookup(r.kind, r.record.ResourceID); !ok {
			return false
		}
	}
	return true
}

func poll(h *HueHub) {
	h.coordinator.Heartbeat(context.Background(), 1)
	h.coordinator.Wait()
}
