package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"huehub/bridge"
	"huehub/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startedHub runs a hub resuming one paired bridge. waitTimeUpdate is in
// milliseconds.
func startedHub(t *testing.T, waitTimeUpdate int) (*HueHub, *fakeBroker, *fakeBus, *fakeStore, *hueServer) {
	t.Helper()
	hue := newHueServer(t)
	store := newFakeStore()
	storedBridge(store, hue)

	cfg := testConfig()
	cfg.WaitTimeUpdate = waitTimeUpdate

	h, broker, bus := newTestHub(t, cfg, store)
	require.NoError(t, h.Start(context.Background()))
	waitConnection(t, h)
	return h, broker, bus, store, hue
}

func TestBridgeHeartrateRequest(t *testing.T) {
	h, broker, _, store, _ := startedHub(t, 0)

	resp := broker.request(t, "request.hue.bridge.heartrate", models.BridgeRequest{BridgeID: "001788fffe123456", Heartrate: 50})
	require.Equal(t, "success", resp.Status, resp.Message)
	assert.Equal(t, "heartrate set to 30", resp.Message)

	conn, _ := h.coordinator.Connection(bridgeID)
	assert.Equal(t, 30, conn.Heartrate())
	record, _ := store.bridge(bridgeID)
	assert.Equal(t, 30, record.Heartrate)

	resp = broker.request(t, "request.hue.bridge.heartrate", models.BridgeRequest{BridgeID: bridgeID})
	assert.Equal(t, "error", resp.Status)
}

func TestBridgeDisableAndEnableRequests(t *testing.T) {
	h, broker, _, store, hue := startedHub(t, 0)
	conn, _ := h.coordinator.Connection(bridgeID)

	resp := broker.request(t, "request.hue.bridge.disable", models.BridgeRequest{BridgeID: bridgeID})
	require.Equal(t, "success", resp.Status, resp.Message)

	assert.Len(t, hue.find("DELETE", "/api/u/config/whitelist/u"), 1)
	assert.False(t, conn.Enabled())
	assert.Empty(t, conn.Username())
	record, _ := store.bridge(bridgeID)
	assert.False(t, record.Enabled)
	assert.Empty(t, record.Username)

	resp = broker.request(t, "request.hue.bridge.enable", models.BridgeRequest{BridgeID: bridgeID})
	require.Equal(t, "success", resp.Status, resp.Message)

	var status models.BridgeStatus
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.True(t, status.Enabled)
	assert.False(t, status.Paired)
	assert.True(t, conn.Enabled())
}

func TestBridgeListRequest(t *testing.T) {
	_, broker, _, _, hue := startedHub(t, 0)

	resp := broker.request(t, "request.hue.bridge.list", nil)
	require.Equal(t, "success", resp.Status)

	var statuses []models.BridgeStatus
	require.NoError(t, json.Unmarshal(resp.Data, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, bridgeID, statuses[0].ID)
	assert.Equal(t, hue.host(), statuses[0].Host)
	assert.Equal(t, "Philips", statuses[0].Manufacturer)
}

func TestBridgeRequestErrors(t *testing.T) {
	_, broker, _, _, _ := startedHub(t, 0)

	resp := broker.request(t, "request.hue.bridge.enable", models.BridgeRequest{BridgeID: "0017880000000000"})
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "unknown bridge")

	resp = broker.request(t, "request.hue.bridge.reboot", models.BridgeRequest{BridgeID: bridgeID})
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "unknown bridge action")

	resp = broker.request(t, "request.hue.bridge.dump", models.BridgeRequest{BridgeID: bridgeID})
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "not configured")
}

func exposeLight(t *testing.T, broker *fakeBroker, kind, id string) models.ResourceRecord {
	t.Helper()
	resp := broker.request(t, "request.hue.resource.expose",
		models.ResourceRequest{BridgeID: "001788fffe123456", Type: kind, ID: id, Name: "Desk"})
	require.Equal(t, "success", resp.Status, resp.Message)

	var record models.ResourceRecord
	require.NoError(t, json.Unmarshal(resp.Data, &record))
	return record
}

func TestExposeResource(t *testing.T) {
	h, broker, bus, store, _ := startedHub(t, 0)

	record := exposeLight(t, broker, "lights", "1")
	assert.NotEqual(t, uuid.Nil, record.UUID)
	assert.Equal(t, bridgeID, record.BridgeID)
	assert.Equal(t, 1, store.resourceCount())

	conn, _ := h.coordinator.Connection(bridgeID)
	_, ok := conn.Registry().Lookup(bridge.Lights, "1")
	assert.True(t, ok)
	_, ok = bus.handler("hue/" + bridgeID + "/lights/1/set")
	assert.True(t, ok)
	_, ok = broker.handler("shadow." + record.UUID.String())
	assert.True(t, ok)
	assert.Len(t, broker.messages(HueResourceCreated), 1)

	again := exposeLight(t, broker, "lights", "1")
	assert.Equal(t, record.UUID, again.UUID)
	assert.Equal(t, 1, store.resourceCount())
}

func TestExposeValidation(t *testing.T) {
	_, broker, _, store, _ := startedHub(t, 0)

	for name, req := range map[string]models.ResourceRequest{
		"unknown type":   {BridgeID: bridgeID, Type: "scenes", ID: "1"},
		"missing id":     {BridgeID: bridgeID, Type: "lights"},
		"unknown bridge": {BridgeID: "0017880000000000", Type: "lights", ID: "1"},
	} {
		t.Run(name, func(t *testing.T) {
			resp := broker.request(t, "request.hue.resource.expose", req)
			assert.Equal(t, "error", resp.Status)
		})
	}
	assert.Equal(t, 0, store.resourceCount())
}

func TestShadowDeltasAreCoalesced(t *testing.T) {
	_, broker, _, _, hue := startedHub(t, 50)
	record := exposeLight(t, broker, "lights", "1")

	subject := "shadow." + record.UUID.String()
	broker.deliver(t, subject, models.Shadow{State: models.State{Delta: map[string]any{"on": true}}})
	broker.deliver(t, subject, models.Shadow{State: models.State{Delta: map[string]any{"bri": 100}}})
	broker.deliver(t, subject, models.Shadow{})

	require.Eventually(t, func() bool {
		return len(hue.find("PUT", "/api/u/lights/1/state")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	puts := hue.find("PUT", "/api/u/lights/1/state")
	require.Len(t, puts, 1)
	assert.JSONEq(t, `{"on":true,"bri":100}`, puts[0].Body)
}

func TestMqttSetCommand(t *testing.T) {
	h, broker, bus, _, hue := startedHub(t, 0)
	exposeLight(t, broker, "groups", "3")

	topic := "hue/" + bridgeID + "/groups/3/set"
	handler, ok := bus.handler(topic)
	require.True(t, ok)
	handler(nil, &fakeMessage{topic: topic, payload: []byte(`{"on":false}`)})

	puts := hue.find("PUT", "/api/u/groups/3/action")
	require.Len(t, puts, 1)
	assert.JSONEq(t, `{"on":false}`, puts[0].Body)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Metrics().Commands.WithLabelValues(bridgeID, "ok")))
}

func TestUnexposeResource(t *testing.T) {
	h, broker, bus, store, _ := startedHub(t, 0)
	record := exposeLight(t, broker, "lights", "1")

	resp := broker.request(t, "request.hue.resource.unexpose", models.ResourceRequest{UUID: record.UUID.String()})
	require.Equal(t, "success", resp.Status, resp.Message)

	assert.Equal(t, 0, store.resourceCount())
	conn, _ := h.coordinator.Connection(bridgeID)
	_, ok := conn.Registry().Lookup(bridge.Lights, "1")
	assert.False(t, ok)
	_, ok = bus.handler("hue/" + bridgeID + "/lights/1/set")
	assert.False(t, ok)
	assert.Len(t, broker.messages(HueResourceDeleted), 1)

	resp = broker.request(t, "request.hue.resource.unexpose", models.ResourceRequest{UUID: record.UUID.String()})
	assert.Equal(t, "error", resp.Status)
	resp = broker.request(t, "request.hue.resource.unexpose", models.ResourceRequest{UUID: "not-a-uuid"})
	assert.Equal(t, "error", resp.Status)
}

func TestResourceListRequest(t *testing.T) {
	_, broker, _, _, _ := startedHub(t, 0)
	exposeLight(t, broker, "lights", "1")
	exposeLight(t, broker, "sensors", "7")

	resp := broker.request(t, "request.hue.resource.list", nil)
	require.Equal(t, "success", resp.Status)
	var records []models.ResourceRecord
	require.NoError(t, json.Unmarshal(resp.Data, &records))
	assert.Len(t, records, 2)
}

func TestRemoveBridgeRequest(t *testing.T) {
	h, broker, bus, store, hue := startedHub(t, 0)
	exposeLight(t, broker, "lights", "1")

	resp := broker.request(t, "request.hue.bridge.remove", models.BridgeRequest{BridgeID: bridgeID})
	require.Equal(t, "success", resp.Status, resp.Message)

	assert.Len(t, hue.find("DELETE", "/api/u/config/whitelist/u"), 1)
	_, ok := h.coordinator.Connection(bridgeID)
	assert.False(t, ok)
	_, ok = store.bridge(bridgeID)
	assert.False(t, ok)
	assert.Equal(t, 0, store.resourceCount())
	_, ok = bus.handler("hue/" + bridgeID + "/lights/1/set")
	assert.False(t, ok)
	assert.Len(t, broker.messages(HueBridgeRemoved), 1)
}
