package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"huehub/bridge"
	"huehub/models"
	"huehub/utils"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
)

// resource is a bridge resource exposed as a shadow device. It consumes
// the polled payload and collects desired state until it is written back.
type resource struct {
	hub    *HueHub
	record models.ResourceRecord
	kind   bridge.ResourceKind

	mu      sync.Mutex
	last    []byte
	pending map[string]any
	timer   *time.Timer
	sub     *nats.Subscription
}

func (r *resource) uuid() string { return r.record.UUID.String() }

// mirrorTopic is the retained MQTT copy of the polled payload.
func (r *resource) mirrorTopic() string {
	return fmt.Sprintf("hue/%v/%v/%v", r.record.BridgeID, r.kind, r.record.ResourceID)
}

func (r *resource) commandTopic() string {
	return r.mirrorTopic() + "/set"
}

// commandPath is where desired state of the resource is written.
func (r *resource) commandPath() string {
	id := r.record.ResourceID
	switch r.kind {
	case bridge.Lights:
		return "/lights/" + id + "/state"
	case bridge.Groups:
		return "/groups/" + id + "/action"
	case bridge.Sensors:
		return "/sensors/" + id + "/state"
	}
	return "/" + string(r.kind) + "/" + id
}

// Heartbeat publishes the payload when it differs from the previous poll.
func (r *resource) Heartbeat(payload json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		r.hub.logger.Debug().Err(err).Str("uuid", r.uuid()).Msg("Invalid resource payload")
		return
	}
	state := buf.Bytes()

	r.mu.Lock()
	changed := !bytes.Equal(state, r.last)
	if changed {
		r.last = state
	}
	r.mu.Unlock()

	if changed {
		r.hub.publishReported(r, state)
	}
}

// desire merges delta into the pending write. The write is sent once the
// update wait has passed since the first delta, so a burst of deltas costs
// one bridge request.
func (r *resource) desire(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	wait := time.Duration(r.hub.cfg.WaitTimeUpdate) * time.Millisecond

	r.mu.Lock()
	if r.pending == nil {
		r.pending = make(map[string]any, len(delta))
	}
	maps.Copy(r.pending, delta)
	if r.timer != nil {
		r.mu.Unlock()
		return
	}
	if wait <= 0 {
		r.mu.Unlock()
		r.flush()
		return
	}
	r.timer = time.AfterFunc(wait, r.flush)
	r.mu.Unlock()
}

func (r *resource) flush() {
	r.mu.Lock()
	body := r.pending
	r.pending = nil
	r.timer = nil
	r.mu.Unlock()

	if len(body) > 0 {
		r.hub.command(r, body)
	}
}

func (r *resource) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = nil
}

func (h *HueHub) publishReported(r *resource, state []byte) {
	subject := fmt.Sprintf("shadow.%v.reported", r.uuid())
	update := models.ShadowReport{
		DeviceUUID: r.uuid(),
		State:      state,
	}
	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Error().Err(err).Msg("Marshal update data error")
		return
	}
	if err := h.nc.Publish(subject, data); err != nil {
		h.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish to NATS")
	}
	h.metrics.Reports.WithLabelValues(r.record.BridgeID, string(r.kind)).Inc()

	if err := h.mqtt.PublishMessage(r.mirrorTopic(), 0, true, state); err != nil {
		h.logger.Debug().Err(err).Str("topic", r.mirrorTopic()).Msg("Failed to publish to MQTT")
	}
}

func (h *HueHub) command(r *resource, body map[string]any) {
	conn, ok := h.coordinator.Connection(r.record.BridgeID)
	if !ok {
		h.logger.Warn().Str("bridge", r.record.BridgeID).Str("uuid", r.uuid()).Msg("Bridge unknown, dropping command")
		return
	}
	if _, err := conn.Request(h.ctx, http.MethodPut, r.commandPath(), body); err != nil {
		h.metrics.Commands.WithLabelValues(r.record.BridgeID, "error").Inc()
		h.logger.Warn().Err(err).Str("uuid", r.uuid()).Str("path", r.commandPath()).Msg("Command failed")
		return
	}
	h.metrics.Commands.WithLabelValues(r.record.BridgeID, "ok").Inc()
}

// expose starts mirroring a resource and accepting commands for it.
func (h *HueHub) expose(record models.ResourceRecord) (*resource, error) {
	kind, ok := bridge.ParseResourceKind(record.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown resource type %q", record.Kind)
	}
	r := &resource{hub: h, record: record, kind: kind}

	h.mu.Lock()
	if existing, ok := h.resources[r.uuid()]; ok {
		h.mu.Unlock()
		return existing, nil
	}
	h.resources[r.uuid()] = r
	// looked up under h.mu; connectionAdded attaches it otherwise
	conn, connected := h.coordinator.Connection(record.BridgeID)
	h.mu.Unlock()

	subject := fmt.Sprintf("shadow.%v", r.uuid())
	sub, err := h.nc.Subscribe(subject, h.natsHandler())
	if err != nil {
		h.logger.Error().Err(err).Str("subject", subject).Msg("NATS subscribe error")
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	h.mqtt.AddSubscriptionTopic(r.commandTopic(), 0, h.mqttCommandHandler())

	if connected {
		conn.Registry().Register(kind, record.ResourceID, r)
	}
	return r, nil
}

// unexpose reverses expose.
func (h *HueHub) unexpose(r *resource) {
	h.mu.Lock()
	delete(h.resources, r.uuid())
	h.mu.Unlock()

	if conn, ok := h.coordinator.Connection(r.record.BridgeID); ok {
		conn.Registry().Unregister(r.kind, r.record.ResourceID)
	}
	h.teardown(r)
}

func (h *HueHub) teardown(r *resource) {
	r.stop()

	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Debug().Err(err).Str("subject", sub.Subject).Msg("Failed to unsubscribe")
		}
	}
	if err := h.mqtt.Unsubscribe(r.commandTopic()); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to unsubscribe from MQTT")
	}
}

func (h *HueHub) resource(uuid string) (*resource, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.resources[uuid]
	return r, ok
}

func (h *HueHub) findResource(bridgeID, kind, id string) (*resource, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.resources {
		if r.record.BridgeID == bridgeID && r.record.Kind == kind && r.record.ResourceID == id {
			return r, true
		}
	}
	return nil, false
}

func (h *HueHub) resourceRecords() []models.ResourceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ResourceRecord, 0, len(h.resources))
	for _, r := range h.resources {
		out = append(out, r.record)
	}
	return out
}

// natsHandler turns the delta of a shadow.<uuid> update into a command.
func (h *HueHub) natsHandler() nats.MsgHandler {
	return func(msg *nats.Msg) {
		deviceUUID := utils.GetSubjectN(msg.Subject, 1)

		var shadow models.Shadow
		if err := json.Unmarshal(msg.Data, &shadow); err != nil {
			h.logger.Error().Err(err).Msg("Unmarshal shadow data error")
			return
		}
		if len(shadow.State.Delta) == 0 {
			return
		}

		r, ok := h.resource(deviceUUID)
		if !ok {
			h.logger.Error().Str("uuid", deviceUUID).Msg("Resource not found by uuid")
			return
		}
		r.desire(shadow.State.Delta)
	}
}

// mqttCommandHandler accepts desired state on hue/<bridge>/<type>/<id>/set.
func (h *HueHub) mqttCommandHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		bridgeID := utils.GetTopicN(msg.Topic(), 1)
		kind := utils.GetTopicN(msg.Topic(), 2)
		id := utils.GetTopicN(msg.Topic(), 3)

		r, ok := h.findResource(bridgeID, kind, id)
		if !ok {
			h.logger.Error().Str("topic", msg.Topic()).Msg("Resource not found by topic")
			return
		}

		var delta map[string]any
		if err := json.Unmarshal(msg.Payload(), &delta); err != nil {
			h.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("Unmarshal command data error")
			return
		}
		r.desire(delta)
	}
}
