package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"huehub/bridge"
	"huehub/config"
	"huehub/discovery"
	"huehub/logger"
	"huehub/metrics"
	"huehub/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	appName      = "huehub"
	beatInterval = time.Second
	storeTimeout = 5 * time.Second
)

// Broker is the part of *nats.Conn the hub uses.
type Broker interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// MessageBus is the part of services.MqttService the hub uses.
type MessageBus interface {
	PublishMessage(topic string, qos byte, retained bool, payload interface{}) error
	AddSubscriptionTopic(topic string, qos byte, handler mqtt.MessageHandler)
	Unsubscribe(topic string) error
}

// HueHub connects the bridge connections to the rest of the platform: it
// restores and persists bridges, drives the heartbeat, mirrors polled
// resources to NATS shadows and MQTT, and turns shadow deltas into bridge
// writes.
type HueHub struct {
	mu sync.Mutex

	// bridge id: persisted row, applied when the bridge is verified
	saved map[string]models.BridgeRecord

	// uuid: exposed resource
	resources map[string]*resource

	subscriptions []*nats.Subscription

	cfg         config.HueConfig
	coordinator *discovery.Coordinator
	fetcher     bridge.Doer
	metrics     *metrics.Metrics
	beat        time.Duration

	mqtt  MessageBus
	nc    Broker
	store Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewHueHub(cfg config.HueConfig, mqtt MessageBus, nc Broker, store Store) (*HueHub, error) {
	return newHueHub(cfg, mqtt, nc, store, discovery.DefaultPortals)
}

func newHueHub(cfg config.HueConfig, mqtt MessageBus, nc Broker, store Store, portals []discovery.Portal) (*HueHub, error) {
	if mqtt == nil {
		return nil, errors.New("mqtt service cannot be nil")
	}
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}

	hub := &HueHub{
		saved:     make(map[string]models.BridgeRecord),
		resources: make(map[string]*resource),

		subscriptions: make([]*nats.Subscription, 0),

		cfg:     cfg,
		fetcher: bridge.NewFetcher(),
		beat:    beatInterval,

		mqtt:  mqtt,
		nc:    nc,
		store: store,

		ctx:    context.Background(),
		logger: logger.WithComponent("hue-hub"),
	}

	var local []discovery.Searcher
	var listeners []discovery.Listener
	if cfg.SSDP {
		local = append(local, &discovery.SSDPSearcher{})
		listeners = append(listeners, &discovery.SSDPListener{})
	}
	if cfg.MDNS {
		listeners = append(listeners, &discovery.MDNSListener{})
	}

	coordinator, err := discovery.NewCoordinator(discovery.Options{
		Hosts:     cfg.Hosts,
		Portals:   portals,
		Local:     local,
		Listeners: listeners,
		Factory:   hub.newConnection,
		Added:     hub.connectionAdded,
		Fetcher:   hub.fetcher,
		Timeout:   cfg.RequestTimeout(),
		Logger:    logger.GetLogger(),
	})
	if err != nil {
		return nil, err
	}
	hub.coordinator = coordinator
	hub.metrics = metrics.New(coordinator)

	return hub, nil
}

// newConnection is the discovery factory. Persisted credentials are
// attached before the connection is first used.
func (h *HueHub) newConnection(identity bridge.Identity) *bridge.Connection {
	hostname, _ := os.Hostname()
	registry := bridge.NewRegistry()
	conn := bridge.NewConnection(identity, bridge.Options{
		Timeout:          h.cfg.RequestTimeout(),
		ParallelRequests: h.cfg.ParallelRequests,
		Heartrate:        h.cfg.Heartrate,
		WaitTimeResend:   time.Duration(h.cfg.WaitTimeResend) * time.Millisecond,
		Resources: bridge.ResourceFlags{
			Lights:    h.cfg.Lights,
			Groups:    h.cfg.Groups,
			Group0:    h.cfg.Group0,
			Sensors:   h.cfg.Sensors,
			Schedules: h.cfg.Schedules,
			Rules:     h.cfg.Rules,
		},
		AppName:  appName,
		Hostname: hostname,
		Fetcher:  h.fetcher,
		Registry: registry,
		Listener: h,
		Logger:   logger.WithComponent("bridge"),
	})

	h.mu.Lock()
	saved, known := h.saved[identity.ID]
	h.mu.Unlock()

	if known {
		conn.Restore(saved.Username, saved.Enabled, saved.Heartrate)
	}
	return conn
}

// connectionAdded runs once the coordinator has registered a new
// connection. Exposed resources are attached under h.mu, so a concurrent
// expose either sees the connection or is seen here.
func (h *HueHub) connectionAdded(conn *bridge.Connection) {
	h.mu.Lock()
	_, known := h.saved[conn.ID()]
	for _, r := range h.resources {
		if r.record.BridgeID == conn.ID() {
			conn.Registry().Register(r.kind, r.record.ResourceID, r)
		}
	}
	h.mu.Unlock()

	if !known && h.cfg.AutoEnable {
		conn.Enable()
	}
}

// BridgeChanged publishes the bridge status and, unless the change is only
// a completed poll, persists the bridge.
func (h *HueHub) BridgeChanged(state bridge.State) {
	status := bridgeStatus(state)
	data, err := json.Marshal(status)
	if err != nil {
		h.logger.Error().Err(err).Msg("Marshal bridge status error")
		return
	}

	topic := fmt.Sprintf("hue/%v/state", state.ID)
	if err := h.mqtt.PublishMessage(topic, 1, true, data); err != nil {
		h.logger.Debug().Err(err).Str("topic", topic).Msg("Failed to publish bridge state")
	}
	if state.Config != nil {
		return
	}

	record := models.BridgeRecord{
		ID:           state.ID,
		Name:         state.Name,
		Host:         state.Host,
		Manufacturer: state.Manufacturer,
		Model:        state.Model,
		Username:     state.Username,
		Enabled:      state.Enabled,
		Heartrate:    state.Heartrate,
		UpdatedAt:    time.Now(),
	}
	h.mu.Lock()
	h.saved[state.ID] = record
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.SaveBridge(ctx, record); err != nil {
		h.logger.Error().Err(err).Str("bridge", state.ID).Msg("Failed to save bridge")
	}

	if err := h.nc.Publish(HueBridgeChanged, data); err != nil {
		h.logger.Error().Err(err).Str("subject", HueBridgeChanged).Msg("Failed to publish to NATS")
	}
}

func bridgeStatus(state bridge.State) models.BridgeStatus {
	return models.BridgeStatus{
		ID:           state.ID,
		Name:         state.Name,
		Host:         state.Host,
		Manufacturer: state.Manufacturer,
		Model:        state.Model,
		APIVersion:   state.FirmwareVersion,
		Paired:       state.Paired,
		Enabled:      state.Enabled,
		Heartrate:    state.Heartrate,
		LastUpdated:  state.LastUpdated,
	}
}

// Metrics returns the hub's Prometheus registry and counters.
func (h *HueHub) Metrics() *metrics.Metrics { return h.metrics }

func (h *HueHub) bridgeStatuses() []models.BridgeStatus {
	conns := h.coordinator.Connections()
	out := make([]models.BridgeStatus, 0, len(conns))
	for _, conn := range conns {
		out = append(out, bridgeStatus(conn.State()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// init loads the persisted bridges and resources. Bridges are only resumed
// once verified again, so the rows are kept for the factory.
func (h *HueHub) init(ctx context.Context) ([]models.BridgeRecord, error) {
	bridges, err := h.store.LoadBridges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load bridges: %w", err)
	}
	h.mu.Lock()
	for _, b := range bridges {
		h.saved[b.ID] = b
	}
	h.mu.Unlock()

	resources, err := h.store.LoadResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}
	for _, record := range resources {
		if _, err := h.expose(record); err != nil {
			h.logger.Warn().Err(err).Str("uuid", record.UUID.String()).Msg("Skipping stored resource")
		}
	}

	h.logger.Info().Int("bridges", len(bridges)).Int("resources", len(resources)).Msg("Restored state")
	return bridges, nil
}

func (h *HueHub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	bridges, err := h.init(h.ctx)
	if err != nil {
		h.cancel()
		return err
	}

	h.subscribe("request.hue.bridge.*", h.bridgeRequestHandler())
	h.subscribe("request.hue.resource.*", h.resourceRequestHandler())

	h.coordinator.Start(h.ctx)
	for _, b := range bridges {
		if b.Host == "" {
			continue
		}
		go func() {
			candidate := discovery.Candidate{ID: b.ID, Host: b.Host, Source: "store"}
			if _, err := h.coordinator.FoundBridge(h.ctx, candidate); err != nil {
				h.logger.Warn().Err(err).Str("bridge", b.ID).Str("host", b.Host).Msg("Stored bridge not reachable")
			}
		}()
	}

	h.wg.Add(1)
	go h.run()
	return nil
}

func (h *HueHub) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.beat)
	defer ticker.Stop()

	beat := 0
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			beat++
			h.coordinator.Heartbeat(h.ctx, beat)
		}
	}
}

// Stop ends the heartbeat, waits for running poll cycles and drops all
// subscriptions.
func (h *HueHub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.coordinator.Wait()

	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = nil
	resources := make([]*resource, 0, len(h.resources))
	for _, r := range h.resources {
		resources = append(resources, r)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Debug().Err(err).Msg("Failed to unsubscribe")
		}
	}
	for _, r := range resources {
		h.teardown(r)
	}
	h.logger.Info().Msg("Hue hub stopped")
}

func (h *HueHub) subscribe(subject string, handler nats.MsgHandler) {
	sub, err := h.nc.Subscribe(subject, handler)
	if err != nil {
		h.logger.Error().Err(err).Str("subject", subject).Msg("NATS subscribe error")
		return
	}
	h.mu.Lock()
	h.subscriptions = append(h.subscriptions, sub)
	h.mu.Unlock()
}

func (h *HueHub) publishEvent(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Str("subject", subject).Msg("Marshal event error")
		return
	}
	if err := h.nc.Publish(subject, data); err != nil {
		h.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish to NATS")
	}
}
