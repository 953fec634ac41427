package bridge

import (
	"encoding/json"
	"sync"
)

// ResourceKind names one of the bridge resource collections.
type ResourceKind string

const (
	Lights    ResourceKind = "lights"
	Groups    ResourceKind = "groups"
	Sensors   ResourceKind = "sensors"
	Schedules ResourceKind = "schedules"
	Rules     ResourceKind = "rules"
)

// ResourceKinds lists every kind in poll order.
var ResourceKinds = []ResourceKind{Sensors, Lights, Groups, Schedules, Rules}

func ParseResourceKind(s string) (ResourceKind, bool) {
	for _, kind := range ResourceKinds {
		if string(kind) == s {
			return kind, true
		}
	}
	return "", false
}

// ResourceConsumer accepts the latest payload of one bridge resource.
type ResourceConsumer interface {
	Heartbeat(payload json.RawMessage)
}

// ConsumerFunc adapts a function to ResourceConsumer.
type ConsumerFunc func(payload json.RawMessage)

func (f ConsumerFunc) Heartbeat(payload json.RawMessage) { f(payload) }

// Registry maps bridge-assigned resource ids to local consumers. It is
// filled by whatever exposes resources; the poll cycle only reads it.
type Registry struct {
	mu        sync.RWMutex
	consumers map[ResourceKind]map[string]ResourceConsumer
}

func NewRegistry() *Registry {
	r := &Registry{consumers: make(map[ResourceKind]map[string]ResourceConsumer)}
	for _, kind := range ResourceKinds {
		r.consumers[kind] = make(map[string]ResourceConsumer)
	}
	return r
}

func (r *Registry) Register(kind ResourceKind, id string, consumer ResourceConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.consumers[kind]
	if !ok {
		m = make(map[string]ResourceConsumer)
		r.consumers[kind] = m
	}
	m[id] = consumer
}

func (r *Registry) Unregister(kind ResourceKind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers[kind], id)
}

func (r *Registry) Lookup(kind ResourceKind, id string) (ResourceConsumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[kind][id]
	return c, ok
}

func (r *Registry) Len(kind ResourceKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers[kind])
}

// Deliver hands each payload to the consumer registered under its id and
// returns how many were delivered. Ids without a consumer are skipped.
func (r *Registry) Deliver(kind ResourceKind, payloads map[string]json.RawMessage) int {
	delivered := 0
	for id, payload := range payloads {
		consumer, ok := r.Lookup(kind, id)
		if !ok {
			continue
		}
		consumer.Heartbeat(payload)
		delivered++
	}
	return delivered
}
