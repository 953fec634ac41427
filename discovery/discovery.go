// Package discovery finds bridges on the local network and through the
// vendor cloud portals, verifies them and keeps exactly one
// bridge.Connection per bridge id.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"huehub/bridge"

	"github.com/rs/zerolog"
)

// portalInterval is the number of heartbeats between cloud portal queries.
const portalInterval = 300

const uninitialisedBridgeID = "0000000000000000"

// Candidate is a possible bridge reported by one of the discovery methods.
// ID may be empty when only an address is known, e.g. for static hosts.
type Candidate struct {
	ID           string
	Host         string
	Manufacturer string
	Source       string
}

// Factory creates the connection for a newly verified bridge. It may be
// called more than once for the same bridge when candidates race; only one
// result is kept, so it must not have side effects.
type Factory func(identity bridge.Identity) *bridge.Connection

// Coordinator owns the set of known bridges.
type Coordinator struct {
	mu          sync.Mutex
	found       map[string]string // normalised id or host key -> last probed host
	connections map[string]*bridge.Connection

	hosts     []string
	portals   []Portal
	local     []Searcher
	listeners []Listener
	factory   Factory
	added     func(*bridge.Connection)
	fetcher   bridge.Doer
	timeout   time.Duration
	logger    zerolog.Logger
}

// Searcher is a local discovery method run on every portal interval.
type Searcher interface {
	Search(ctx context.Context, found func(context.Context, Candidate)) error
}

// Listener is a local discovery method that keeps reporting candidates
// until its context is cancelled.
type Listener interface {
	Listen(ctx context.Context, found func(context.Context, Candidate)) error
}

// Options configures a Coordinator.
type Options struct {
	// Hosts is the static list of bridge addresses. When set, no discovery
	// takes place.
	Hosts []string

	Portals   []Portal
	Local     []Searcher
	Listeners []Listener
	Factory   Factory
	// Added is called once for every new connection, after it has been
	// registered and outside the coordinator lock.
	Added   func(conn *bridge.Connection)
	Fetcher bridge.Doer
	Timeout time.Duration
	Logger  zerolog.Logger
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Factory == nil {
		return nil, errors.New("connection factory cannot be nil")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = bridge.NewFetcher()
	}
	if opts.Portals == nil {
		opts.Portals = DefaultPortals
	}

	return &Coordinator{
		found:       make(map[string]string),
		connections: make(map[string]*bridge.Connection),
		hosts:       opts.Hosts,
		portals:     opts.Portals,
		local:       opts.Local,
		listeners:   opts.Listeners,
		factory:     opts.Factory,
		added:       opts.Added,
		fetcher:     opts.Fetcher,
		timeout:     opts.Timeout,
		logger:      opts.Logger.With().Str("component", "discovery").Logger(),
	}, nil
}

// NormalizeID upper-cases a bridge id.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func candidateKey(c Candidate) string {
	if id := NormalizeID(c.ID); id != "" {
		return id
	}
	return "host:" + c.Host
}

// Connection returns the connection for id.
func (d *Coordinator) Connection(id string) (*bridge.Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.connections[NormalizeID(id)]
	return c, ok
}

// Connections returns all known connections.
func (d *Coordinator) Connections() []*bridge.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*bridge.Connection, 0, len(d.connections))
	for _, c := range d.connections {
		out = append(out, c)
	}
	return out
}

// StaticHosts reports whether discovery is replaced by a fixed host list.
func (d *Coordinator) StaticHosts() bool { return len(d.hosts) > 0 }

// Start probes the static hosts, or starts the local listeners and runs a
// first discovery pass.
func (d *Coordinator) Start(ctx context.Context) {
	if d.StaticHosts() {
		for _, host := range d.hosts {
			go d.report(ctx, Candidate{Host: host, Source: "config"})
		}
		return
	}
	for _, listener := range d.listeners {
		go func() {
			if err := listener.Listen(ctx, d.report); err != nil {
				d.logger.Warn().Err(err).Msg("local discovery listener stopped")
			}
		}()
	}
	go d.Discover(ctx)
}

// Heartbeat runs discovery every portalInterval beats (unless static hosts
// are configured) and then ticks every known bridge.
func (d *Coordinator) Heartbeat(ctx context.Context, beat int) {
	if beat%portalInterval == 0 && !d.StaticHosts() {
		go d.Discover(ctx)
	}
	for _, c := range d.Connections() {
		c.Heartbeat(ctx, beat)
	}
}

// Wait blocks until no poll cycle is running.
func (d *Coordinator) Wait() {
	for _, c := range d.Connections() {
		c.Wait()
	}
}

// Discover runs the local searchers and queries the cloud portals.
func (d *Coordinator) Discover(ctx context.Context) {
	for _, searcher := range d.local {
		if err := searcher.Search(ctx, d.report); err != nil {
			d.logger.Warn().Err(err).Msg("local discovery failed")
		}
	}
	if err := d.QueryPortals(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("portal discovery failed")
	}
}

func (d *Coordinator) report(ctx context.Context, c Candidate) {
	if _, err := d.FoundBridge(ctx, c); err != nil {
		d.logger.Debug().Err(err).Str("host", c.Host).Msg("candidate rejected")
	}
}

// FoundBridge verifies a candidate and creates or relocates its connection.
// A candidate already recorded at the same host is ignored and returns the
// existing connection, if any. A failed verification forgets the candidate
// so a later pass may try again.
func (d *Coordinator) FoundBridge(ctx context.Context, candidate Candidate) (*bridge.Connection, error) {
	key := candidateKey(candidate)

	d.mu.Lock()
	if host, ok := d.found[key]; ok && host == candidate.Host {
		conn := d.connections[key]
		d.mu.Unlock()
		return conn, nil
	}
	d.found[key] = candidate.Host
	d.mu.Unlock()

	conn, err := d.verify(ctx, candidate)
	if err != nil {
		d.mu.Lock()
		if d.found[key] == candidate.Host {
			delete(d.found, key)
		}
		d.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

type probeConfig struct {
	BridgeID   string `json:"bridgeid"`
	ModelID    string `json:"modelid"`
	APIVersion string `json:"apiversion"`
	Name       string `json:"name"`
}

// Probe fetches the unauthenticated config of host.
func (d *Coordinator) Probe(ctx context.Context, host string) (bridge.Identity, error) {
	url := fmt.Sprintf("http://%s/api/config", host)
	raw, err := d.fetcher.Fetch(ctx, http.MethodGet, url, nil, d.timeout, bridge.FamilyAny)
	if err != nil {
		return bridge.Identity{}, err
	}

	var config probeConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return bridge.Identity{}, fmt.Errorf("%s: %w", url, bridge.ErrUnexpectedResponse)
	}
	id := NormalizeID(config.BridgeID)
	if id == "" || id == uninitialisedBridgeID {
		return bridge.Identity{}, fmt.Errorf("%s: %w", host, bridge.ErrUninitialisedBridge)
	}

	return bridge.Identity{
		ID:              id,
		Name:            config.Name,
		Host:            host,
		Manufacturer:    bridge.Manufacturer(config.ModelID),
		Model:           config.ModelID,
		FirmwareVersion: config.APIVersion,
	}, nil
}

func (d *Coordinator) verify(ctx context.Context, candidate Candidate) (*bridge.Connection, error) {
	identity, err := d.Probe(ctx, candidate.Host)
	if err != nil {
		if errors.Is(err, bridge.ErrUninitialisedBridge) {
			d.logger.Warn().Str("host", candidate.Host).Msg("ignoring uninitialised bridge")
		}
		return nil, err
	}

	d.mu.Lock()
	d.found[identity.ID] = candidate.Host
	conn, known := d.connections[identity.ID]
	d.mu.Unlock()

	if !known {
		// the factory runs unlocked; the first verified connection wins
		created := d.factory(identity)

		d.mu.Lock()
		conn, known = d.connections[identity.ID]
		if !known {
			conn = created
			d.connections[identity.ID] = conn
		}
		d.mu.Unlock()
	}

	if !known {
		d.logger.Info().Str("bridge", identity.ID).Str("host", candidate.Host).Str("source", candidate.Source).
			Msg("found bridge")
		conn.Identify()
		if d.added != nil {
			d.added(conn)
		}
		return conn, nil
	}

	if conn.Host() != candidate.Host {
		d.logger.Info().Str("bridge", identity.ID).Str("host", candidate.Host).Msg("bridge moved")
		conn.UpdateHost(candidate.Host)
	}
	return conn, nil
}

// Remove disables a bridge, revoking its username, and forgets it.
func (d *Coordinator) Remove(ctx context.Context, id string) bool {
	id = NormalizeID(id)

	d.mu.Lock()
	conn, ok := d.connections[id]
	delete(d.connections, id)
	delete(d.found, id)
	d.mu.Unlock()

	if !ok {
		return false
	}
	conn.Wait()
	conn.Disable(ctx)
	return true
}
