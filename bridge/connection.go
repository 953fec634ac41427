package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// unreachableReportInterval limits how often persistent communication
	// failures are reported.
	unreachableReportInterval = time.Minute

	maxDeviceTypeLength = 40
	minHeartrate        = 1
	maxHeartrate        = 30
)

// Identity describes a verified bridge.
type Identity struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Host            string `json:"host"`
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`
}

// State is a snapshot of a connection handed to the Listener.
type State struct {
	Identity
	Username    string          `json:"-"`
	Paired      bool            `json:"paired"`
	Enabled     bool            `json:"enabled"`
	Heartrate   int             `json:"heartrate"`
	LastUpdated time.Time       `json:"last_updated"`
	Config      json.RawMessage `json:"-"`
}

// Listener is told about every change to a bridge's credentials, polling
// state or address, and about each successful config fetch (with Config
// set).
type Listener interface {
	BridgeChanged(state State)
}

// Options configures a Connection.
type Options struct {
	Timeout          time.Duration
	ParallelRequests int
	Heartrate        int
	WaitTimeResend   time.Duration
	Resources        ResourceFlags

	// AppName and Hostname make up the devicetype sent when pairing.
	AppName  string
	Hostname string

	Fetcher  Doer
	Registry *Registry
	Listener Listener
	Logger   zerolog.Logger
}

// Connection owns everything needed to talk to one bridge: its address,
// credentials, request gate and polling state.
type Connection struct {
	mu          sync.Mutex
	identity    Identity
	username    string
	enabled     bool
	heartrate   int
	lastUpdated time.Time
	failures    int
	lastReport  time.Time

	sequence atomic.Uint64
	pairing  sync.Mutex
	cycling  atomic.Bool
	cycles   sync.WaitGroup

	gate           *Gate
	fetcher        Doer
	registry       *Registry
	listener       Listener
	timeout        time.Duration
	waitTimeResend time.Duration
	resources      ResourceFlags
	deviceType     string
	now            func() time.Time
	logger         zerolog.Logger
}

func NewConnection(identity Identity, opts Options) *Connection {
	if opts.Fetcher == nil {
		opts.Fetcher = NewFetcher()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.AppName == "" {
		opts.AppName = "huehub"
	}
	if opts.Hostname == "" {
		opts.Hostname, _ = os.Hostname()
	}

	c := &Connection{
		identity:       identity,
		heartrate:      clampHeartrate(opts.Heartrate),
		gate:           NewGate(Parallelism(identity.Model, opts.ParallelRequests)),
		fetcher:        opts.Fetcher,
		registry:       opts.Registry,
		listener:       opts.Listener,
		timeout:        opts.Timeout,
		waitTimeResend: opts.WaitTimeResend,
		resources:      opts.Resources,
		deviceType:     DeviceType(opts.AppName, opts.Hostname),
		now:            time.Now,
		logger:         opts.Logger.With().Str("bridge", identity.ID).Logger(),
	}
	checkAPIVersion(c.logger, identity.Model, identity.FirmwareVersion)

	return c
}

// DeviceType builds the devicetype used for pairing: the app name and the
// short hostname, at most 40 characters.
func DeviceType(app, hostname string) string {
	short, _, _ := strings.Cut(hostname, ".")
	deviceType := app
	if short != "" {
		deviceType += "-" + short
	}
	if len(deviceType) > maxDeviceTypeLength {
		deviceType = deviceType[:maxDeviceTypeLength]
	}
	return deviceType
}

func clampHeartrate(n int) int {
	if n < minHeartrate || n > maxHeartrate {
		return 5
	}
	return n
}

func (c *Connection) ID() string { return c.identity.ID }

func (c *Connection) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Connection) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.Host
}

func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Connection) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Connection) Heartrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartrate
}

func (c *Connection) LastUpdated() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdated
}

// Sequence returns the number of requests issued so far.
func (c *Connection) Sequence() uint64 { return c.sequence.Load() }

func (c *Connection) Registry() *Registry { return c.registry }

func (c *Connection) Gate() *Gate { return c.gate }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Connection) stateLocked() State {
	return State{
		Identity:    c.identity,
		Username:    c.username,
		Paired:      c.username != "",
		Enabled:     c.enabled,
		Heartrate:   c.heartrate,
		LastUpdated: c.lastUpdated,
	}
}

func (c *Connection) notify(config json.RawMessage) {
	if c.listener == nil {
		return
	}
	state := c.State()
	state.Config = config
	c.listener.BridgeChanged(state)
}

// Restore re-attaches persisted credentials and polling state without
// notifying the listener.
func (c *Connection) Restore(username string, enabled bool, heartrate int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.enabled = enabled
	if heartrate != 0 {
		c.heartrate = clampHeartrate(heartrate)
	}
}

// SetHeartrate changes the poll interval in beats, clamped to 1..30.
func (c *Connection) SetHeartrate(heartrate int) int {
	if heartrate < minHeartrate {
		heartrate = minHeartrate
	}
	if heartrate > maxHeartrate {
		heartrate = maxHeartrate
	}
	c.mu.Lock()
	c.heartrate = heartrate
	c.mu.Unlock()

	c.notify(nil)
	return heartrate
}

// UpdateHost moves the bridge to a new address. Credentials and polling
// state are kept.
func (c *Connection) UpdateHost(host string) {
	c.mu.Lock()
	c.identity.Host = host
	c.mu.Unlock()

	c.Identify()
	c.notify(nil)
}

// Identify logs what the bridge is and where it lives.
func (c *Connection) Identify() {
	identity := c.Identity()
	c.logger.Info().
		Str("manufacturer", identity.Manufacturer).
		Str("model", identity.Model).
		Str("apiversion", identity.FirmwareVersion).
		Str("host", identity.Host).
		Msg("bridge identified")
	if !c.Enabled() {
		c.logger.Warn().Msg("enable bridge to start polling")
	}
}

// Enable turns polling on. A bridge that was disabled starts over from the
// unauthenticated root, so the operator is asked to authorise pairing on the
// device. Enabling an enabled bridge keeps its credentials.
func (c *Connection) Enable() {
	c.mu.Lock()
	if !c.enabled {
		c.username = ""
	}
	c.enabled = true
	paired := c.username != ""
	model := c.identity.Model
	c.mu.Unlock()

	if !paired {
		if model == ModelDeconz {
			c.logger.Warn().Msg("unlock gateway to use this bridge")
		} else {
			c.logger.Warn().Msg("press link button to use this bridge")
		}
	}
	c.notify(nil)
}

// Disable turns polling off and revokes the username on the bridge. Local
// credentials are dropped even when the revocation fails. A pairing request
// in flight is waited for, so a username it obtains is revoked as well.
func (c *Connection) Disable(ctx context.Context) {
	c.pairing.Lock()
	defer c.pairing.Unlock()

	c.mu.Lock()
	c.enabled = false
	username := c.username
	c.mu.Unlock()

	if username != "" {
		if _, err := c.Request(ctx, http.MethodDelete, "/config/whitelist/"+username, nil); err != nil {
			c.logger.Warn().Err(err).Msg("failed to delete user")
		} else {
			c.logger.Info().Str("username", username).Msg("deleted user")
		}
		c.mu.Lock()
		c.username = ""
		c.mu.Unlock()
	}
	c.notify(nil)
}

func (c *Connection) baseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.username == "" {
		return fmt.Sprintf("http://%s/api", c.identity.Host)
	}
	return fmt.Sprintf("http://%s/api/%s", c.identity.Host, c.username)
}

func (c *Connection) resourceURL(path string) string {
	if path == "" || path == "/" {
		return c.baseURL()
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL() + path
}

// Request sends one call to the bridge through the gate and interprets the
// error envelope of the response.
func (c *Connection) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	n := c.sequence.Add(1)
	url := c.resourceURL(path)

	event := c.logger.Debug().Uint64("request", n).Str("method", method).Str("path", path)
	if body != nil {
		event = event.Interface("body", body)
	}
	event.Msg("bridge request")

	raw, err := c.send(ctx, method, url, body)
	if err != nil {
		if IsCommunicationError(err) {
			c.reportUnreachable(n, err)
		}
		return nil, err
	}
	c.reportReachable()

	if bridgeErr := envelopeError(raw); bridgeErr != nil {
		return nil, c.handleBridgeError(n, bridgeErr)
	}
	return raw, nil
}

func (c *Connection) send(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	var raw json.RawMessage
	do := func() error {
		var err error
		raw, err = c.fetcher.Fetch(ctx, method, url, body, c.timeout, FamilyAny)
		return err
	}

	err := c.gate.Do(ctx, do)

	// a reset connection is resent once
	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.Code == "ECONNRESET" && c.waitTimeResend > 0 {
		c.logger.Debug().Dur("wait", c.waitTimeResend).Msg("connection reset, resending")
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(c.waitTimeResend):
		}
		err = c.gate.Do(ctx, do)
	}
	return raw, err
}

func envelopeError(raw json.RawMessage) *BridgeError {
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var envelopes []struct {
		Error *BridgeError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil
	}
	for _, envelope := range envelopes {
		if envelope.Error != nil {
			return envelope.Error
		}
	}
	return nil
}

func (c *Connection) handleBridgeError(n uint64, bridgeErr *BridgeError) error {
	switch bridgeErr.Type {
	case ErrorTypeLinkButtonNotPressed:
		c.logger.Debug().Uint64("request", n).Err(bridgeErr).Msg("waiting for link button")
	case ErrorTypeUnauthorizedUser:
		if c.revoke() {
			c.logger.Error().Uint64("request", n).Err(bridgeErr).
				Msg("username revoked by bridge, pairing required")
		} else {
			c.logger.Debug().Uint64("request", n).Err(bridgeErr).Msg("unauthorized request")
		}
	default:
		c.logger.Warn().Uint64("request", n).Err(bridgeErr).Str("address", bridgeErr.Address).Msg("bridge error")
	}
	return bridgeErr
}

// revoke drops the stored username and reports whether there was one.
func (c *Connection) revoke() bool {
	c.mu.Lock()
	had := c.username != ""
	c.username = ""
	c.mu.Unlock()

	if had {
		c.notify(nil)
	}
	return had
}

func (c *Connection) reportUnreachable(n uint64, err error) {
	c.logger.Debug().Uint64("request", n).Err(err).Msg("communication error")

	c.mu.Lock()
	c.failures++
	failures := c.failures
	now := c.now()
	report := c.lastReport.IsZero() || now.Sub(c.lastReport) >= unreachableReportInterval
	if report {
		c.lastReport = now
	}
	c.mu.Unlock()

	if report {
		c.logger.Warn().Err(err).Int("failures", failures).Msg("bridge unreachable")
	}
}

func (c *Connection) reportReachable() {
	c.mu.Lock()
	reported := !c.lastReport.IsZero()
	c.failures = 0
	c.lastReport = time.Time{}
	c.mu.Unlock()

	if reported {
		c.logger.Info().Msg("bridge reachable again")
	}
}

// AcquireCredentials pairs with the bridge unless a username is already
// stored. While the link button has not been pressed it returns an error
// matching ErrLinkButtonNotPressed; the next heartbeat simply tries again.
func (c *Connection) AcquireCredentials(ctx context.Context) error {
	if c.Username() != "" {
		return nil
	}
	if !c.pairing.TryLock() {
		return ErrPairingInProgress
	}
	defer c.pairing.Unlock()

	if c.Username() != "" {
		return nil
	}

	raw, err := c.Request(ctx, http.MethodPost, "/", map[string]string{"devicetype": c.deviceType})
	if err != nil {
		return err
	}

	var resp []struct {
		Success struct {
			Username string `json:"username"`
		} `json:"success"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp) == 0 || resp[0].Success.Username == "" {
		return fmt.Errorf("pairing: %w", ErrUnexpectedResponse)
	}

	username := resp[0].Success.Username
	c.mu.Lock()
	enabled := c.enabled
	if enabled {
		c.username = username
	}
	c.mu.Unlock()
	if !enabled {
		c.logger.Warn().Str("username", username).Msg("bridge disabled while pairing, dropping user")
		return ErrBridgeDisabled
	}

	c.logger.Info().Str("username", username).Msg("created user")
	c.notify(nil)
	return nil
}
