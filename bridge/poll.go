package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ResourceFlags selects which collections a poll cycle fetches.
type ResourceFlags struct {
	Lights    bool
	Groups    bool
	Group0    bool
	Sensors   bool
	Schedules bool
	Rules     bool
}

// Heartbeat starts a poll cycle in the background when the bridge is
// enabled and beat is a multiple of its heartrate. A beat that arrives while
// the previous cycle is still running is skipped. It reports whether a cycle
// was started.
func (c *Connection) Heartbeat(ctx context.Context, beat int) bool {
	c.mu.Lock()
	due := c.enabled && beat%c.heartrate == 0
	c.mu.Unlock()
	if !due {
		return false
	}

	if !c.cycling.CompareAndSwap(false, true) {
		c.logger.Debug().Int("beat", beat).Msg("previous poll cycle still running, skipping")
		return false
	}

	c.cycles.Add(1)
	go func() {
		defer c.cycles.Done()
		defer c.cycling.Store(false)

		if err := c.RunCycle(ctx); err != nil {
			c.logger.Debug().Int("beat", beat).Err(err).Msg("poll cycle ended early")
		}
	}()
	return true
}

// Wait blocks until the running poll cycle, if any, has finished.
func (c *Connection) Wait() {
	c.cycles.Wait()
}

type pollStep struct {
	name    string
	enabled bool
	run     func(ctx context.Context) error
}

// RunCycle performs one poll cycle. Steps run strictly one after the other.
// Failing to pair or to fetch the config ends the cycle; a failing resource
// step only loses that step's updates, unless the bridge revoked the
// username, after which nothing else can succeed.
func (c *Connection) RunCycle(ctx context.Context) error {
	if err := c.AcquireCredentials(ctx); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	ok, err := c.fetchConfig(ctx)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !ok {
		c.logger.Debug().Msg("bridge answered with the unauthenticated config, skipping cycle")
		return nil
	}

	flags := c.resources
	steps := []pollStep{
		{"sensors", flags.Sensors, func(ctx context.Context) error { return c.fetchCollection(ctx, Sensors) }},
		{"lights", flags.Lights, func(ctx context.Context) error { return c.fetchCollection(ctx, Lights) }},
		{"group0", flags.Groups && flags.Group0, c.fetchGroupZero},
		{"groups", flags.Groups, func(ctx context.Context) error { return c.fetchCollection(ctx, Groups) }},
		{"schedules", flags.Schedules, func(ctx context.Context) error { return c.fetchCollection(ctx, Schedules) }},
		{"rules", flags.Rules, func(ctx context.Context) error { return c.fetchCollection(ctx, Rules) }},
	}

	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := step.run(ctx); err != nil {
			if errors.Is(err, ErrUnauthorizedUser) {
				return fmt.Errorf("%s: %w", step.name, err)
			}
			c.logger.Debug().Str("step", step.name).Err(err).Msg("poll step failed")
		}
	}
	return nil
}

// fetchConfig reports false when the response lacks the UTC field, which is
// how a bridge answers a request it did not authenticate.
func (c *Connection) fetchConfig(ctx context.Context) (bool, error) {
	raw, err := c.Request(ctx, http.MethodGet, "/config", nil)
	if err != nil {
		return false, err
	}

	var config struct {
		UTC string `json:"UTC"`
	}
	if err := json.Unmarshal(raw, &config); err != nil {
		return false, ErrUnexpectedResponse
	}
	if config.UTC == "" {
		return false, nil
	}

	c.mu.Lock()
	c.lastUpdated = c.now()
	c.mu.Unlock()

	c.notify(raw)
	return true, nil
}

func (c *Connection) fetchCollection(ctx context.Context, kind ResourceKind) error {
	raw, err := c.Request(ctx, http.MethodGet, "/"+string(kind), nil)
	if err != nil {
		return err
	}

	var items map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("%s: %w", kind, ErrUnexpectedResponse)
	}

	delivered := c.registry.Deliver(kind, items)
	c.logger.Debug().Str("kind", string(kind)).Int("resources", len(items)).Int("delivered", delivered).Msg("polled")
	return nil
}

// fetchGroupZero polls the pseudo group holding all lights.
func (c *Connection) fetchGroupZero(ctx context.Context) error {
	raw, err := c.Request(ctx, http.MethodGet, "/groups/0", nil)
	if err != nil {
		return err
	}
	c.registry.Deliver(Groups, map[string]json.RawMessage{"0": raw})
	return nil
}
