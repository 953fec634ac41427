package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"huehub/bridge"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentProbes bounds how many portal candidates are verified at once.
const maxConcurrentProbes = 4

// Portal is a cloud endpoint listing the bridges registered from the
// caller's public address.
type Portal struct {
	Name        string
	URL         string
	Family      bridge.Family
	DefaultPort int
}

var DefaultPortals = []Portal{
	{Name: "meethue", URL: "https://www.meethue.com/api/nupnp", Family: bridge.FamilyIPv4, DefaultPort: 80},
	// only reachable over IPv6
	{Name: "deconz", URL: "https://dresden-light.appspot.com/discover", Family: bridge.FamilyIPv6, DefaultPort: 80},
}

type portalEntry struct {
	ID                string `json:"id"`
	InternalIPAddress string `json:"internalipaddress"`
	InternalPort      int    `json:"internalport"`
}

// QueryPortals asks every portal concurrently and verifies the bridges they
// list. One portal failing does not stop the others.
func (d *Coordinator) QueryPortals(ctx context.Context) error {
	errs := make([]error, len(d.portals))

	var g errgroup.Group
	for i, portal := range d.portals {
		g.Go(func() error {
			errs[i] = d.queryPortal(ctx, portal)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (d *Coordinator) queryPortal(ctx context.Context, portal Portal) error {
	candidates, err := d.portalCandidates(ctx, portal)
	if err != nil {
		return fmt.Errorf("%s portal: %w", portal.Name, err)
	}
	d.logger.Debug().Str("portal", portal.Name).Int("bridges", len(candidates)).Msg("portal queried")

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for _, candidate := range candidates {
		g.Go(func() error {
			d.report(ctx, candidate)
			return nil
		})
	}
	return g.Wait()
}

func (d *Coordinator) portalCandidates(ctx context.Context, portal Portal) ([]Candidate, error) {
	raw, err := d.fetcher.Fetch(ctx, http.MethodGet, portal.URL, nil, d.timeout, portal.Family)
	if err != nil {
		return nil, err
	}

	var entries []portalEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnexpectedResponse, err)
	}

	candidates := make([]Candidate, 0, len(entries))
	for _, entry := range entries {
		if entry.InternalIPAddress == "" {
			continue
		}
		port := entry.InternalPort
		if port == 0 {
			port = portal.DefaultPort
		}
		candidates = append(candidates, Candidate{
			ID:     NormalizeID(entry.ID),
			Host:   net.JoinHostPort(entry.InternalIPAddress, strconv.Itoa(port)),
			Source: portal.Name,
		})
	}
	return candidates, nil
}
