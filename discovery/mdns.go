package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	hueService = "_hue._tcp"
	mdnsDomain = "local."
	httpPort   = 80
)

// MDNSListener browses for bridges announcing the _hue._tcp service until
// its context is cancelled.
type MDNSListener struct{}

func (l *MDNSListener) Listen(ctx context.Context, found func(context.Context, Candidate)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if candidate, ok := candidateFromEntry(entry); ok {
				go found(ctx, candidate)
			}
		}
	}()

	if err := resolver.Browse(ctx, hueService, mdnsDomain, entries); err != nil {
		return fmt.Errorf("failed to browse for %s: %w", hueService, err)
	}
	<-ctx.Done()
	return nil
}

func candidateFromEntry(entry *zeroconf.ServiceEntry) (Candidate, bool) {
	var ip net.IP
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0]
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0]
	}
	if ip == nil {
		return Candidate{}, false
	}

	candidate := Candidate{Source: "mdns"}
	for _, txt := range entry.Text {
		if key, value, ok := strings.Cut(txt, "="); ok && key == "bridgeid" {
			candidate.ID = NormalizeID(value)
		}
	}
	if candidate.ID == "" {
		return Candidate{}, false
	}

	// the advertised port serves https; the api is polled over plain http
	candidate.Host = net.JoinHostPort(ip.String(), strconv.Itoa(httpPort))
	return candidate, true
}
