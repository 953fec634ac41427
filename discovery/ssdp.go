package discovery

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

const (
	ssdpAddress = "239.255.255.250:1900"
	ssdpWait    = 3 * time.Second
)

var mSearch = []byte("M-SEARCH * HTTP/1.1\r\n" +
	"HOST: " + ssdpAddress + "\r\n" +
	"MAN: \"ssdp:discover\"\r\n" +
	"MX: 2\r\n" +
	"ST: upnp:rootdevice\r\n\r\n")

// SSDPSearcher multicasts an M-SEARCH and collects the answers of bridges.
type SSDPSearcher struct {
	Wait time.Duration
}

func (s *SSDPSearcher) Search(ctx context.Context, found func(context.Context, Candidate)) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp4", ssdpAddress)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(mSearch, dst); err != nil {
		return err
	}

	wait := s.Wait
	if wait == 0 {
		wait = ssdpWait
	}
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	seen := make(map[string]bool)
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return err
		}
		candidate, ok := ParseSSDP(buf[:n])
		if !ok || seen[candidate.Host] {
			continue
		}
		seen[candidate.Host] = true
		go found(ctx, candidate)
	}
}

// SSDPListener joins the SSDP multicast group and reports bridges from
// their periodic NOTIFY announcements until its context is cancelled.
type SSDPListener struct {
	// Interface to join the group on; nil lets the system choose.
	Interface *net.Interface
}

func (l *SSDPListener) Listen(ctx context.Context, found func(context.Context, Candidate)) error {
	group, err := net.ResolveUDPAddr("udp4", ssdpAddress)
	if err != nil {
		return err
	}
	conn, err := net.ListenMulticastUDP("udp4", l.Interface, group)
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", ssdpAddress, err)
	}
	return serveSSDP(ctx, conn, found)
}

// serveSSDP reads announcements from conn until ctx is done. A bridge is
// reported again only when its host changes.
func serveSSDP(ctx context.Context, conn net.PacketConn, found func(context.Context, Candidate)) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	seen := make(map[string]string)
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		candidate, ok := ParseSSDP(buf[:n])
		if !ok || seen[candidate.ID] == candidate.Host {
			continue
		}
		seen[candidate.ID] = candidate.Host
		go found(ctx, candidate)
	}
}

// ParseSSDP extracts a bridge candidate from an M-SEARCH response or a
// NOTIFY announcement. Only messages carrying a bridge id header qualify;
// the host is taken from the LOCATION url.
func ParseSSDP(data []byte) (Candidate, bool) {
	header, ok := ssdpHeader(data)
	if !ok {
		return Candidate{}, false
	}

	var candidate Candidate
	switch {
	case header.Get("hue-bridgeid") != "":
		candidate.ID = NormalizeID(header.Get("hue-bridgeid"))
	case header.Get("gwid.phoscon.de") != "":
		candidate.ID = NormalizeID(header.Get("gwid.phoscon.de"))
	default:
		return Candidate{}, false
	}

	location, err := url.Parse(header.Get("Location"))
	if err != nil || location.Host == "" {
		return Candidate{}, false
	}
	candidate.Host = location.Host
	candidate.Source = "ssdp"
	return candidate, true
}

func ssdpHeader(data []byte) (http.Header, bool) {
	if bytes.HasPrefix(data, []byte("HTTP/")) {
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
		if err != nil {
			return nil, false
		}
		resp.Body.Close()
		return resp.Header, true
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, false
	}
	return req.Header, true
}
