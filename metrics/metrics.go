// Package metrics exports bridge connection state and hub activity in the
// Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"huehub/bridge"
	"huehub/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source lists the connections to report on.
type Source interface {
	Connections() []*bridge.Connection
}

// Metrics holds the hub's registry. Bridge state is read from the source on
// every scrape; the counters are fed by the hub.
type Metrics struct {
	Registry *prometheus.Registry

	// Commands counts bridge writes by bridge and result ("ok", "error").
	Commands *prometheus.CounterVec
	// Reports counts published resource changes by bridge and kind.
	Reports *prometheus.CounterVec
}

func New(source Source) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hue_commands_total",
				Help: "Desired state writes sent to bridges",
			},
			[]string{"bridge", "result"},
		),
		Reports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hue_reports_total",
				Help: "Changed resource states published",
			},
			[]string{"bridge", "kind"},
		),
	}
	m.Registry.MustRegister(newCollector(source), m.Commands, m.Reports)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	log := logger.WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type collector struct {
	source Source

	enabled     *prometheus.Desc
	paired      *prometheus.Desc
	heartrate   *prometheus.Desc
	lastUpdated *prometheus.Desc
	requests    *prometheus.Desc
	inFlight    *prometheus.Desc
	gateSize    *prometheus.Desc
}

func newCollector(source Source) *collector {
	labels := []string{"bridge"}
	return &collector{
		source:      source,
		enabled:     prometheus.NewDesc("hue_bridge_enabled", "Whether the bridge is polled", labels, nil),
		paired:      prometheus.NewDesc("hue_bridge_paired", "Whether the bridge holds a username", labels, nil),
		heartrate:   prometheus.NewDesc("hue_bridge_heartrate_beats", "Beats between poll cycles", labels, nil),
		lastUpdated: prometheus.NewDesc("hue_bridge_last_updated_timestamp_seconds", "Time of the last authenticated config fetch", labels, nil),
		requests:    prometheus.NewDesc("hue_bridge_requests_total", "Requests issued to the bridge", labels, nil),
		inFlight:    prometheus.NewDesc("hue_bridge_requests_in_flight", "Requests holding a gate slot", labels, nil),
		gateSize:    prometheus.NewDesc("hue_bridge_parallel_requests", "Gate capacity", labels, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.enabled
	ch <- c.paired
	ch <- c.heartrate
	ch <- c.lastUpdated
	ch <- c.requests
	ch <- c.inFlight
	ch <- c.gateSize
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, conn := range c.source.Connections() {
		state := conn.State()
		id := state.ID

		ch <- prometheus.MustNewConstMetric(c.enabled, prometheus.GaugeValue, boolValue(state.Enabled), id)
		ch <- prometheus.MustNewConstMetric(c.paired, prometheus.GaugeValue, boolValue(state.Paired), id)
		ch <- prometheus.MustNewConstMetric(c.heartrate, prometheus.GaugeValue, float64(state.Heartrate), id)
		if !state.LastUpdated.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastUpdated, prometheus.GaugeValue,
				float64(state.LastUpdated.Unix()), id)
		}
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(conn.Sequence()), id)
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(conn.Gate().InFlight()), id)
		ch <- prometheus.MustNewConstMetric(c.gateSize, prometheus.GaugeValue, float64(conn.Gate().Size()), id)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
