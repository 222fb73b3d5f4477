package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nonos/noxterm/internal/store"
)

var (
	descActiveSessions = prometheus.NewDesc(
		"noxterm_active_sessions",
		"Sessions in created, running or disconnected state.",
		[]string{"status"}, nil,
	)
	descContainers = prometheus.NewDesc(
		"noxterm_containers_total",
		"Containers currently bound to a session.",
		nil, nil,
	)
	descCPUPercent = prometheus.NewDesc(
		"noxterm_cpu_usage_percent",
		"Last sampled container CPU usage.",
		[]string{"session_id"}, nil,
	)
	descMemoryBytes = prometheus.NewDesc(
		"noxterm_memory_usage_bytes",
		"Last sampled container memory usage.",
		[]string{"session_id"}, nil,
	)
	descPrivacyEnabled = prometheus.NewDesc(
		"noxterm_privacy_enabled",
		"1 when the egress relay is running.",
		nil, nil,
	)
)

// collector reads gauges straight from the store and the reconciler
// cache on every scrape instead of maintaining counters.
type collector struct {
	s *Server
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descActiveSessions
	ch <- descContainers
	ch <- descCPUPercent
	ch <- descMemoryBytes
	ch <- descPrivacyEnabled
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	containers := 0
	for _, status := range []string{store.StatusCreated, store.StatusRunning, store.StatusDisconnected} {
		sessions, err := c.s.store.ListSessions("", status, 0)
		if err != nil {
			c.s.logger.Error("metrics scrape", "status", status, "error", err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(descActiveSessions, prometheus.GaugeValue, float64(len(sessions)), status)
		for _, sess := range sessions {
			if sess.ContainerID != "" {
				containers++
			}
		}
	}
	ch <- prometheus.MustNewConstMetric(descContainers, prometheus.GaugeValue, float64(containers))

	for _, health := range c.s.recon.Snapshot() {
		ch <- prometheus.MustNewConstMetric(descCPUPercent, prometheus.GaugeValue, health.Stats.CPUPercent, health.SessionID)
		ch <- prometheus.MustNewConstMetric(descMemoryBytes, prometheus.GaugeValue, float64(health.Stats.MemoryUsage), health.SessionID)
	}

	enabled := 0.0
	if c.s.relay.Enabled() {
		enabled = 1.0
	}
	ch <- prometheus.MustNewConstMetric(descPrivacyEnabled, prometheus.GaugeValue, enabled)
}

func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(&collector{s: s})
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
