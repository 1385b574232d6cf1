package metrics

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

// Manager owns the Prometheus registry for the container service:
// request counters and latencies, account-update outcomes, and
// per-device disk usage refreshed by a background collector.
type Manager struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	accountUpdates  *prometheus.CounterVec
	deviceDiskUsed  *prometheus.GaugeVec

	devicesRoot string
	interval    time.Duration
	logger      *logrus.Logger
}

// NewManager builds a manager collecting disk usage for devices under
// devicesRoot every interval.
func NewManager(devicesRoot string, interval time.Duration, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "container_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "container_request_duration_seconds",
			Help:    "Request handling time in seconds, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		accountUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "account_updates_total",
			Help: "Account update attempts, by outcome.",
		}, []string{"outcome"}),
		deviceDiskUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "device_disk_used_percent",
			Help: "Disk usage of each device directory.",
		}, []string{"device"}),
		devicesRoot: devicesRoot,
		interval:    interval,
		logger:      logger,
	}
	m.registry.MustRegister(m.requestsTotal, m.requestDuration,
		m.accountUpdates, m.deviceDiskUsed)
	return m
}

// Handler serves the registry.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAccountUpdate counts one account-update attempt.
func (m *Manager) RecordAccountUpdate(outcome string) {
	m.accountUpdates.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and durations.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			m.requestsTotal.WithLabelValues(r.Method, strconv.Itoa(wrapped.status)).Inc()
			m.requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// Start launches the background disk collector; it stops when ctx is
// canceled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.collectDiskUsage()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.collectDiskUsage()
			}
		}
	}()
}

func (m *Manager) collectDiskUsage() {
	entries, err := os.ReadDir(m.devicesRoot)
	if err != nil {
		m.logger.WithError(err).Debug("Failed to list devices for disk metrics")
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		usage, err := disk.Usage(filepath.Join(m.devicesRoot, e.Name()))
		if err != nil {
			continue
		}
		m.deviceDiskUsed.WithLabelValues(e.Name()).Set(usage.UsedPercent)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
