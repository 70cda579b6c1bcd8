// Package iscsimetrics exposes the daemon's Prometheus metrics.
package iscsimetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "iscsid"
	subsystem = "initiator"
)

// Label names for initiator metrics.
const (
	labelResult = "result"
)

// Result label values.
const (
	resultOK   = "ok"
	resultFail = "fail"
)

// Collector holds all initiator Prometheus metrics and doubles as the
// session manager's MetricsSink.
type Collector struct {
	// SessionsActive tracks the number of live sessions.
	SessionsActive prometheus.Gauge

	// ConnectionsActive tracks the number of live connections.
	ConnectionsActive prometheus.Gauge

	// Logins counts login attempts by result.
	Logins *prometheus.CounterVec

	// Logouts counts logout exchanges by result.
	Logouts *prometheus.CounterVec

	// DiscoveryRuns counts SendTargets sweeps by result.
	DiscoveryRuns *prometheus.CounterVec

	// DiscoverySkipped counts discovery ticks skipped because a sweep
	// was still running.
	DiscoverySkipped prometheus.Counter

	// AuthFailures counts CHAP and method-selection failures.
	AuthFailures prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of live iSCSI sessions.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Number of live iSCSI connections.",
		}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{labelResult}),
		Logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "logouts_total",
			Help:      "Logout exchanges by result.",
		}, []string{labelResult}),
		DiscoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovery_runs_total",
			Help:      "SendTargets discovery sweeps by result.",
		}, []string{labelResult}),
		DiscoverySkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovery_skipped_total",
			Help:      "Discovery ticks skipped because a sweep was still running.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Authentication failures during login.",
		}),
	}

	reg.MustRegister(
		c.SessionsActive,
		c.ConnectionsActive,
		c.Logins,
		c.Logouts,
		c.DiscoveryRuns,
		c.DiscoverySkipped,
		c.AuthFailures,
	)

	return c
}

// SessionOpened increments the live session gauge.
func (c *Collector) SessionOpened() { c.SessionsActive.Inc() }

// SessionClosed decrements the live session gauge.
func (c *Collector) SessionClosed() { c.SessionsActive.Dec() }

// ConnectionOpened increments the live connection gauge.
func (c *Collector) ConnectionOpened() { c.ConnectionsActive.Inc() }

// ConnectionClosed decrements the live connection gauge.
func (c *Collector) ConnectionClosed() { c.ConnectionsActive.Dec() }

// LoginResult counts one login attempt.
func (c *Collector) LoginResult(ok bool) {
	c.Logins.WithLabelValues(resultLabel(ok)).Inc()
}

// LogoutResult counts one logout exchange.
func (c *Collector) LogoutResult(ok bool) {
	c.Logouts.WithLabelValues(resultLabel(ok)).Inc()
}

// AuthFailure counts one authentication failure.
func (c *Collector) AuthFailure() { c.AuthFailures.Inc() }

// DiscoveryResult counts one discovery sweep.
func (c *Collector) DiscoveryResult(ok bool) {
	c.DiscoveryRuns.WithLabelValues(resultLabel(ok)).Inc()
}

// DiscoveryTickSkipped counts one overlapping tick.
func (c *Collector) DiscoveryTickSkipped() { c.DiscoverySkipped.Inc() }

// resultLabel maps a boolean outcome to its label value.
func resultLabel(ok bool) string {
	if ok {
		return resultOK
	}
	return resultFail
}
