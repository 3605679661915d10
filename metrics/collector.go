// Package metrics provides process-local counters for the redirect server.
//
// The Collector is a leaf package. Counters are incremented from the reactor
// loop and from backend writer goroutines, so all access goes through a
// mutex. The Collector also satisfies prometheus.Collector and is exported
// as constant metrics at scrape time.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stat_update"

// Snapshot is an immutable point-in-time view of all counters.
type Snapshot struct {
	// HTTP surface
	ConnectionsAccepted int64
	Requests            int64
	Redirects           int64
	BadRequests         int64
	OutputOverflows     int64
	ParseErrors         int64

	// Telemetry
	TelemetryDropped   int64
	CommandsDispatched int64
	CommandsRejected   int64
	BatchFailures      int64
	LookupFailures     int64

	// Backend connection
	BackendConnects        int64
	BackendConnectFailures int64
	BackendDisconnects     int64
}

// Collector accumulates counters for the life of the process.
// All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) add(f func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	f(&c.s)
	c.mu.Unlock()
}

// --- HTTP surface ---

// IncConnectionsAccepted records an accepted client connection.
func (c *Collector) IncConnectionsAccepted() { c.add(func(s *Snapshot) { s.ConnectionsAccepted++ }) }

// IncRequests records a completed request head.
func (c *Collector) IncRequests() { c.add(func(s *Snapshot) { s.Requests++ }) }

// IncRedirects records a 302 response.
func (c *Collector) IncRedirects() { c.add(func(s *Snapshot) { s.Redirects++ }) }

// IncBadRequests records a 404 response.
func (c *Collector) IncBadRequests() { c.add(func(s *Snapshot) { s.BadRequests++ }) }

// IncOutputOverflows records a redirect that did not fit the output buffer.
// Such requests are also counted as bad requests.
func (c *Collector) IncOutputOverflows() { c.add(func(s *Snapshot) { s.OutputOverflows++ }) }

// IncParseErrors records a connection closed on a malformed request head.
func (c *Collector) IncParseErrors() { c.add(func(s *Snapshot) { s.ParseErrors++ }) }

// --- Telemetry ---

// IncTelemetryDropped records a request whose counters were skipped because
// the backend was not connected.
func (c *Collector) IncTelemetryDropped() { c.add(func(s *Snapshot) { s.TelemetryDropped++ }) }

// AddCommandsDispatched records n commands sent to the backend.
func (c *Collector) AddCommandsDispatched(n int) {
	c.add(func(s *Snapshot) { s.CommandsDispatched += int64(n) })
}

// IncCommandsRejected records a command refused before submission.
func (c *Collector) IncCommandsRejected() { c.add(func(s *Snapshot) { s.CommandsRejected++ }) }

// IncBatchFailures records a pipeline batch that hit a transport error.
func (c *Collector) IncBatchFailures() { c.add(func(s *Snapshot) { s.BatchFailures++ }) }

// IncLookupFailures records an aborted lookup-then-increment chain.
func (c *Collector) IncLookupFailures() { c.add(func(s *Snapshot) { s.LookupFailures++ }) }

// --- Backend connection ---

// IncBackendConnects records a successful backend connect.
func (c *Collector) IncBackendConnects() { c.add(func(s *Snapshot) { s.BackendConnects++ }) }

// IncBackendConnectFailures records a failed connect attempt.
func (c *Collector) IncBackendConnectFailures() {
	c.add(func(s *Snapshot) { s.BackendConnectFailures++ })
}

// IncBackendDisconnects records the loss of an established connection.
func (c *Collector) IncBackendDisconnects() { c.add(func(s *Snapshot) { s.BackendDisconnects++ }) }

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// --- Prometheus export ---

type counterDesc struct {
	desc  *prometheus.Desc
	value func(s *Snapshot) int64
}

func newDesc(name, help string, value func(s *Snapshot) int64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		value: value,
	}
}

var descs = []counterDesc{
	newDesc("connections_accepted_total", "Client connections accepted.",
		func(s *Snapshot) int64 { return s.ConnectionsAccepted }),
	newDesc("requests_total", "Request heads completed.",
		func(s *Snapshot) int64 { return s.Requests }),
	newDesc("redirects_total", "302 responses written.",
		func(s *Snapshot) int64 { return s.Redirects }),
	newDesc("bad_requests_total", "404 responses written.",
		func(s *Snapshot) int64 { return s.BadRequests }),
	newDesc("output_overflows_total", "Redirects that exceeded the output buffer.",
		func(s *Snapshot) int64 { return s.OutputOverflows }),
	newDesc("parse_errors_total", "Connections closed on a malformed request head.",
		func(s *Snapshot) int64 { return s.ParseErrors }),
	newDesc("telemetry_dropped_total", "Requests whose counters were skipped while the backend was down.",
		func(s *Snapshot) int64 { return s.TelemetryDropped }),
	newDesc("backend_commands_total", "Commands submitted to the backend.",
		func(s *Snapshot) int64 { return s.CommandsDispatched }),
	newDesc("backend_commands_rejected_total", "Commands refused before submission.",
		func(s *Snapshot) int64 { return s.CommandsRejected }),
	newDesc("backend_batch_failures_total", "Pipeline batches that failed with a transport error.",
		func(s *Snapshot) int64 { return s.BatchFailures }),
	newDesc("lookup_failures_total", "Name lookups that aborted the download counter chain.",
		func(s *Snapshot) int64 { return s.LookupFailures }),
	newDesc("backend_connects_total", "Successful backend connects.",
		func(s *Snapshot) int64 { return s.BackendConnects }),
	newDesc("backend_connect_failures_total", "Failed backend connect attempts.",
		func(s *Snapshot) int64 { return s.BackendConnectFailures }),
	newDesc("backend_disconnects_total", "Established backend connections lost.",
		func(s *Snapshot) int64 { return s.BackendDisconnects }),
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	for _, d := range descs {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.value(&s)))
	}
}

var _ prometheus.Collector = (*Collector)(nil)

// Handler serves c, with Go runtime and process collectors, in the
// Prometheus text format.
func Handler(c *Collector) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
