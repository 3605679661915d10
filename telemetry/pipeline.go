// Package telemetry turns a completed download request into backend counter
// updates.
//
// Two independent branches run per request: client-agent usage increments,
// issued immediately, and a dependent chain that looks up the gem's
// canonical name and then bumps seven download counters. Nothing is retried
// and nothing is reported back to the HTTP client.
package telemetry

import (
	"time"

	"github.com/pithecene-io/statupdate/agent"
	"github.com/pithecene-io/statupdate/log"
	"github.com/pithecene-io/statupdate/metrics"
)

// DateLayout formats the day bucket used in counter keys.
const DateLayout = "2006-01-02"

// Dispatcher submits commands to the counters backend. Commands from one
// caller reach the backend in submission order. Implementations are driven
// from the reactor loop and invoke reply callbacks there.
type Dispatcher interface {
	// Connected reports whether the backend connection is established.
	Connected() bool
	// Fire submits cmd without waiting for its reply. It reports false if
	// the command was refused.
	Fire(cmd Command) bool
	// Call submits cmd and invokes onReply exactly once with its result,
	// including when the connection fails before a reply arrives.
	Call(cmd Command, onReply func(reply any, err error)) bool
}

// Snapshot is the data the dependent chain needs after the originating
// connection may already be gone.
type Snapshot struct {
	FullName string
	Today    string
}

// NewSnapshot copies fullName and stamps the UTC day of now.
func NewSnapshot(fullName []byte, now time.Time) Snapshot {
	return Snapshot{
		FullName: string(fullName),
		Today:    now.UTC().Format(DateLayout),
	}
}

// Pipeline dispatches the counters for completed requests.
type Pipeline struct {
	backend Dispatcher
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewPipeline creates a pipeline over backend. logger and m may be nil.
func NewPipeline(backend Dispatcher, logger *log.Logger, m *metrics.Collector) *Pipeline {
	return &Pipeline{backend: backend, logger: logger, metrics: m}
}

// Dispatch issues the usage increments derived from agentValue, then submits
// the name lookup whose continuation issues the download counters. The
// caller has already checked that the backend is connected.
func (p *Pipeline) Dispatch(snap Snapshot, agentValue []byte) {
	for _, tok := range agent.Parse(agentValue) {
		p.fire(UsageCommand(snap.Today, tok))
	}

	if !p.backend.Call(LookupCommand(snap.FullName), func(reply any, err error) {
		p.complete(snap, reply, err)
	}) {
		p.metrics.IncCommandsRejected()
	}
}

// complete is the lookup continuation. It runs regardless of whether the
// request's connection is still open.
func (p *Pipeline) complete(snap Snapshot, reply any, err error) {
	if err != nil {
		p.metrics.IncLookupFailures()
		p.logger.Debug("name lookup failed", map[string]any{
			"full_name": snap.FullName,
			"error":     err.Error(),
		})
		return
	}

	name, ok := reply.(string)
	if !ok {
		p.metrics.IncLookupFailures()
		p.logger.Debug("name lookup returned non-string reply", map[string]any{
			"full_name": snap.FullName,
		})
		return
	}

	for _, cmd := range DownloadCommands(name, snap.FullName, snap.Today) {
		p.fire(cmd)
	}
}

func (p *Pipeline) fire(cmd Command) {
	if !p.backend.Fire(cmd) {
		p.metrics.IncCommandsRejected()
	}
}
