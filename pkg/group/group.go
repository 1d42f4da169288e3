// Package group implements C4 from spec.md §4.4: a master/slave replication
// cluster. Master election probes each server in list order with the
// sentinel command `set CLIENT_TEST_MASTER 0 0 1\r\n0\r\n`; the first
// server to answer STORED is the master. Reads round-robin across all
// servers (masters are readable too); the round-robin sweep is bounded so
// an all-dead group surfaces a routing failure instead of recursing forever
// (the REDESIGN note in spec.md §9 explicitly calls out the source's
// unbounded recursion as a bug to not replicate).
package group

import (
	"context"
	"fmt"
	"sync"

	"github.com/cachemir/memcachedb/pkg/bufreader"
	"github.com/cachemir/memcachedb/pkg/logging"
	"github.com/cachemir/memcachedb/pkg/mcdberr"
	"github.com/cachemir/memcachedb/pkg/server"
)

// masterProbeCommand is the exact wire command spec.md §4.4 and §9 require
// preserving verbatim for memcachedb compatibility, sentinel value
// included. Writing it is an observable side effect on the real database:
// preserved here for behavioral compatibility, not elided.
const masterProbeCommand = "set CLIENT_TEST_MASTER 0 0 1\r\n0\r\n"

const storedReply = "STORED\r\n"

// DefaultName is the group name used when none is given, per spec.md §3.
const DefaultName = "default"

// Group is a master/slave memcachedb cluster sharing one keyspace.
type Group struct {
	master  *server.Server
	logger  logging.Logger
	name    string
	servers []*server.Server
	mu      sync.Mutex
	weight  int
	cursor  int
}

// Config configures a Group at construction.
type Config struct {
	Logger  logging.Logger
	Name    string
	Servers []*server.Server
	Weight  int
}

// New constructs a Group and immediately elects a master. Per spec.md §3's
// invariant, a group without an elected master is not usable: construction
// fails if no server responds STORED to the probe.
func New(cfg Config) (*Group, error) {
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop
	}
	if len(cfg.Servers) == 0 {
		return nil, mcdberr.Routing("group %q: no servers configured", name)
	}

	g := &Group{
		name:    name,
		weight:  weight,
		servers: cfg.Servers,
		logger:  logger,
	}

	if err := g.electMaster(context.Background()); err != nil {
		return nil, err
	}
	return g, nil
}

// Name returns the group's name — the keyspace identity hashed onto the
// continuum (spec.md §3: "the keyspace is over group names, not server
// hosts").
func (g *Group) Name() string { return g.name }

// Weight returns the group's replication weight.
func (g *Group) Weight() int { return g.weight }

// Servers returns the group's full server list (also the slave pool, per
// spec.md §3's invariant that the slave list equals the full server list
// once a master is elected).
func (g *Group) Servers() []*server.Server { return g.servers }

// electMaster iterates servers in list order, probing each alive server
// with the sentinel write; the first STORED reply wins. Construction (and
// re-election) fails with a routing error if none respond STORED.
func (g *Group) electMaster(ctx context.Context) error {
	for _, s := range g.servers {
		if !s.Alive() {
			continue
		}
		ok, err := probeMaster(ctx, s)
		if err != nil {
			g.logger.Debug("group: master probe failed", "group", g.name, "addr", s.Addr(), "error", err)
			continue
		}
		if ok {
			g.mu.Lock()
			g.master = s
			g.mu.Unlock()
			g.logger.Info("group: master elected", "group", g.name, "addr", s.Addr())
			return nil
		}
	}
	return mcdberr.Routing("group %q: no master server found", g.name)
}

// probeMaster writes the sentinel command and checks for a literal STORED
// reply.
func probeMaster(ctx context.Context, s *server.Server) (bool, error) {
	handle, err := s.AcquireSocket(ctx)
	if err != nil {
		return false, err
	}
	if handle == nil {
		return false, mcdberr.Transport(nil, "server %s is quarantined", s.Addr())
	}

	conn := handle.Conn()
	if _, err := conn.Write([]byte(masterProbeCommand)); err != nil {
		handle.Fail(err)
		return false, mcdberr.Transport(err, "writing master probe to %s", s.Addr())
	}

	reader := bufreader.New(conn, s.Timeout())
	line, err := reader.ReadLine()
	if err != nil {
		handle.Fail(err)
		return false, mcdberr.Transport(err, "reading master probe reply from %s", s.Addr())
	}

	handle.Release()
	return string(line) == storedReply, nil
}

// Master returns the elected master, re-running election if the cached
// master is no longer alive.
func (g *Group) Master() (*server.Server, error) {
	g.mu.Lock()
	m := g.master
	g.mu.Unlock()

	if m != nil && m.Alive() {
		return m, nil
	}

	if err := g.electMaster(context.Background()); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.master, nil
}

// NextSlave advances the round-robin cursor and returns the next alive
// server. It sweeps at most once around the full server list — a full pass
// with no alive server surfaces a routing failure rather than recursing
// unboundedly (spec.md §9 open question).
func (g *Group) NextSlave() (*server.Server, error) {
	g.mu.Lock()
	n := len(g.servers)
	if n == 0 {
		g.mu.Unlock()
		return nil, mcdberr.Routing("group %q: no servers configured", g.name)
	}

	for i := 0; i < n; i++ {
		g.cursor = (g.cursor + 1) % n
		candidate := g.servers[g.cursor]
		g.mu.Unlock()

		if candidate.Alive() {
			return candidate, nil
		}

		g.mu.Lock()
	}
	g.mu.Unlock()

	return nil, mcdberr.Routing("group %q: no alive slave after full sweep", g.name)
}

// Alive reports whether the group currently has a usable, reachable
// master. Used by the client facade's group-selection failover check
// (spec.md §4.6).
func (g *Group) Alive() bool {
	g.mu.Lock()
	m := g.master
	g.mu.Unlock()
	return m != nil && m.Alive()
}

// String is used in error messages and logs.
func (g *Group) String() string {
	return fmt.Sprintf("group(%s, %d servers)", g.name, len(g.servers))
}
