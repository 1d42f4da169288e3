// Package server implements C1 from spec.md §4.1: one TCP endpoint with
// lazy connect, dead/alive quarantine, and read/write timeouts. The single
// in-flight socket is held in a github.com/jackc/puddle/v2 pool configured
// with MaxSize: 1 — not connection pooling beyond one socket (an explicit
// Non-goal), but puddle's Acquire/Release/Destroy semantics applied to
// exactly the one lazily-created socket the spec mandates, in place of
// hand-rolled nil-checking. Grounded in
// other_examples/Assertive-Yield-gomemcache__memcache.go, which pools a
// *conn per server address the same way.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/cachemir/memcachedb/pkg/deadline"
	"github.com/cachemir/memcachedb/pkg/logging"
	"github.com/cachemir/memcachedb/pkg/metrics"
)

// QuarantineWindow is the 30-second dead-server retry delay from spec.md
// §3 — the only time-based state the core maintains.
const QuarantineWindow = 30 * time.Second

// Status is the enumeration replacing the stringly-typed server status per
// the REDESIGN note in spec.md §9.
type Status uint8

const (
	StatusNotConnected Status = iota
	StatusConnected
	StatusDead
)

// Config is the explicit, injected configuration for a Server — replacing
// the source's back-reference from Server to Client (spec.md §9): host,
// port, weight, timeout and logger are all passed in at construction
// instead of fetched from a parent client.
type Config struct {
	Logger  logging.Logger
	Metrics *metrics.Registry
	Host    string
	Port    int
	Weight  int
	Timeout time.Duration
}

// Server is one TCP endpoint in a Group.
type Server struct {
	pool       *puddle.Pool[net.Conn]
	logger     logging.Logger
	metrics    *metrics.Registry
	deadReason error
	retryAfter time.Time
	host       string
	mu         sync.Mutex
	port       int
	weight     int
	timeout    time.Duration
	status     Status
}

// New creates a disconnected Server; the socket is opened lazily on first
// AcquireSocket call.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop
	}
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}

	s := &Server{
		host:    cfg.Host,
		port:    cfg.Port,
		weight:  weight,
		timeout: cfg.Timeout,
		logger:  logger,
		metrics: cfg.Metrics,
		status:  StatusNotConnected,
	}

	pool, err := puddle.NewPool(&puddle.Config[net.Conn]{
		Constructor: s.dial,
		Destructor:  func(conn net.Conn) { _ = conn.Close() },
		MaxSize:     1,
	})
	if err != nil {
		// puddle.NewPool only fails on invalid config; MaxSize: 1 is always
		// valid, so this is unreachable in practice.
		panic(fmt.Sprintf("server: invalid pool config: %v", err))
	}
	s.pool = pool
	return s
}

// Addr returns "host:port", used as the server's identity in logs, stats
// roll-ups and multi-get server grouping.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Weight returns the server's relative weight (unused directly by the
// continuum, which weights groups, but surfaced for completeness and
// parity with spec.md §3's Server attributes).
func (s *Server) Weight() int { return s.weight }

// Timeout returns the per-operation timeout configured for this server.
func (s *Server) Timeout() time.Duration { return s.timeout }

func (s *Server) dial(ctx context.Context) (net.Conn, error) {
	addr := s.Addr()
	conn, err := deadline.DialTimeout("tcp", addr, s.timeout)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// Best-effort: tolerate platforms that reject these calls, per
		// spec.md §4.1.
		_ = tcpConn.SetNoDelay(true)
		if s.timeout > 0 {
			_ = tcpConn.SetReadBuffer(bufreaderHint)
		}
	}
	s.logger.Debug("server: connected", "addr", addr)
	return conn, nil
}

const bufreaderHint = 16 * 1024

// Handle is a borrowed socket plus its release contract: callers must call
// exactly one of Release (operation succeeded, socket stays usable), Close
// (socket is closed, server stays eligible) or Fail (socket is closed and
// the server quarantined).
type Handle struct {
	res  *puddle.Resource[net.Conn]
	s    *Server
}

// Conn is the underlying net.Conn to read/write.
func (h *Handle) Conn() net.Conn { return h.res.Value() }

// Release returns the socket to the server for reuse.
func (h *Handle) Release() { h.res.Release() }

// Close closes the socket without quarantining the server — the
// spec.md §4.1 distinction between Server.close() (eligible again
// immediately) and mark_dead (30s quarantine). Used for protocol errors
// other than EOF (spec.md §7).
func (h *Handle) Close() {
	h.res.Destroy()
}

// Fail closes the socket and quarantines the server for QuarantineWindow,
// per spec.md §4.1's mark_dead.
func (h *Handle) Fail(reason error) {
	h.res.Destroy()
	h.s.markDead(reason)
}

// AcquireSocket returns a Handle wrapping the existing open socket if
// usable. If the server is quarantined, it returns (nil, nil) — "dead", not
// an error, matching spec.md §4.1 ("acquire returns null"). Otherwise it
// lazily dials (wrapped in the deadline collaborator), marking the server
// dead on any connect failure.
func (s *Server) AcquireSocket(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	if s.status == StatusDead && time.Now().Before(s.retryAfter) {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	res, err := s.pool.Acquire(ctx)
	if err != nil {
		s.markDead(err)
		return nil, nil
	}

	s.mu.Lock()
	s.status = StatusConnected
	s.mu.Unlock()

	return &Handle{res: res, s: s}, nil
}

// markDead closes the socket (via puddle's destructor, already invoked by
// the caller before calling markDead) and sets retry_after = now + 30s.
func (s *Server) markDead(reason error) {
	s.mu.Lock()
	s.status = StatusDead
	s.retryAfter = time.Now().Add(QuarantineWindow)
	s.deadReason = reason
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ServerMarkedDead()
	}
	s.logger.Warn("server: marked dead", "addr", s.Addr(), "reason", reason)
}

// Alive reports whether the server is currently usable (not in quarantine).
func (s *Server) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusDead {
		return true
	}
	if time.Now().Before(s.retryAfter) {
		return false
	}
	// Quarantine window has elapsed; the next AcquireSocket will retry the
	// connect. Reflect that here too so callers polling Alive() see it.
	if s.metrics != nil {
		s.metrics.QuarantineExpired()
	}
	return true
}

// StatusString renders the human-readable status described in spec.md §3:
// one of "NOT CONNECTED", "CONNECTED", or "<host>:<port> DEAD (...)".
func (s *Server) StatusString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusConnected:
		return "CONNECTED"
	case StatusDead:
		return fmt.Sprintf("%s DEAD (%v)", s.Addr(), s.deadReason)
	default:
		return "NOT CONNECTED"
	}
}

// Close closes the server's socket without quarantining it — eligible
// again on the very next AcquireSocket, per spec.md §4.1.
func (s *Server) Close() {
	for _, res := range s.pool.AcquireAllIdle() {
		res.Destroy()
	}
}
