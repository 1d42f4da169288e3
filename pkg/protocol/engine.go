package protocol

import (
	"context"
	"net"

	"github.com/cachemir/memcachedb/pkg/bufreader"
	"github.com/cachemir/memcachedb/pkg/mcdberr"
	"github.com/cachemir/memcachedb/pkg/metrics"
	"github.com/cachemir/memcachedb/pkg/server"
)

// opError classifies a failure inside one attempt of the retry state
// machine in spec.md §4.5: transport errors (socket/timeout) terminate
// immediately and quarantine the server; any other error closes the
// socket and gets one retry on a freshly reconnected one before becoming
// terminal.
type opError struct {
	err       error
	transport bool
}

func (e *opError) Error() string { return e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

func transportFailure(err error) error { return &opError{err: err, transport: true} }
func genericFailure(err error) error   { return &opError{err: err, transport: false} }

// execute runs attempt against srv's socket following the FRESH → ATTEMPT →
// {SUCCESS, RECOVERABLE, FATAL} state machine from spec.md §7: a transport
// failure (socket write/read error, timeout) quarantines the server
// immediately with no retry; a generic failure (a malformed response)
// closes the socket, reconnects, and gets exactly one retry on the fresh
// connection before converting to a client error.
func execute[T any](ctx context.Context, srv *server.Server, m *metrics.Registry, attempt func(conn net.Conn, r *bufreader.BufferedReader) (T, error)) (T, error) {
	var zero T

	handle, err := srv.AcquireSocket(ctx)
	if err != nil {
		return zero, mcdberr.Transport(err, "acquiring socket to %s", srv.Addr())
	}
	if handle == nil {
		return zero, mcdberr.Routing("server %s is quarantined", srv.Addr())
	}

	for try := 0; ; try++ {
		reader := bufreader.New(handle.Conn(), srv.Timeout())
		result, aerr := attempt(handle.Conn(), reader)
		if aerr == nil {
			handle.Release()
			return result, nil
		}

		oe, ok := aerr.(*opError)
		if !ok {
			handle.Close()
			return zero, mcdberr.Protocol("%v", aerr)
		}
		if oe.transport {
			handle.Fail(oe.err)
			return zero, mcdberr.Transport(oe.err, "operation failed on %s", srv.Addr())
		}
		if try == 0 {
			handle.Close()
			if m != nil {
				m.RetryPerformed()
			}
			handle, err = srv.AcquireSocket(ctx)
			if err != nil {
				return zero, mcdberr.Transport(err, "re-acquiring socket to %s", srv.Addr())
			}
			if handle == nil {
				return zero, mcdberr.Routing("server %s is quarantined", srv.Addr())
			}
			continue
		}
		handle.Close()
		return zero, mcdberr.Protocol("operation failed on %s after retry: %v", srv.Addr(), oe.err)
	}
}

// asTransportOrGeneric classifies a parse-time failure: a malformed
// response (*ProtocolError) is a generic failure eligible for one retry
// on a fresh socket, per spec.md §7; anything else (EOF, connection
// reset, a read timeout) is a transport failure that quarantines the
// server without retrying.
func asTransportOrGeneric(err error) error {
	if _, ok := err.(*ProtocolError); ok {
		return genericFailure(err)
	}
	return transportFailure(err)
}

// Get issues "get" or "gets" for one or more keys already owned by srv,
// already namespaced. withCas selects "gets".
func Get(ctx context.Context, srv *server.Server, keys []string, withCas bool, m *metrics.Registry) ([]Item, error) {
	verb := "get"
	if withCas {
		verb = "gets"
	}
	if m != nil {
		m.CommandIssued()
	}
	return execute(ctx, srv, m, func(conn net.Conn, r *bufreader.BufferedReader) ([]Item, error) {
		if err := writeCommand(conn, srv.Timeout(), formatRetrieval(verb, keys)); err != nil {
			return nil, transportFailure(err)
		}
		items, err := parseGetReplies(r, withCas)
		if err != nil {
			return nil, asTransportOrGeneric(err)
		}
		return items, nil
	})
}

// Store issues a storage command (set/add/replace/append/prepend/cas). If
// noReply is true, the command is sent with " noreply" and no response is
// read; Store returns ("", nil) in that case.
func Store(ctx context.Context, srv *server.Server, verb, key string, flags uint32, expiry int, payload []byte, casUnique uint64, noReply bool, m *metrics.Registry) (StatusLine, error) {
	if m != nil {
		m.CommandIssued()
	}
	return execute(ctx, srv, m, func(conn net.Conn, r *bufreader.BufferedReader) (StatusLine, error) {
		cmd := formatStorage(verb, key, flags, expiry, payload, casUnique, noReply)
		if err := writeCommand(conn, srv.Timeout(), cmd); err != nil {
			return "", transportFailure(err)
		}
		if noReply {
			return "", nil
		}
		status, err := parseStorageReply(r)
		if err != nil {
			return "", asTransportOrGeneric(err)
		}
		return status, nil
	})
}

// IncrDecr issues "incr"/"decr". Returns nil if the key doesn't exist
// (spec.md §7: "counter on absent key returns null").
func IncrDecr(ctx context.Context, srv *server.Server, verb, key string, delta uint64, noReply bool, m *metrics.Registry) (*uint64, error) {
	if m != nil {
		m.CommandIssued()
	}
	return execute(ctx, srv, m, func(conn net.Conn, r *bufreader.BufferedReader) (*uint64, error) {
		if err := writeCommand(conn, srv.Timeout(), formatIncrDecr(verb, key, delta, noReply)); err != nil {
			return nil, transportFailure(err)
		}
		if noReply {
			return nil, nil
		}
		v, err := parseCounterReply(r)
		if err != nil {
			return nil, asTransportOrGeneric(err)
		}
		return v, nil
	})
}

// Delete issues "delete".
func Delete(ctx context.Context, srv *server.Server, key string, noReply bool, m *metrics.Registry) (StatusLine, error) {
	if m != nil {
		m.CommandIssued()
	}
	return execute(ctx, srv, m, func(conn net.Conn, r *bufreader.BufferedReader) (StatusLine, error) {
		if err := writeCommand(conn, srv.Timeout(), formatDelete(key, noReply)); err != nil {
			return "", transportFailure(err)
		}
		if noReply {
			return "", nil
		}
		status, err := parseStorageReply(r)
		if err != nil {
			return "", asTransportOrGeneric(err)
		}
		return status, nil
	})
}

// Stats issues "stats" and returns the coerced STAT map.
func Stats(ctx context.Context, srv *server.Server, m *metrics.Registry) (map[string]any, error) {
	if m != nil {
		m.CommandIssued()
	}
	return execute(ctx, srv, m, func(conn net.Conn, r *bufreader.BufferedReader) (map[string]any, error) {
		if err := writeCommand(conn, srv.Timeout(), formatStats()); err != nil {
			return nil, transportFailure(err)
		}
		stats, err := parseStatsReplies(r)
		if err != nil {
			return nil, asTransportOrGeneric(err)
		}
		return stats, nil
	})
}
