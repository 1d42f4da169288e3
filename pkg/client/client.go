// Package client implements C6 from spec.md §4.6: the public memcachedb
// client facade. It owns the key pipeline (namespacing, validation,
// autofix), group selection via the consistent-hash continuum with
// failover re-hashing, read/write dispatch (slaves for reads, master for
// writes), multi-get fan-out grouped by owning server, and the
// single-thread-owner/multithread concurrency gate from spec.md §5.
// Grounded in the teacher's pkg/client/client.go facade shape, generalized
// from Redis-style commands to the memcachedb command set.
package client

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cachemir/memcachedb/pkg/codec"
	"github.com/cachemir/memcachedb/pkg/continuum"
	"github.com/cachemir/memcachedb/pkg/group"
	"github.com/cachemir/memcachedb/pkg/logging"
	"github.com/cachemir/memcachedb/pkg/mcdberr"
	"github.com/cachemir/memcachedb/pkg/metrics"
	"github.com/cachemir/memcachedb/pkg/protocol"
	"github.com/cachemir/memcachedb/pkg/server"
)

const (
	maxKeyLength = 250
	maxValueSize = 1 << 20 // 1 MiB, spec.md §3
	maxFailoverTries = 19
)

// Options configures a Client. Defaults follow spec.md §6: namespace
// separator ":", multithread and failover on, no timeout, size checking on.
type Options struct {
	Logger             logging.Logger
	Metrics            *metrics.Registry
	Serializer         codec.Serializer
	Groups             []*group.Group
	GroupWeights       map[string]int
	Namespace          string
	NamespaceSeparator string
	Readonly           bool
	Multithread        *bool // nil means default true
	Failover           *bool // nil means default true
	NoReply            bool
	CheckSize          *bool // nil means default true
	AutofixKeys        *bool // nil means default true
}

// Client is the public facade over a set of replication groups arranged on
// a consistent-hash continuum.
type Client struct {
	logger      logging.Logger
	metrics     *metrics.Registry
	serializer  codec.Serializer
	continuum   *continuum.Continuum
	groups      map[string]*group.Group
	namespace   string
	separator   string
	readonly    bool
	multithread bool
	failover    bool
	noReply     bool
	checkSize   bool
	autofixKeys bool
	mu          sync.Mutex
	busy        atomic.Bool
}

// New builds a Client from a group list already constructed by the caller
// (each with an elected master, per group.New's invariant).
func New(opts Options) (*Client, error) {
	if len(opts.Groups) == 0 {
		return nil, mcdberr.Argument("client: at least one group is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop
	}
	serializer := opts.Serializer
	if serializer == nil {
		serializer = codec.Default()
	}
	separator := opts.NamespaceSeparator
	if separator == "" {
		separator = ":"
	}
	multithread := true
	if opts.Multithread != nil {
		multithread = *opts.Multithread
	}
	failover := true
	if opts.Failover != nil {
		failover = *opts.Failover
	}
	checkSize := true
	if opts.CheckSize != nil {
		checkSize = *opts.CheckSize
	}
	autofixKeys := true
	if opts.AutofixKeys != nil {
		autofixKeys = *opts.AutofixKeys
	}

	groups := make(map[string]*group.Group, len(opts.Groups))
	weights := make([]continuum.GroupWeight, 0, len(opts.Groups))
	for _, g := range opts.Groups {
		groups[g.Name()] = g
		weight := g.Weight()
		if w, ok := opts.GroupWeights[g.Name()]; ok && w > 0 {
			weight = w
		}
		weights = append(weights, continuum.GroupWeight{Name: g.Name(), Weight: weight})
	}

	return &Client{
		logger:      logger,
		metrics:     opts.Metrics,
		serializer:  serializer,
		continuum:   continuum.Build(weights),
		groups:      groups,
		namespace:   opts.Namespace,
		separator:   separator,
		readonly:    opts.Readonly,
		multithread: multithread,
		failover:    failover,
		noReply:     opts.NoReply,
		checkSize:   checkSize,
		autofixKeys: autofixKeys,
	}, nil
}

// guard enforces spec.md §5's concurrency gate: multithread mode serializes
// every socket operation behind one mutex; single-thread-owner mode instead
// raises a thread-discipline error on any concurrent call rather than
// blocking, since the spec models a client meant to be owned by exactly one
// goroutine at a time.
func (c *Client) guard() (func(), error) {
	if c.multithread {
		c.mu.Lock()
		return c.mu.Unlock, nil
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, mcdberr.ThreadDiscipline("concurrent call from non-owning goroutine")
	}
	return func() { c.busy.Store(false) }, nil
}

// --- key pipeline ----------------------------------------------------------

func (c *Client) namespaced(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + c.separator + key
}

func isValidKey(key string) bool {
	if len(key) == 0 || len(key) > maxKeyLength {
		return false
	}
	for _, r := range key {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

// resolveKey namespaces and validates a key, autofixing it (SHA-1 hash plus
// "-autofixed" suffix) when it's invalid and autofix is enabled, per
// spec.md §4.6.
func (c *Client) resolveKey(key string, autofix bool) (string, error) {
	full := c.namespaced(key)
	if isValidKey(full) {
		return full, nil
	}
	if !autofix {
		return "", mcdberr.Argument("invalid key %q", full)
	}
	sum := sha1.Sum([]byte(key))
	fixed := c.namespaced(hex.EncodeToString(sum[:]) + "-autofixed")
	if !isValidKey(fixed) {
		return "", mcdberr.Argument("invalid key %q", fixed)
	}
	return fixed, nil
}

func (c *Client) checkValueSize(payload []byte) error {
	if c.checkSize && len(payload) > maxValueSize {
		return mcdberr.Size("value exceeds %d bytes (got %d)", maxValueSize, len(payload))
	}
	return nil
}

// --- group / server selection ---------------------------------------------

// groupFor resolves a resolved (namespaced) key to its owning group via
// the continuum, re-hashing with the failover scheme from spec.md §4.6
// (CRC32("<try><key>") for try in 1..19) when the owning group is dead and
// failover is enabled. With exactly one group configured, the continuum
// is bypassed entirely and that group is returned directly, per
// spec.md:42/104: routing only exists to choose among ≥ 2 groups.
func (c *Client) groupFor(resolvedKey string) (*group.Group, error) {
	if len(c.groups) == 1 {
		for _, g := range c.groups {
			return g, nil
		}
	}

	hash := continuum.KeyHash(resolvedKey)
	name := c.continuum.GroupFor(hash)
	g := c.groups[name]
	if g != nil && g.Alive() {
		return g, nil
	}
	if !c.failover {
		if g == nil {
			return nil, mcdberr.Routing("no group for key (continuum empty)")
		}
		return nil, mcdberr.Routing("group %q is down and failover is disabled", name)
	}

	for try := 1; try <= maxFailoverTries; try++ {
		rehashed := continuum.KeyHash(fmt.Sprintf("%d%s", try, resolvedKey))
		candidateName := c.continuum.GroupFor(rehashed)
		candidate := c.groups[candidateName]
		if candidate != nil && candidate.Alive() {
			if c.metrics != nil {
				c.metrics.FailoverRehash()
			}
			return candidate, nil
		}
	}
	return nil, mcdberr.Routing("all groups unreachable after %d failover attempts", maxFailoverTries)
}

// --- basic operations --------------------------------------------------

// Get retrieves a single key, deserializing its payload into v.
func (c *Client) Get(ctx context.Context, key string, v any) error {
	unlock, err := c.guard()
	if err != nil {
		return err
	}
	defer unlock()

	resolved, err := c.resolveKey(key, c.autofixKeys)
	if err != nil {
		return err
	}
	g, err := c.groupFor(resolved)
	if err != nil {
		return err
	}
	srv, err := g.NextSlave()
	if err != nil {
		return err
	}

	items, err := protocol.Get(ctx, srv, []string{resolved}, false, c.metrics)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return mcdberr.Routing("key %q not found", key)
	}
	return c.serializer.Unmarshal(items[0].Value, v)
}

// GetMulti retrieves several keys at once, fanning out one "get" per
// server that owns at least one of the requested keys, per spec.md §4.6.
// A failing server's keys are logged and skipped rather than failing the
// whole call. Values are the stored payload bytes; they are not passed
// through the Serializer.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	unlock, err := c.guard()
	if err != nil {
		return nil, err
	}
	defer unlock()

	type batch struct {
		srv            *server.Server
		resolved       []string
		resolvedToOrig map[string]string
	}
	bySrv := make(map[string]*batch)

	for _, key := range keys {
		resolved, err := c.resolveKey(key, c.autofixKeys)
		if err != nil {
			c.logger.Warn("client: skipping invalid key in GetMulti", "key", key, "error", err)
			continue
		}
		g, err := c.groupFor(resolved)
		if err != nil {
			c.logger.Warn("client: skipping key with no reachable group", "key", key, "error", err)
			continue
		}
		srv, err := g.NextSlave()
		if err != nil {
			c.logger.Warn("client: skipping key with no reachable slave", "key", key, "error", err)
			continue
		}

		b, ok := bySrv[srv.Addr()]
		if !ok {
			b = &batch{srv: srv, resolvedToOrig: make(map[string]string)}
			bySrv[srv.Addr()] = b
		}
		b.resolved = append(b.resolved, resolved)
		b.resolvedToOrig[resolved] = key
	}

	out := make(map[string][]byte)
	for _, b := range bySrv {
		items, err := protocol.Get(ctx, b.srv, b.resolved, false, c.metrics)
		if err != nil {
			c.logger.Warn("client: server failed during GetMulti", "addr", b.srv.Addr(), "error", err)
			continue
		}
		for _, item := range items {
			if orig, ok := b.resolvedToOrig[item.Key]; ok {
				out[orig] = item.Value
			}
		}
	}
	return out, nil
}

// Set stores v under key via "set", replacing any existing value.
func (c *Client) Set(ctx context.Context, key string, v any, expirySeconds int) error {
	return c.store(ctx, "set", key, v, expirySeconds, 0)
}

// Add stores v under key via "add", failing with NOT_STORED if the key
// already exists.
func (c *Client) Add(ctx context.Context, key string, v any, expirySeconds int) error {
	return c.store(ctx, "add", key, v, expirySeconds, 0)
}

// Replace stores v under key via "replace", failing with NOT_STORED if the
// key does not already exist.
func (c *Client) Replace(ctx context.Context, key string, v any, expirySeconds int) error {
	return c.store(ctx, "replace", key, v, expirySeconds, 0)
}

// Append appends v's serialized bytes to the existing value via "append".
func (c *Client) Append(ctx context.Context, key string, v any) error {
	return c.store(ctx, "append", key, v, 0, 0)
}

// Prepend prepends v's serialized bytes to the existing value via
// "prepend".
func (c *Client) Prepend(ctx context.Context, key string, v any) error {
	return c.store(ctx, "prepend", key, v, 0, 0)
}

// Cas performs a compare-and-swap store, failing with EXISTS if the stored
// CAS token has since changed.
func (c *Client) Cas(ctx context.Context, key string, v any, expirySeconds int, casUnique uint64) error {
	return c.store(ctx, "cas", key, v, expirySeconds, casUnique)
}

func (c *Client) store(ctx context.Context, verb, key string, v any, expirySeconds int, casUnique uint64) error {
	if c.readonly {
		return mcdberr.Argument("client is readonly: cannot %s", verb)
	}

	unlock, err := c.guard()
	if err != nil {
		return err
	}
	defer unlock()

	resolved, err := c.resolveKey(key, c.autofixKeys)
	if err != nil {
		return err
	}
	payload, err := c.serializer.Marshal(v)
	if err != nil {
		return mcdberr.Argument("serializing value for key %q: %v", key, err)
	}
	if err := c.checkValueSize(payload); err != nil {
		return err
	}

	g, err := c.groupFor(resolved)
	if err != nil {
		return err
	}
	srv, err := g.Master()
	if err != nil {
		return err
	}

	status, err := protocol.Store(ctx, srv, verb, resolved, 0, expirySeconds, payload, casUnique, c.noReply, c.metrics)
	if err != nil {
		return err
	}
	if c.noReply {
		return nil
	}
	switch status {
	case protocol.Stored:
		return nil
	case protocol.NotStored:
		return mcdberr.Routing("%s on %q: not stored", verb, key)
	case protocol.Exists:
		return mcdberr.Routing("cas on %q: cas value changed", key)
	default:
		return mcdberr.Protocol("unexpected %s reply for %q: %s", verb, key, status)
	}
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	if c.readonly {
		return mcdberr.Argument("client is readonly: cannot delete")
	}

	unlock, err := c.guard()
	if err != nil {
		return err
	}
	defer unlock()

	resolved, err := c.resolveKey(key, c.autofixKeys)
	if err != nil {
		return err
	}
	g, err := c.groupFor(resolved)
	if err != nil {
		return err
	}
	srv, err := g.Master()
	if err != nil {
		return err
	}

	status, err := protocol.Delete(ctx, srv, resolved, c.noReply, c.metrics)
	if err != nil {
		return err
	}
	if c.noReply {
		return nil
	}
	if status == protocol.NotFound {
		return mcdberr.Routing("delete %q: not found", key)
	}
	return nil
}

// Incr atomically adds delta to the counter stored at key.
func (c *Client) Incr(ctx context.Context, key string, delta uint64) (*uint64, error) {
	return c.incrDecr(ctx, "incr", key, delta)
}

// Decr atomically subtracts delta from the counter stored at key, floored
// at 0 per the memcachedb command semantics.
func (c *Client) Decr(ctx context.Context, key string, delta uint64) (*uint64, error) {
	return c.incrDecr(ctx, "decr", key, delta)
}

func (c *Client) incrDecr(ctx context.Context, verb, key string, delta uint64) (*uint64, error) {
	if c.readonly {
		return nil, mcdberr.Argument("client is readonly: cannot %s", verb)
	}

	unlock, err := c.guard()
	if err != nil {
		return nil, err
	}
	defer unlock()

	resolved, err := c.resolveKey(key, c.autofixKeys)
	if err != nil {
		return nil, err
	}
	g, err := c.groupFor(resolved)
	if err != nil {
		return nil, err
	}
	srv, err := g.Master()
	if err != nil {
		return nil, err
	}

	return protocol.IncrDecr(ctx, srv, verb, resolved, delta, c.noReply, c.metrics)
}

// Fetch implements the fetch-or-compute pattern from spec.md §4.6: if key
// is present, its value is returned; otherwise producer runs and its
// result is stored via "add" (not "set"), so a concurrent producer that
// wins the race is preferred over overwriting it. If the add loses the
// race, the now-present value is fetched and returned instead.
func (c *Client) Fetch(ctx context.Context, key string, expirySeconds int, v any, producer func() (any, error)) error {
	if err := c.Get(ctx, key, v); err == nil {
		return nil
	}

	produced, err := producer()
	if err != nil {
		return err
	}

	if err := c.Add(ctx, key, produced, expirySeconds); err != nil {
		return c.Get(ctx, key, v)
	}
	return c.Get(ctx, key, v)
}

// Stats returns a per-server roll-up of each reachable server's STAT
// output, keyed by "host:port", per spec.md §4.6.
func (c *Client) Stats(ctx context.Context) (map[string]map[string]any, error) {
	unlock, err := c.guard()
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := make(map[string]map[string]any)
	seen := make(map[string]bool)
	for _, g := range c.groups {
		for _, srv := range g.Servers() {
			if seen[srv.Addr()] {
				continue
			}
			seen[srv.Addr()] = true

			stats, err := protocol.Stats(ctx, srv, c.metrics)
			if err != nil {
				c.logger.Warn("client: stats failed", "addr", srv.Addr(), "error", err)
				continue
			}
			out[srv.Addr()] = stats
		}
	}
	return out, nil
}

// Close releases every server's socket across every group.
func (c *Client) Close() {
	seen := make(map[string]bool)
	for _, g := range c.groups {
		for _, srv := range g.Servers() {
			if seen[srv.Addr()] {
				continue
			}
			seen[srv.Addr()] = true
			srv.Close()
		}
	}
}
