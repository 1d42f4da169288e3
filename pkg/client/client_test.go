package client

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cachemir/memcachedb/internal/fixture"
	"github.com/cachemir/memcachedb/pkg/codec"
	"github.com/cachemir/memcachedb/pkg/group"
	"github.com/cachemir/memcachedb/pkg/server"
)

func newFixtureServer(t *testing.T, f *fixture.Server) *server.Server {
	t.Helper()
	host, portStr, err := net.SplitHostPort(f.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return server.New(server.Config{Host: host, Port: port, Weight: 1, Timeout: 2 * time.Second})
}

func newSingleGroupClient(t *testing.T, f *fixture.Server, name string) *Client {
	t.Helper()
	srv := newFixtureServer(t, f)
	g, err := group.New(group.Config{Name: name, Servers: []*server.Server{srv}})
	require.NoError(t, err)

	c, err := New(Options{Groups: []*group.Group{g}})
	require.NoError(t, err)
	return c
}

func TestSetThenGetRoundTrips(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	c := newSingleGroupClient(t, f, group.DefaultName)
	defer c.Close()
	ctx := context.Background()

	stored := []byte("hello world")
	require.NoError(t, c.Set(ctx, "greeting", stored, 0))

	var got []byte
	require.NoError(t, c.Get(ctx, "greeting", &got))
	require.Equal(t, stored, got)
}

func TestGetMissingKeyFails(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	c := newSingleGroupClient(t, f, group.DefaultName)
	defer c.Close()

	var got []byte
	err = c.Get(context.Background(), "nope", &got)
	require.Error(t, err)
}

func TestAddFailsWhenKeyAlreadyExists(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	c := newSingleGroupClient(t, f, group.DefaultName)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "k", []byte("first"), 0))
	err = c.Add(ctx, "k", []byte("second"), 0)
	require.Error(t, err)

	var got []byte
	require.NoError(t, c.Get(ctx, "k", &got))
	require.Equal(t, []byte("first"), got)
}

func TestIncrDecr(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	c := newSingleGroupClient(t, f, group.DefaultName)
	defer c.Close()
	// incr/decr work on the stored decimal text, so store it raw rather
	// than gob-encoded.
	c.serializer = codec.Raw{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "counter", []byte("10"), 0))

	v, err := c.Incr(ctx, "counter", 5)
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, uint64(15), *v)

	v, err = c.Decr(ctx, "counter", 20)
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, uint64(0), *v, "decr below zero floors at 0")
}

func TestDeleteThenGetMisses(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	c := newSingleGroupClient(t, f, group.DefaultName)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))

	var got []byte
	require.Error(t, c.Get(ctx, "k", &got))
}

func TestOversizeValueRejected(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	c := newSingleGroupClient(t, f, group.DefaultName)
	defer c.Close()

	huge := make([]byte, maxValueSize+1)
	err = c.Set(context.Background(), "k", huge, 0)
	require.Error(t, err)
}

func TestGetMultiSkipsDeadServer(t *testing.T) {
	fa, err := fixture.New()
	require.NoError(t, err)
	defer fa.Close()
	fb, err := fixture.New()
	require.NoError(t, err)
	defer fb.Close()

	srvA := newFixtureServer(t, fa)
	srvB := newFixtureServer(t, fb)
	ga, err := group.New(group.Config{Name: "a", Servers: []*server.Server{srvA}})
	require.NoError(t, err)
	gb, err := group.New(group.Config{Name: "b", Servers: []*server.Server{srvB}})
	require.NoError(t, err)

	// GetMulti returns stored payload bytes as-is, so store them raw.
	c, err := New(Options{Groups: []*group.Group{ga, gb}, Serializer: codec.Raw{}})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	// Seed several keys; some land on group a, some on group b, by
	// construction of the continuum over both group names.
	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8"}
	for _, k := range keys {
		require.NoError(t, c.Set(ctx, k, []byte("v-"+k), 0))
	}

	fb.SetDown(true)
	srvB.Close() // drop srvB's pooled connection so the next use must redial and fail

	got, err := c.GetMulti(ctx, keys)
	require.NoError(t, err)
	require.NotEmpty(t, got, "keys owned by the still-alive group must still be returned")
	for k, v := range got {
		require.Equal(t, []byte("v-"+k), v)
	}
}

func TestFetchUsesExistingValueWithoutCallingProducer(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	c := newSingleGroupClient(t, f, group.DefaultName)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "cached", []byte("already-there"), 0))

	called := false
	var got []byte
	err = c.Fetch(ctx, "cached", 0, &got, func() (any, error) {
		called = true
		return []byte("computed"), nil
	})
	require.NoError(t, err)
	require.False(t, called, "producer must not run when the key is already cached")
	require.Equal(t, []byte("already-there"), got)
}

func TestFetchRunsProducerOnMiss(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	c := newSingleGroupClient(t, f, group.DefaultName)
	defer c.Close()
	ctx := context.Background()

	var got []byte
	err = c.Fetch(ctx, "missing", 0, &got, func() (any, error) {
		return []byte("computed"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("computed"), got)
}

func TestStatsRollsUpPerServer(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	c := newSingleGroupClient(t, f, group.DefaultName)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	for _, serverStats := range stats {
		require.Equal(t, "fixture-1.0", serverStats["version"])
		// "a", "b" and the CLIENT_TEST_MASTER key written by master election.
		require.Equal(t, int64(3), serverStats["curr_items"])
	}
}

func TestNamespaceIsolatesKeys(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	srv := newFixtureServer(t, f)
	g, err := group.New(group.Config{Name: group.DefaultName, Servers: []*server.Server{srv}})
	require.NoError(t, err)

	c1, err := New(Options{Groups: []*group.Group{g}, Namespace: "app1"})
	require.NoError(t, err)
	defer c1.Close()

	c2, err := New(Options{Groups: []*group.Group{g}, Namespace: "app2"})
	require.NoError(t, err)
	defer c2.Close()

	ctx := context.Background()
	require.NoError(t, c1.Set(ctx, "k", []byte("from-app1"), 0))

	var got []byte
	require.Error(t, c2.Get(ctx, "k", &got), "app2's namespaced key must not see app1's value")
}

func TestReadonlyClientRejectsWrites(t *testing.T) {
	f, err := fixture.New()
	require.NoError(t, err)
	defer f.Close()

	srv := newFixtureServer(t, f)
	g, err := group.New(group.Config{Name: group.DefaultName, Servers: []*server.Server{srv}})
	require.NoError(t, err)

	c, err := New(Options{Groups: []*group.Group{g}, Readonly: true})
	require.NoError(t, err)
	defer c.Close()

	err = c.Set(context.Background(), "k", []byte("v"), 0)
	require.Error(t, err)
}
