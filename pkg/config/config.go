// Package config builds a client.Options (and the group/server tree
// beneath it) from one of a small set of constructor shapes — a single
// server, an explicit set of named replication groups, or a flat legacy
// endpoint list — plus optional environment overrides loaded through
// github.com/spf13/viper and github.com/joho/godotenv, in the style of the
// teacher's pkg/config/config.go (LoadServerConfig/LoadClientConfig reading
// flags, env vars and defaults in that precedence order).
//
// Environment variables are prefixed with "MCDB_", matching the teacher's
// own "CACHEMIR_" convention. For example, the namespace separator can be
// set with MCDB_NAMESPACE_SEPARATOR=".".
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cachemir/memcachedb/pkg/group"
	"github.com/cachemir/memcachedb/pkg/logging"
	"github.com/cachemir/memcachedb/pkg/mcdberr"
	"github.com/cachemir/memcachedb/pkg/metrics"
	"github.com/cachemir/memcachedb/pkg/server"
)

const (
	// DefaultPort is used for an endpoint string that omits ":port".
	DefaultPort = 11211
	// DefaultWeight is used for an endpoint string that omits ":weight".
	DefaultWeight = 1
	// DefaultNamespaceSeparator matches spec.md §3.
	DefaultNamespaceSeparator = ":"
	// EnvPrefix is the prefix viper looks for when AutoEnv is used.
	EnvPrefix = "MCDB"
)

// EndpointSpec is one "host:port[:weight]" server within a group.
type EndpointSpec struct {
	Host   string
	Port   int
	Weight int
}

// GroupSpec is one named replication group: a master and its slaves, all
// serving the same keyspace slice.
type GroupSpec struct {
	Name      string
	Weight    int
	Endpoints []EndpointSpec
}

// Spec is the fully-resolved configuration for a Client: its group
// topology plus every ClientOptions field from spec.md §6.
//
// Build one with Empty, Single, Multi or LegacyEndpoints, optionally
// override fields (or call ApplyEnv to pull overrides from the environment)
// and call BuildGroups.
type Spec struct {
	Groups             []GroupSpec
	Namespace          string
	NamespaceSeparator string
	TimeoutMillis      int
	Readonly           bool
	Multithread        bool
	Failover           bool
	NoReply            bool
	CheckSize          bool
	AutofixKeys        bool
}

// Empty returns a Spec with spec.md §6's documented defaults and no
// groups; at least one group must be added before BuildGroups will succeed.
func Empty() *Spec {
	return &Spec{
		NamespaceSeparator: DefaultNamespaceSeparator,
		Multithread:        true,
		Failover:           true,
		CheckSize:          true,
		AutofixKeys:        true,
	}
}

// Single returns a Spec with one group containing exactly one server,
// for the common case of talking to a single memcachedb instance with no
// replication.
func Single(addr string) (*Spec, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	s := Empty()
	s.Groups = []GroupSpec{{Name: group.DefaultName, Weight: DefaultWeight, Endpoints: []EndpointSpec{ep}}}
	return s, nil
}

// Multi returns a Spec with one named group per map entry, each group's
// endpoints parsed from "host:port[:weight]" strings. Every group's weight
// is DefaultWeight; callers wanting a specific group weight should set
// GroupSpec.Weight after construction.
func Multi(groups map[string][]string) (*Spec, error) {
	s := Empty()
	for name, addrs := range groups {
		gs := GroupSpec{Name: name, Weight: DefaultWeight}
		for _, addr := range addrs {
			ep, err := ParseEndpoint(addr)
			if err != nil {
				return nil, fmt.Errorf("config: group %q: %w", name, err)
			}
			gs.Endpoints = append(gs.Endpoints, ep)
		}
		s.Groups = append(s.Groups, gs)
	}
	return s, nil
}

// LegacyEndpoints returns a Spec with a single default-named group built
// from a flat list of "host:port[:weight]" strings — the shape older
// memcache client configs use when they don't know about replication
// groups at all.
func LegacyEndpoints(addrs []string) (*Spec, error) {
	gs := GroupSpec{Name: group.DefaultName, Weight: DefaultWeight}
	for _, addr := range addrs {
		ep, err := ParseEndpoint(addr)
		if err != nil {
			return nil, err
		}
		gs.Endpoints = append(gs.Endpoints, ep)
	}
	s := Empty()
	s.Groups = []GroupSpec{gs}
	return s, nil
}

// ParseEndpoint parses "host:port[:weight]", defaulting port to
// DefaultPort and weight to DefaultWeight when omitted.
func ParseEndpoint(addr string) (EndpointSpec, error) {
	parts := strings.Split(addr, ":")
	if len(parts) == 0 || parts[0] == "" {
		return EndpointSpec{}, mcdberr.Argument("config: empty endpoint")
	}

	ep := EndpointSpec{Host: parts[0], Port: DefaultPort, Weight: DefaultWeight}
	if len(parts) >= 2 && parts[1] != "" {
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return EndpointSpec{}, mcdberr.Argument("config: invalid port in %q: %v", addr, err)
		}
		ep.Port = port
	}
	if len(parts) >= 3 && parts[2] != "" {
		weight, err := strconv.Atoi(parts[2])
		if err != nil {
			return EndpointSpec{}, mcdberr.Argument("config: invalid weight in %q: %v", addr, err)
		}
		ep.Weight = weight
	}
	return ep, nil
}

// ApplyEnv overrides namespace, separator, timeout and boolean flags from
// environment variables prefixed MCDB_ (via viper), after first loading a
// ".env" file if present (via godotenv, ignoring a missing file). Group
// topology is never sourced from the environment — only the endpoint
// constructors above set Groups.
func (s *Spec) ApplyEnv() error {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if ns := v.GetString("namespace"); ns != "" {
		s.Namespace = ns
	}
	if sep := v.GetString("namespace_separator"); sep != "" {
		s.NamespaceSeparator = sep
	}
	if v.IsSet("timeout_millis") {
		s.TimeoutMillis = v.GetInt("timeout_millis")
	}
	if v.IsSet("readonly") {
		s.Readonly = v.GetBool("readonly")
	}
	if v.IsSet("multithread") {
		s.Multithread = v.GetBool("multithread")
	}
	if v.IsSet("failover") {
		s.Failover = v.GetBool("failover")
	}
	if v.IsSet("no_reply") {
		s.NoReply = v.GetBool("no_reply")
	}
	if v.IsSet("check_size") {
		s.CheckSize = v.GetBool("check_size")
	}
	if v.IsSet("autofix_keys") {
		s.AutofixKeys = v.GetBool("autofix_keys")
	}
	return nil
}

// Validate checks the invariants BuildGroups relies on: at least one group, each
// group with at least one endpoint, and no duplicate group names.
func (s *Spec) Validate() error {
	if len(s.Groups) == 0 {
		return mcdberr.Argument("config: at least one group is required")
	}
	seen := make(map[string]bool, len(s.Groups))
	for _, g := range s.Groups {
		if seen[g.Name] {
			return mcdberr.Argument("config: duplicate group name %q", g.Name)
		}
		seen[g.Name] = true
		if len(g.Endpoints) == 0 {
			return mcdberr.Argument("config: group %q has no endpoints", g.Name)
		}
	}
	return nil
}

// Timeout returns TimeoutMillis as a time.Duration (0 means no timeout).
func (s *Spec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMillis) * time.Millisecond
}

// BuildGroups constructs the server and group tree described by the Spec,
// electing a master for every group (group.New's own invariant). Servers
// share the given logger and metrics registry.
func (s *Spec) BuildGroups(logger logging.Logger, m *metrics.Registry) ([]*group.Group, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	timeout := s.Timeout()
	groups := make([]*group.Group, 0, len(s.Groups))
	for _, gs := range s.Groups {
		servers := make([]*server.Server, 0, len(gs.Endpoints))
		for _, ep := range gs.Endpoints {
			servers = append(servers, server.New(server.Config{
				Logger:  logger,
				Metrics: m,
				Host:    ep.Host,
				Port:    ep.Port,
				Weight:  ep.Weight,
				Timeout: timeout,
			}))
		}

		weight := gs.Weight
		if weight <= 0 {
			weight = DefaultWeight
		}
		g, err := group.New(group.Config{
			Logger:  logger,
			Name:    gs.Name,
			Servers: servers,
			Weight:  weight,
		})
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}
