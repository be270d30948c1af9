// Package registry implements RegistryClient (spec.md §4.1): reads agent
// metadata from an on-chain source, normalizes the requested capability,
// and caches results with a time-based TTL.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/types"
)

// ErrRegistryUnavailable is returned when the underlying Source errors.
var ErrRegistryUnavailable = errors.New("registry: source unavailable")

// ErrNoCandidates is returned when the registry source has zero active
// agents matching the normalized capability.
var ErrNoCandidates = errors.New("registry: no active candidates")

// ErrUnknownCapability is returned when the requested capability cannot be
// normalized into the closed tag set.
var ErrUnknownCapability = errors.New("registry: unrecognized capability")

// DiscoveryResult is the return value of DiscoverByCapability.
type DiscoveryResult struct {
	Capability capability.Tag
	Agents     []types.Agent
	FromCache  bool
}

// Source is the on-chain (or database-backed) registry this client reads
// through. Grounded on chain_agent_selector.go / db_agent_selector.go's
// split between chain-backed and DB-backed discovery — either can satisfy
// this interface.
type Source interface {
	// AgentsByCapability returns every agent (active or not) whose
	// on-chain capability tag equals cap.
	AgentsByCapability(ctx context.Context, cap capability.Tag) ([]types.Agent, error)
}

type cacheEntry struct {
	agents    []types.Agent
	expiresAt time.Time
}

// Config configures the RegistryClient.
type Config struct {
	CacheTTL time.Duration
	// Registerer receives this client's prometheus metrics. Defaults to
	// prometheus.DefaultRegisterer; tests should pass a fresh
	// prometheus.NewRegistry() to avoid duplicate-collector panics when
	// constructing more than one Client in the same process.
	Registerer prometheus.Registerer
}

// DefaultConfig mirrors spec.md §4.1's recommended 30s TTL.
func DefaultConfig() Config {
	return Config{CacheTTL: 30 * time.Second}
}

// Client is the RegistryClient. Cached entries expire CacheTTL after they
// are stored; the only other way an entry is dropped is an explicit
// Invalidate call.
type Client struct {
	mu     sync.RWMutex
	cache  map[capability.Tag]cacheEntry
	source Source
	cfg    Config
	logger *zap.Logger

	metricQueries  *prometheus.CounterVec
	metricCacheHit prometheus.Counter
	metricLatency  prometheus.Histogram
}

// NewClient builds a RegistryClient over source.
func NewClient(source Source, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Client{
		cache:  make(map[capability.Tag]cacheEntry),
		source: source,
		cfg:    cfg,
		logger: logger,
		metricQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_discovery_queries_total",
			Help: "Total DiscoverByCapability calls by result.",
		}, []string{"result"}),
		metricCacheHit: factory.NewCounter(prometheus.CounterOpts{
			Name: "registry_discovery_cache_hits_total",
			Help: "Total discovery queries served from cache.",
		}),
		metricLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "registry_discovery_latency_seconds",
			Help:    "Latency of DiscoverByCapability calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// DiscoverByCapability returns all active agents for cap, normalized per
// spec.md §4.1's synonym map.
func (c *Client) DiscoverByCapability(ctx context.Context, rawCap string) (DiscoveryResult, error) {
	start := time.Now()
	defer func() { c.metricLatency.Observe(time.Since(start).Seconds()) }()

	tag, ok := capability.Normalize(rawCap)
	if !ok {
		c.metricQueries.WithLabelValues("unknown_capability").Inc()
		return DiscoveryResult{}, ErrUnknownCapability
	}

	if agents, hit := c.fromCache(tag); hit {
		c.metricCacheHit.Inc()
		active := filterActive(agents)
		if len(active) == 0 {
			c.metricQueries.WithLabelValues("no_candidates").Inc()
			return DiscoveryResult{}, ErrNoCandidates
		}
		c.metricQueries.WithLabelValues("ok").Inc()
		return DiscoveryResult{Capability: tag, Agents: active, FromCache: true}, nil
	}

	agents, err := c.source.AgentsByCapability(ctx, tag)
	if err != nil {
		c.metricQueries.WithLabelValues("unavailable").Inc()
		c.logger.Warn("registry source error", zap.String("capability", string(tag)), zap.Error(err))
		return DiscoveryResult{}, errors.Join(ErrRegistryUnavailable, err)
	}

	c.store(tag, agents)

	active := filterActive(agents)
	if len(active) == 0 {
		c.metricQueries.WithLabelValues("no_candidates").Inc()
		return DiscoveryResult{}, ErrNoCandidates
	}
	c.metricQueries.WithLabelValues("ok").Inc()
	return DiscoveryResult{Capability: tag, Agents: active, FromCache: false}, nil
}

func filterActive(agents []types.Agent) []types.Agent {
	out := make([]types.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Active {
			out = append(out, a)
		}
	}
	return out
}

func (c *Client) fromCache(tag capability.Tag) ([]types.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[tag]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.agents, true
}

func (c *Client) store(tag capability.Tag, agents []types.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[tag] = cacheEntry{agents: agents, expiresAt: time.Now().Add(c.cfg.CacheTTL)}
}

// Invalidate drops any cached entry for tag, forcing the next discovery to
// hit the source.
func (c *Client) Invalidate(tag capability.Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, tag)
}
