package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/types"
)

type fakeSource struct {
	calls  int
	agents []types.Agent
	err    error
}

func (f *fakeSource) AgentsByCapability(ctx context.Context, cap capability.Tag) ([]types.Agent, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.agents, nil
}

func agent(name string, rep int, active bool) types.Agent {
	return types.Agent{
		TokenID:    1,
		Name:       name,
		Capability: capability.Research,
		Price:      money.FromInt64(1000),
		Reputation: rep,
		Owner:      common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Active:     active,
	}
}

func TestDiscoverByCapabilityCachesResult(t *testing.T) {
	src := &fakeSource{agents: []types.Agent{agent("a", 90, true)}}
	c := NewClient(src, Config{CacheTTL: time.Minute, Registerer: prometheus.NewRegistry()}, nil)

	res1, err := c.DiscoverByCapability(context.Background(), "research")
	require.NoError(t, err)
	assert.False(t, res1.FromCache)
	assert.Len(t, res1.Agents, 1)

	res2, err := c.DiscoverByCapability(context.Background(), "research")
	require.NoError(t, err)
	assert.True(t, res2.FromCache)
	assert.Equal(t, 1, src.calls)
}

func TestDiscoverByCapabilityNoCandidates(t *testing.T) {
	src := &fakeSource{agents: []types.Agent{agent("a", 90, false)}}
	c := NewClient(src, Config{Registerer: prometheus.NewRegistry()}, nil)

	_, err := c.DiscoverByCapability(context.Background(), "research")
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestDiscoverByCapabilitySourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	c := NewClient(src, Config{Registerer: prometheus.NewRegistry()}, nil)

	_, err := c.DiscoverByCapability(context.Background(), "research")
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
}

func TestDiscoverByCapabilityUnknownTag(t *testing.T) {
	src := &fakeSource{}
	c := NewClient(src, Config{Registerer: prometheus.NewRegistry()}, nil)

	_, err := c.DiscoverByCapability(context.Background(), "definitely_not_a_tag")
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestDiscoverByCapabilityCacheExpires(t *testing.T) {
	src := &fakeSource{agents: []types.Agent{agent("a", 90, true)}}
	c := NewClient(src, Config{CacheTTL: 10 * time.Millisecond, Registerer: prometheus.NewRegistry()}, nil)

	_, err := c.DiscoverByCapability(context.Background(), "research")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	res, err := c.DiscoverByCapability(context.Background(), "research")
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 2, src.calls)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	src := &fakeSource{agents: []types.Agent{agent("a", 90, true)}}
	c := NewClient(src, Config{CacheTTL: time.Minute, Registerer: prometheus.NewRegistry()}, nil)

	_, err := c.DiscoverByCapability(context.Background(), "research")
	require.NoError(t, err)

	c.Invalidate(capability.Research)

	res, err := c.DiscoverByCapability(context.Background(), "research")
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 2, src.calls)
}
