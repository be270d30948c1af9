package auction

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/events"
	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/types"
)

func mkAgent(id uint64, rep int, price int64) types.Agent {
	return types.Agent{
		TokenID:    id,
		Name:       "agent",
		Capability: capability.DexAggregation,
		Price:      money.FromInt64(price),
		Reputation: rep,
		Owner:      common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Active:     true,
	}
}

// TestAuctionScenario2 encodes spec.md §8 scenario 2 literally: three
// dex_aggregation candidates (rep 80/90/70, price 1000/1200/800); with
// default weights the third candidate (rep 70, price 800) wins with
// bidScore 82.
func TestAuctionScenario2(t *testing.T) {
	rec := events.NewRecorder()
	e := NewEngine(nil, nil, rec, prometheus.NewRegistry(), nil)

	candidates := []types.Agent{
		mkAgent(1, 80, 1000),
		mkAgent(2, 90, 1200),
		mkAgent(3, 70, 800),
	}

	result := e.Run("auction-1", candidates, DefaultWeights(), ModeFirstPrice, false)

	require.Equal(t, uint64(3), result.Winner.TokenID)
	require.Len(t, result.Ranked, 3)

	assert.InDelta(t, 82.0, result.Ranked[0].BidScore, 0.001)
	assert.InDelta(t, 80.6667, result.Ranked[1].BidScore, 0.001)
	assert.InDelta(t, 80.0, result.Ranked[2].BidScore, 0.001)

	assert.Equal(t, uint64(3), result.Ranked[0].Agent.TokenID)
	assert.Equal(t, uint64(2), result.Ranked[1].Agent.TokenID)
	assert.Equal(t, uint64(1), result.Ranked[2].Agent.TokenID)

	assert.Equal(t, 1, rec.CountOfType(events.AuctionStart))
	assert.Equal(t, 3, rec.CountOfType(events.AuctionBid))
	assert.Equal(t, 1, rec.CountOfType(events.AuctionWinner))
}

func TestVCGWinnerPaysSecondPrice(t *testing.T) {
	e := NewEngine(nil, nil, nil, prometheus.NewRegistry(), nil)
	candidates := []types.Agent{
		mkAgent(1, 80, 1000),
		mkAgent(2, 90, 1200),
		mkAgent(3, 70, 800),
	}
	result := e.Run("auction-2", candidates, DefaultWeights(), ModeVCG, false)

	require.Equal(t, uint64(3), result.Winner.TokenID)
	assert.Equal(t, result.Ranked[1].BidAmount.String(), result.SecondPrice.String())
	assert.Equal(t, result.SecondPrice.String(), result.WinningBid.String())
}

func TestAuctionDeterministicRanking(t *testing.T) {
	e := NewEngine(nil, nil, nil, prometheus.NewRegistry(), nil)
	candidates := []types.Agent{
		mkAgent(1, 80, 1000),
		mkAgent(2, 90, 1200),
		mkAgent(3, 70, 800),
	}
	r1 := e.Run("a", candidates, DefaultWeights(), ModeFirstPrice, false)
	r2 := e.Run("a", candidates, DefaultWeights(), ModeFirstPrice, false)
	for i := range r1.Ranked {
		assert.Equal(t, r1.Ranked[i].Agent.TokenID, r2.Ranked[i].Agent.TokenID)
		assert.InDelta(t, r1.Ranked[i].BidScore, r2.Ranked[i].BidScore, 1e-9)
	}
}
