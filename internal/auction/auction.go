// Package auction implements AuctionEngine (spec.md §4.3): a first-price
// sealed-bid attention auction over Selector-filtered candidates, plus an
// additive VCG (second-price) variant grounded on
// orchestration/vcg_auction.go.
package auction

import (
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/clock"
	"github.com/marketflow/coordinator/internal/events"
	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/types"
)

// Mode selects the pricing mechanism.
type Mode string

const (
	ModeFirstPrice Mode = "first_price"
	ModeVCG        Mode = "vcg"
)

// Bid is one participant's sealed bid.
type Bid struct {
	Agent      types.Agent
	BidAmount  money.Amount // listed price × (1+perturbation)
	BidScore   float64
}

// Result is the outcome of an auction round.
type Result struct {
	AuctionID  string
	Winner     types.Agent
	WinningBid money.Amount
	// SecondPrice is populated only when Mode == ModeVCG: the price the
	// winner actually pays (the runner-up's bid).
	SecondPrice money.Amount
	Mode        Mode
	Ranked      []Bid // descending by BidScore
}

// Weights mirrors Selector's weighting so auction and selection agree on
// what "reputation vs price" means (spec.md §4.3: "using the same weights
// as Selector").
type Weights struct {
	WeightReputation float64
	WeightPrice      float64
}

// DefaultWeights matches selector.Options.WithDefaults: {0.6, 0.4}.
func DefaultWeights() Weights {
	return Weights{WeightReputation: 0.6, WeightPrice: 0.4}
}

// Engine runs attention auctions, publishing auction:start/bid/winner
// events to sink.
type Engine struct {
	clock   clock.Clock
	rng     clock.RNG
	sink    events.Sink
	logger  *zap.Logger
	metrics *engineMetrics
}

type engineMetrics struct {
	rounds *prometheus.CounterVec
}

// NewEngine builds an auction Engine. reg may be nil (uses the default
// prometheus registerer).
func NewEngine(c clock.Clock, r clock.RNG, sink events.Sink, reg prometheus.Registerer, logger *zap.Logger) *Engine {
	if c == nil {
		c = clock.System{}
	}
	if r == nil {
		r = clock.NewDeterministic(0)
	}
	if sink == nil {
		sink = events.NopSink
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Engine{
		clock:  c,
		rng:    r,
		sink:   sink,
		logger: logger,
		metrics: &engineMetrics{
			rounds: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "auction_rounds_total",
				Help: "Total auction rounds by mode.",
			}, []string{"mode"}),
		},
	}
}

// perturbationMaxPct bounds the bid perturbation to a small jitter, enough
// to exercise spec.md §4.3's "× (1 + perturbation where permitted)" clause
// without letting a bid wander far from the listed price.
const perturbationMaxPct = 3

// Run executes one auction round over candidates (already Selector-
// filtered by the caller) and returns the winner. mode selects first-price
// (spec.md §4.3, the literal scenario) or the additive VCG variant.
func (e *Engine) Run(auctionID string, candidates []types.Agent, weights Weights, mode Mode, perturb bool) Result {
	if weights.WeightReputation == 0 && weights.WeightPrice == 0 {
		weights = DefaultWeights()
	}
	e.sink.Publish(events.New(events.AuctionStart, map[string]interface{}{
		"auctionId":     auctionID,
		"participants":  len(candidates),
		"mode":          string(mode),
	}))

	bids := make([]Bid, 0, len(candidates))
	for _, c := range candidates {
		amount := c.Price
		if perturb {
			pct := int64(e.rng.Float64() * perturbationMaxPct)
			amount = amount.Add(amount.MulRatPercent(pct))
		}
		bids = append(bids, Bid{Agent: c, BidAmount: amount})
	}

	minBid := minPositive(bids)
	for i := range bids {
		bids[i].BidScore = bidScore(bids[i], minBid, weights)
	}

	sortBids(bids)

	for _, b := range bids {
		e.sink.Publish(events.New(events.AuctionBid, map[string]interface{}{
			"auctionId": auctionID,
			"tokenId":   b.Agent.TokenID,
			"bidAmount": b.BidAmount.String(),
			"bidScore":  b.BidScore,
		}))
	}

	winner := bids[0]
	result := Result{
		AuctionID:  auctionID,
		Winner:     winner.Agent,
		WinningBid: winner.BidAmount,
		Mode:       mode,
		Ranked:     bids,
	}
	if mode == ModeVCG && len(bids) > 1 {
		result.SecondPrice = bids[1].BidAmount
		result.WinningBid = bids[1].BidAmount
	}

	e.metrics.rounds.WithLabelValues(string(mode)).Inc()
	e.sink.Publish(events.New(events.AuctionWinner, map[string]interface{}{
		"auctionId": auctionID,
		"tokenId":   winner.Agent.TokenID,
		"price":     result.WinningBid.String(),
	}))

	return result
}

func minPositive(bids []Bid) money.Amount {
	var lowest money.Amount
	found := false
	for _, b := range bids {
		if b.BidAmount.Sign() <= 0 {
			continue
		}
		if !found || b.BidAmount.Cmp(lowest) < 0 {
			lowest = b.BidAmount
			found = true
		}
	}
	return lowest
}

// bidScore computes spec.md §4.3: wRep*reputation + wPrice*(100*minBid/bid).
func bidScore(b Bid, minBid money.Amount, w Weights) float64 {
	if b.BidAmount.Sign() <= 0 {
		return w.WeightReputation*float64(b.Agent.Reputation) + w.WeightPrice*100
	}
	priceTerm := 100 * minBid.Float64() / b.BidAmount.Float64()
	if priceTerm > 100 {
		priceTerm = 100
	}
	return w.WeightReputation*float64(b.Agent.Reputation) + w.WeightPrice*priceTerm
}

// sortBids orders descending by BidScore; ties broken identically to
// selector.sortScores (spec.md §4.3: "ties broken identically to §4.2").
func sortBids(bids []Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		a, b := bids[i], bids[j]
		if a.BidScore != b.BidScore {
			return a.BidScore > b.BidScore
		}
		if a.Agent.Reputation != b.Agent.Reputation {
			return a.Agent.Reputation > b.Agent.Reputation
		}
		priceCmp := a.Agent.Price.Cmp(b.Agent.Price)
		if priceCmp != 0 {
			return priceCmp < 0
		}
		return strconv.FormatUint(a.Agent.TokenID, 10) < strconv.FormatUint(b.Agent.TokenID, 10)
	})
}
