// Package selector implements the weighted reputation+price scoring
// described in spec.md §4.2, grounded on marketplace/discovery.go's
// calculateMatchScore and chain_agent_selector.go's calculateAgentScore.
package selector

import (
	"errors"
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/types"
)

// ErrNoViableCandidate is returned when no candidate survives filtering,
// even after relaxing to all active agents.
var ErrNoViableCandidate = errors.New("selector: no viable candidate")

// ErrEmptyCandidates is returned when the input candidate set is empty.
var ErrEmptyCandidates = errors.New("selector: candidate set must be non-empty")

// Options configures Select. Zero-value Options resolve to spec.md §4.2's
// documented defaults via WithDefaults.
type Options struct {
	MinReputation    int
	MaxPrice         *money.Amount // nil == unbounded
	PreferredEndpoint string
	WeightReputation float64
	WeightPrice      float64
}

// WithDefaults fills unset fields with spec.md §4.2's defaults:
// {70, ∞, none, 0.6, 0.4}.
func (o Options) WithDefaults() Options {
	if o.WeightReputation == 0 && o.WeightPrice == 0 {
		o.WeightReputation = 0.6
		o.WeightPrice = 0.4
	}
	if o.MinReputation == 0 {
		o.MinReputation = 70
	}
	return o
}

// CandidateScore is one candidate's computed scoring breakdown.
type CandidateScore struct {
	Agent           types.Agent
	ReputationScore float64
	PriceScore      float64
	EndpointBonus   float64
	FinalScore      float64
}

// Decision is the outcome of Select: the winner plus every candidate's
// score, ordered by rank, so callers can expose "alternatives".
type Decision struct {
	Selected   types.Agent
	Candidates []CandidateScore // ranked descending; Candidates[0] == Selected
	Relaxed    bool             // true if the reputation/price filter was relaxed
}

const endpointBonus = 5.0

// Metrics are the shared prometheus counters for Select calls.
type Metrics struct {
	selections *prometheus.CounterVec
}

// NewMetrics registers Select's counters against reg (nil == default).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		selections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "selector_selections_total",
			Help: "Total Select calls by outcome.",
		}, []string{"outcome"}),
	}
}

// Select scores candidates per spec.md §4.2 and returns the deterministic
// winner plus the full ranked breakdown. logger may be nil.
func Select(candidates []types.Agent, opts Options, metrics *Metrics, logger *zap.Logger) (Decision, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(candidates) == 0 {
		observe(metrics, "empty")
		return Decision{}, ErrEmptyCandidates
	}
	opts = opts.WithDefaults()

	filtered := filter(candidates, opts)
	relaxed := false
	if len(filtered) == 0 {
		filtered = activeOnly(candidates)
		relaxed = true
	}
	if len(filtered) == 0 {
		observe(metrics, "no_viable")
		return Decision{}, ErrNoViableCandidate
	}

	lowest, anyPositive := lowestPositivePrice(filtered)

	scores := make([]CandidateScore, 0, len(filtered))
	for _, c := range filtered {
		priceScore := priceScoreFor(c.Price, lowest, anyPositive)
		bonus := 0.0
		if opts.PreferredEndpoint != "" && c.Endpoint == opts.PreferredEndpoint {
			bonus = endpointBonus
		}
		final := opts.WeightReputation*float64(c.Reputation) + opts.WeightPrice*priceScore + bonus
		scores = append(scores, CandidateScore{
			Agent:           c,
			ReputationScore: float64(c.Reputation),
			PriceScore:      priceScore,
			EndpointBonus:   bonus,
			FinalScore:      final,
		})
	}

	sortScores(scores)

	observe(metrics, "ok")
	return Decision{Selected: scores[0].Agent, Candidates: scores, Relaxed: relaxed}, nil
}

func observe(m *Metrics, outcome string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(outcome).Inc()
}

func filter(candidates []types.Agent, opts Options) []types.Agent {
	out := make([]types.Agent, 0, len(candidates))
	for _, c := range candidates {
		if !c.Active {
			continue
		}
		if c.Reputation < opts.MinReputation {
			continue
		}
		if opts.MaxPrice != nil && c.Price.Cmp(*opts.MaxPrice) > 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

func activeOnly(candidates []types.Agent) []types.Agent {
	out := make([]types.Agent, 0, len(candidates))
	for _, c := range candidates {
		if c.Active {
			out = append(out, c)
		}
	}
	return out
}

// lowestPositivePrice returns the minimum positive price among candidates,
// and whether any positive price exists at all.
func lowestPositivePrice(candidates []types.Agent) (money.Amount, bool) {
	var lowest money.Amount
	found := false
	for _, c := range candidates {
		if c.Price.Sign() <= 0 {
			continue
		}
		if !found || c.Price.Cmp(lowest) < 0 {
			lowest = c.Price
			found = true
		}
	}
	return lowest, found
}

// priceScoreFor computes spec.md §4.2's priceScore: 100 if price is 0 (free);
// else 100 * lowestPrice / price, clamped to [0, 100].
func priceScoreFor(price, lowest money.Amount, anyPositive bool) float64 {
	if price.Sign() == 0 || !anyPositive {
		return 100
	}
	score := 100 * lowest.Float64() / price.Float64()
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// sortScores orders descending by FinalScore; ties broken by higher
// reputation, then lower price, then lexicographic tokenId (spec.md §4.2).
// This is a total order, so the result is byte-for-byte deterministic.
func sortScores(scores []CandidateScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
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
