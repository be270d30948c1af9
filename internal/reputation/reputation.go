// Package reputation implements autonomy.ReputationSink: a running score
// per agent tokenId derived from hire outcomes (spec.md §4.5 step 9).
// Grounded on libs/reputation/scoring.go's ReputationManager, adapted from
// its libp2p peer.ID keying to this system's ERC-721 agent tokenId and
// simplified to the binary success/failure signal AutonomyEngine reports
// (no duration/cost/longevity inputs are available at that call site).
package reputation

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Score is one agent's running reputation tally.
type Score struct {
	TokenID   uint64
	Completed int
	Failed    int
	Value     float64 // 0.0-1.0, neutral (0.5) until MinSamples outcomes land
}

// Config configures a Manager.
type Config struct {
	// MinSamples is the outcome count below which Value stays neutral
	// (0.5), mirroring scoring.go's MinTasksForScore gate.
	MinSamples int
	Registerer prometheus.Registerer
}

// DefaultConfig mirrors scoring.go's MinTasksForScore default of 5.
func DefaultConfig() Config {
	return Config{MinSamples: 5}
}

// Manager tracks per-tokenId reputation and satisfies autonomy.ReputationSink.
type Manager struct {
	mu     sync.Mutex
	scores map[uint64]*Score
	cfg    Config
	logger *zap.Logger

	gauge   *prometheus.GaugeVec
	outcomes *prometheus.CounterVec
}

// NewManager builds a Manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig().MinSamples
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Manager{
		scores: make(map[uint64]*Score),
		cfg:    cfg,
		logger: logger,
		gauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_reputation_score",
			Help: "Current computed reputation score per agent tokenId.",
		}, []string{"token_id"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_hire_outcomes_total",
			Help: "Total hire outcomes per agent tokenId by result.",
		}, []string{"token_id", "result"}),
	}
}

// Report records one hire outcome for tokenID, implementing
// autonomy.ReputationSink.
func (m *Manager) Report(tokenID uint64, positive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	score, ok := m.scores[tokenID]
	if !ok {
		score = &Score{TokenID: tokenID, Value: 0.5}
		m.scores[tokenID] = score
	}

	label := tokenIDLabel(tokenID)
	if positive {
		score.Completed++
		m.outcomes.WithLabelValues(label, "success").Inc()
	} else {
		score.Failed++
		m.outcomes.WithLabelValues(label, "failure").Inc()
	}

	total := score.Completed + score.Failed
	if total < m.cfg.MinSamples {
		score.Value = 0.5
	} else {
		score.Value = float64(score.Completed) / float64(total)
	}
	m.gauge.WithLabelValues(label).Set(score.Value)

	m.logger.Info("reputation updated",
		zap.Uint64("token_id", tokenID),
		zap.Bool("positive", positive),
		zap.Float64("score", score.Value),
		zap.Int("completed", score.Completed),
		zap.Int("failed", score.Failed),
	)
}

// Score returns tokenID's current score and whether it has any recorded
// outcomes yet.
func (m *Manager) Score(tokenID uint64) (Score, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.scores[tokenID]
	if !ok {
		return Score{}, false
	}
	return *score, true
}

func tokenIDLabel(tokenID uint64) string {
	return strconv.FormatUint(tokenID, 10)
}
