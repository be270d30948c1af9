// Package collusion implements CollusionDetector (spec.md §4.4): a pure
// function over a prospective hire plus the recent HireRecord history that
// decides admissibility. Built fresh in the teacher's pure-function +
// bounded-ring-buffer idiom (spec.md §9), since no teacher package has a
// direct collusion-detection analogue.
package collusion

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/types"
)

// Config holds the four rule thresholds from spec.md §4.4.
type Config struct {
	PriceGougingMultiplier int           // N, default 3
	PriceGougingMinWindow  int           // K, default 5
	RapidRepeatThreshold   int           // R, default 3
	RapidRepeatWindow      time.Duration // W, default 600s
	MaxHistory             int           // ring buffer capacity
	MaxCycleLength         int           // default 4
	Registerer             prometheus.Registerer
}

// DefaultConfig returns spec.md §4.4's documented defaults.
func DefaultConfig() Config {
	return Config{
		PriceGougingMultiplier: 3,
		PriceGougingMinWindow:  5,
		RapidRepeatThreshold:   3,
		RapidRepeatWindow:      600 * time.Second,
		MaxHistory:             4096,
		MaxCycleLength:         4,
	}
}

// ProspectiveHire is the candidate edge submitted to Check.
type ProspectiveHire struct {
	HirerTokenID uint64
	HireeTokenID uint64
	HirerOwner   common.Address
	HireeOwner   common.Address
	Price        money.Amount
	Capability   capability.Tag
}

// Decision is Check's verdict: either admitted, or rejected with one
// AlertForCollusion naming the first rule that matched (rule order follows
// spec.md §4.4's numbering).
type Decision struct {
	Admitted bool
	Alert    *types.AlertForCollusion
}

// Detector holds the bounded ring buffer of recent hires and the
// configured thresholds. Check is pure given the current buffer contents;
// the only side effect of an admitted hire is the history append inside
// Record, which the caller invokes separately so AutonomyEngine can
// release a provisional cycle-check entry without recording a hire that
// was ultimately rejected on a later step.
type Detector struct {
	mu      sync.Mutex
	history []types.HireRecord // ring buffer, oldest first
	cfg     Config
	blocked *prometheus.CounterVec
}

// NewDetector builds a Detector. reg may be nil (uses the default
// prometheus registerer).
func NewDetector(cfg Config, reg prometheus.Registerer) *Detector {
	defaults := DefaultConfig()
	if cfg.PriceGougingMultiplier == 0 {
		cfg.PriceGougingMultiplier = defaults.PriceGougingMultiplier
	}
	if cfg.PriceGougingMinWindow == 0 {
		cfg.PriceGougingMinWindow = defaults.PriceGougingMinWindow
	}
	if cfg.RapidRepeatThreshold == 0 {
		cfg.RapidRepeatThreshold = defaults.RapidRepeatThreshold
	}
	if cfg.RapidRepeatWindow == 0 {
		cfg.RapidRepeatWindow = defaults.RapidRepeatWindow
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = defaults.MaxHistory
	}
	if cfg.MaxCycleLength == 0 {
		cfg.MaxCycleLength = defaults.MaxCycleLength
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Detector{
		cfg: cfg,
		blocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collusion_blocked_total",
			Help: "Total hires rejected by the collusion detector, by alert type.",
		}, []string{"alert_type"}),
	}
}

// Check evaluates h against the four rules in spec.md §4.4's order. It
// does not mutate history — call Record separately once the surrounding
// hire has otherwise fully succeeded.
func (d *Detector) Check(h ProspectiveHire, now time.Time) Decision {
	d.mu.Lock()
	snapshot := make([]types.HireRecord, len(d.history))
	copy(snapshot, d.history)
	d.mu.Unlock()

	if h.HirerOwner == h.HireeOwner {
		return d.reject(types.AlertSameOwner, h, now)
	}

	if ok := d.checkPriceGouging(snapshot, h); !ok {
		return d.reject(types.AlertPriceGouging, h, now)
	}

	if d.checkRapidRepeat(snapshot, h, now) {
		return d.reject(types.AlertRapidRepeat, h, now)
	}

	if d.checkCycle(snapshot, h) {
		return d.reject(types.AlertGraphCluster, h, now)
	}

	return Decision{Admitted: true}
}

func (d *Detector) reject(alertType types.AlertType, h ProspectiveHire, now time.Time) Decision {
	d.blocked.WithLabelValues(string(alertType)).Inc()
	return Decision{
		Admitted: false,
		Alert: &types.AlertForCollusion{
			Type:      alertType,
			Severity:  "high",
			Hirer:     h.HirerOwner.Hex(),
			Hiree:     h.HireeOwner.Hex(),
			Timestamp: now,
		},
	}
}

// checkPriceGouging returns false (i.e. violates) if price > N*median of
// historical prices for capability, and the window has >= K records.
func (d *Detector) checkPriceGouging(history []types.HireRecord, h ProspectiveHire) bool {
	var prices []money.Amount
	for _, r := range history {
		if r.Capability == h.Capability {
			prices = append(prices, r.Price)
		}
	}
	if len(prices) < d.cfg.PriceGougingMinWindow {
		return true
	}
	med := median(prices)
	cap := med.MulRatPercent(int64(d.cfg.PriceGougingMultiplier) * 100)
	if h.Price.Cmp(cap) > 0 {
		return false
	}
	return true
}

func median(amounts []money.Amount) money.Amount {
	sorted := make([]money.Amount, len(amounts))
	copy(sorted, amounts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).MulRatPercent(50)
}

// checkRapidRepeat reports true (violates) if the same directed edge has
// appeared >= R times within the last W seconds.
func (d *Detector) checkRapidRepeat(history []types.HireRecord, h ProspectiveHire, now time.Time) bool {
	count := 0
	cutoff := now.Add(-d.cfg.RapidRepeatWindow)
	for _, r := range history {
		if r.HirerTokenID == h.HirerTokenID && r.HireeTokenID == h.HireeTokenID && !r.Timestamp.Before(cutoff) {
			count++
		}
	}
	return count >= d.cfg.RapidRepeatThreshold
}

// checkCycle reports true (violates) if adding h completes a directed
// cycle of length <= MaxCycleLength. A bounded-depth DFS from hiree looks
// for a path back to hirer within MaxCycleLength-1 hops, per spec.md §9's
// "bounded-depth DFS, not full graph traversal" note.
func (d *Detector) checkCycle(history []types.HireRecord, h ProspectiveHire) bool {
	adjacency := make(map[uint64][]uint64)
	for _, r := range history {
		adjacency[r.HirerTokenID] = append(adjacency[r.HirerTokenID], r.HireeTokenID)
	}
	maxDepth := d.cfg.MaxCycleLength - 1
	return pathExists(adjacency, h.HireeTokenID, h.HirerTokenID, maxDepth, map[uint64]bool{})
}

func pathExists(adj map[uint64][]uint64, from, to uint64, maxDepth int, visited map[uint64]bool) bool {
	if from == to {
		return true
	}
	if maxDepth <= 0 {
		return false
	}
	if visited[from] {
		return false
	}
	visited[from] = true
	for _, next := range adj[from] {
		if pathExists(adj, next, to, maxDepth-1, visited) {
			return true
		}
	}
	return false
}

// Record appends an admitted hire to the bounded ring buffer, trimming the
// oldest entry once MaxHistory is exceeded.
func (d *Detector) Record(r types.HireRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, r)
	if len(d.history) > d.cfg.MaxHistory {
		d.history = d.history[len(d.history)-d.cfg.MaxHistory:]
	}
}

// History returns a defensive copy of the current ring buffer, for tests
// and diagnostics.
func (d *Detector) History() []types.HireRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.HireRecord, len(d.history))
	copy(out, d.history)
	return out
}
