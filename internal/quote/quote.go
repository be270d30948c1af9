// Package quote implements QuoteService and PaymentVerifier (spec.md
// §4.9): price a task by running the planner without executing it, issue
// a signed time-limited Quote, then verify an on-chain payment against it
// exactly once before TaskEngine runs.
package quote

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/clock"
	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/registry"
	"github.com/marketflow/coordinator/internal/selector"
	"github.com/marketflow/coordinator/internal/task"
	"github.com/marketflow/coordinator/internal/types"
)

var (
	ErrTaskTooShort       = errors.New("quote: task text shorter than 10 chars")
	ErrTaskTooLong        = errors.New("quote: task text longer than 2000 chars")
	ErrQuoteNotFound      = errors.New("quote: not found")
	ErrQuoteExpired       = errors.New("quote: expired")
	ErrQuoteAlreadyUsed   = errors.New("quote: already executed")
	ErrTxAlreadyConsumed  = errors.New("quote: transaction already consumed by another quote")
	ErrPaymentMismatch    = errors.New("quote: on-chain payment does not match quote")
)

const (
	minTaskLen = 10
	maxTaskLen = 2000
)

// ChainVerifier consults the chain to confirm a mined USDC transfer
// (spec.md §4.9's VerifyPaymentForQuote step).
type ChainVerifier interface {
	VerifyUSDCTransfer(ctx context.Context, txHash common.Hash, from, to common.Address, minAmount money.Amount) (bool, error)
}

// Config configures a Service.
type Config struct {
	CoordinatorFeePercent int64
	BufferPercent         int64
	PlatformFeePercent    int64
	QuoteTTL              time.Duration
	HMACSecret            []byte
}

// DefaultConfig returns sensible defaults: 2% coordinator fee, 3% buffer,
// 1% platform fee, 300s quote lifetime.
func DefaultConfig() Config {
	return Config{
		CoordinatorFeePercent: 2,
		BufferPercent:         3,
		PlatformFeePercent:    1,
		QuoteTTL:              300 * time.Second,
	}
}

// Service is the QuoteService + PaymentVerifier.
type Service struct {
	mu            sync.RWMutex
	quotes        map[uuid.UUID]*types.Quote
	consumedTx    map[common.Hash]uuid.UUID
	registry      *registry.Client
	selMetrics    *selector.Metrics
	planner       task.Planner
	chain         ChainVerifier
	clock         clock.Clock
	cfg           Config
	logger        *zap.Logger
}

// New builds a Service.
func New(reg *registry.Client, selMetrics *selector.Metrics, planner task.Planner, chain ChainVerifier, c clock.Clock, cfg Config, logger *zap.Logger) *Service {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = DefaultConfig().QuoteTTL
	}
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		quotes:     make(map[uuid.UUID]*types.Quote),
		consumedTx: make(map[common.Hash]uuid.UUID),
		registry:   reg,
		selMetrics: selMetrics,
		planner:    planner,
		chain:      chain,
		clock:      c,
		cfg:        cfg,
		logger:     logger,
	}
}

// GenerateQuote runs the planner without executing any subtask, snapshots
// the selected agent for each planned capability, and returns a signed,
// time-limited Quote (spec.md §4.9).
func (s *Service) GenerateQuote(ctx context.Context, taskText string, paymentAddress common.Address) (types.Quote, error) {
	if len(taskText) < minTaskLen {
		return types.Quote{}, ErrTaskTooShort
	}
	if len(taskText) > maxTaskLen {
		return types.Quote{}, ErrTaskTooLong
	}

	planned, err := s.planner.Plan(ctx, taskText)
	if err != nil {
		return types.Quote{}, err
	}
	maxSteps := task.DefaultConfig().MaxSubtasks
	if len(planned) > maxSteps {
		planned = planned[:maxSteps]
	}

	steps := make([]types.PlannedStep, 0, len(planned))
	agentCosts := money.Zero()
	for _, p := range planned {
		tag, ok := capability.Normalize(p.Capability)
		if !ok {
			continue
		}
		discovery, err := s.registry.DiscoverByCapability(ctx, string(tag))
		if err != nil {
			if p.Optional {
				continue
			}
			return types.Quote{}, err
		}
		decision, err := selector.Select(discovery.Agents, selector.Options{}.WithDefaults(), s.selMetrics, s.logger)
		if err != nil {
			if p.Optional {
				continue
			}
			return types.Quote{}, err
		}
		steps = append(steps, types.PlannedStep{Capability: tag, Candidate: decision.Selected, Optional: p.Optional})
		agentCosts = agentCosts.Add(decision.Selected.Price)
	}

	breakdown := types.QuoteBreakdown{
		AgentCosts:     agentCosts,
		CoordinatorFee: agentCosts.MulRatPercent(s.cfg.CoordinatorFeePercent),
		Buffer:         agentCosts.MulRatPercent(s.cfg.BufferPercent),
		PlatformFee:    agentCosts.MulRatPercent(s.cfg.PlatformFeePercent),
	}
	breakdown.Total = breakdown.AgentCosts.Add(breakdown.CoordinatorFee).Add(breakdown.Buffer).Add(breakdown.PlatformFee)

	now := s.clock.Now()
	q := types.Quote{
		QuoteID:        uuid.New(),
		Task:           taskText,
		Plan:           steps,
		Breakdown:      breakdown,
		PaymentAddress: paymentAddress,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.cfg.QuoteTTL),
		State:          types.QuotePending,
	}
	q.Signature = s.sign(q)

	s.mu.Lock()
	s.quotes[q.QuoteID] = &q
	s.mu.Unlock()

	return q, nil
}

// sign computes an HMAC-SHA256 over the quote's canonical economic fields
// (SPEC_FULL.md §5's quote-signing resolution), guarding against forgery
// of quoteId/total/paymentAddress/expiresAt.
func (s *Service) sign(q types.Quote) string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%d",
		q.QuoteID.String(), q.Task, q.Breakdown.Total.String(),
		q.PaymentAddress.Hex(), q.ExpiresAt.UnixMilli())
	mac := hmac.New(sha256.New, s.cfg.HMACSecret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature recomputes and compares the HMAC, in constant time.
func (s *Service) verifySignature(q types.Quote) bool {
	expected := s.sign(types.Quote{
		QuoteID: q.QuoteID, Task: q.Task, Breakdown: q.Breakdown,
		PaymentAddress: q.PaymentAddress, ExpiresAt: q.ExpiresAt,
	})
	return hmac.Equal([]byte(expected), []byte(q.Signature))
}

// Get returns the quote by id, for read-only views (e.g. GET /quote/:id).
func (s *Service) Get(quoteID uuid.UUID) (types.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[quoteID]
	if !ok {
		return types.Quote{}, false
	}
	return *q, true
}

// ValidateQuote enforces spec.md §4.9's ValidateQuote rule: the quote must
// exist, be Pending, unexpired, and carry a valid signature.
func (s *Service) ValidateQuote(quoteID uuid.UUID) (types.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[quoteID]
	if !ok {
		return types.Quote{}, ErrQuoteNotFound
	}
	now := s.clock.Now()
	if now.After(q.ExpiresAt) {
		q.State = types.QuoteExpired
		return *q, ErrQuoteExpired
	}
	if q.State != types.QuotePending {
		return *q, ErrQuoteAlreadyUsed
	}
	if !s.verifySignature(*q) {
		return *q, ErrPaymentMismatch
	}
	return *q, nil
}

// VerifyPaymentForQuote consults the chain to confirm a mined USDC
// transfer of at least expectedAmount from userAddress to paymentAddress,
// not previously consumed for another quote, then marks the quote
// Executed atomically (spec.md §4.9).
func (s *Service) VerifyPaymentForQuote(ctx context.Context, txHash common.Hash, quoteID uuid.UUID, expectedAmount money.Amount, paymentAddress, userAddress common.Address) error {
	if _, err := s.ValidateQuote(quoteID); err != nil {
		return err
	}

	s.mu.Lock()
	if owner, used := s.consumedTx[txHash]; used && owner != quoteID {
		s.mu.Unlock()
		return ErrTxAlreadyConsumed
	}
	s.mu.Unlock()

	ok, err := s.chain.VerifyUSDCTransfer(ctx, txHash, userAddress, paymentAddress, expectedAmount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPaymentMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, found := s.quotes[quoteID]
	if !found {
		return ErrQuoteNotFound
	}
	if q.State != types.QuotePending {
		return ErrQuoteAlreadyUsed
	}
	q.State = types.QuoteExecuted
	s.consumedTx[txHash] = quoteID
	return nil
}
