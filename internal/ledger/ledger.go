// Package ledger implements PaymentLedger (spec.md §4.7): escrow, USDC
// transfer, streaming micro-payment metering, and delegated budgets. It is
// the exclusive owner of all USDC balance state and delegations per
// spec.md §3's ownership rule. Grounded on
// orchestration/payment_lifecycle.go's PaymentLifecycleManager.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/events"
	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/types"
)

var (
	ErrInsufficientFunds    = errors.New("ledger: insufficient funds")
	ErrPaymentFailed        = errors.New("ledger: payment failed")
	ErrDelegationNotFound   = errors.New("ledger: delegation not found")
	ErrDelegationExhausted  = errors.New("ledger: delegation budget exhausted")
	ErrJobNotFound          = errors.New("ledger: job not found")
	ErrStreamNotFound       = errors.New("ledger: stream not found")
	ErrStreamClosed         = errors.New("ledger: stream closed")
)

// Chain is the external USDC transfer rail. Grounded on
// payment_lifecycle.go's BlockchainInterface.
type Chain interface {
	Transfer(ctx context.Context, from, to common.Address, amount money.Amount) (txHash common.Hash, err error)
}

// StreamMode selects how micro-payments settle, per spec.md §4.7: batch
// (accumulate, settle once at stream close) or on-chain (each
// micro-payment is a real transfer). Process-wide configuration.
type StreamMode string

const (
	StreamModeBatch   StreamMode = "batch"
	StreamModeOnChain StreamMode = "onchain"
)

// Config configures the Ledger.
type Config struct {
	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	StreamMode              StreamMode
	SlashFeePercent         int64 // default 5, per SPEC_FULL.md §5
	Registerer              prometheus.Registerer
}

// DefaultConfig mirrors payment_lifecycle.go's DefaultPaymentConfig.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:        3,
		RetryBaseDelay:          time.Second,
		RetryMaxDelay:           10 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		StreamMode:              StreamModeBatch,
		SlashFeePercent:         5,
	}
}

type metrics struct {
	transfers *prometheus.CounterVec
	escrowed  prometheus.Gauge
}

// Ledger is the PaymentLedger. All balance and delegation state is
// guarded by a single RWMutex, with copy-out accessors so readers never
// observe a half-updated struct.
type Ledger struct {
	mu          sync.RWMutex
	balances    map[common.Address]money.Amount
	delegations map[common.Address]*types.BudgetDelegation // keyed by DelegatedTo (agent address)
	escrows     map[uuid.UUID]money.Amount
	streams     map[uuid.UUID]*types.StreamingMeterState

	chain   Chain
	breaker *CircuitBreaker
	cfg     Config
	sink    events.Sink
	logger  *zap.Logger
	metrics metrics
}

// New builds a Ledger. chain may be nil for tests that never Transfer.
func New(chain Chain, cfg Config, sink events.Sink, logger *zap.Logger) *Ledger {
	defaults := DefaultConfig()
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = defaults.RetryMaxAttempts
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if cfg.CircuitBreakerThreshold == 0 {
		cfg.CircuitBreakerThreshold = defaults.CircuitBreakerThreshold
	}
	if cfg.CircuitBreakerTimeout == 0 {
		cfg.CircuitBreakerTimeout = defaults.CircuitBreakerTimeout
	}
	if cfg.StreamMode == "" {
		cfg.StreamMode = defaults.StreamMode
	}
	if cfg.SlashFeePercent == 0 {
		cfg.SlashFeePercent = defaults.SlashFeePercent
	}
	if sink == nil {
		sink = events.NopSink
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Ledger{
		balances:    make(map[common.Address]money.Amount),
		delegations: make(map[common.Address]*types.BudgetDelegation),
		escrows:     make(map[uuid.UUID]money.Amount),
		streams:     make(map[uuid.UUID]*types.StreamingMeterState),
		chain:       chain,
		breaker:     NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
		cfg:         cfg,
		sink:        sink,
		logger:      logger,
		metrics: metrics{
			transfers: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_transfers_total",
				Help: "Total Transfer calls by outcome.",
			}, []string{"outcome"}),
			escrowed: factory.NewGauge(prometheus.GaugeOpts{
				Name: "ledger_escrow_balance_minor",
				Help: "Current total escrow balance held, in USDC minor units.",
			}),
		},
	}
}

// Credit adds amount to address's internal balance; used to seed test
// wallets and to settle inbound on-chain payments confirmed by
// PaymentVerifier.
func (l *Ledger) Credit(address common.Address, amount money.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] = l.balances[address].Add(amount)
}

// Balance returns address's current internal balance.
func (l *Ledger) Balance(address common.Address) money.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[address]
}

// Healthy reports whether the on-chain transfer circuit breaker is
// currently allowing requests through.
func (l *Ledger) Healthy() bool {
	return l.breaker.AllowRequest()
}

// TransferResult is Transfer's return value.
type TransferResult struct {
	TxHash  common.Hash
	Success bool
}

// Transfer moves amount from 'from' to 'to', atomically w.r.t. concurrent
// transfers from the same 'from' (spec.md §4.7). The internal ledger
// balance is debited/credited immediately; if a Chain is configured the
// on-chain leg is attempted behind the circuit breaker with exponential
// backoff, matching payment_lifecycle.go's executePaymentWithRetry.
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount money.Amount) (TransferResult, error) {
	if amount.Sign() <= 0 {
		return TransferResult{}, fmt.Errorf("ledger: transfer amount must be positive")
	}

	l.sink.Publish(events.New(events.PaymentSending, map[string]interface{}{
		"from": from.Hex(), "to": to.Hex(), "amount": amount.String(),
	}))

	if err := l.debit(from, amount); err != nil {
		l.metrics.transfers.WithLabelValues("insufficient_funds").Inc()
		return TransferResult{}, err
	}

	var txHash common.Hash
	if l.chain != nil {
		var err error
		txHash, err = l.transferWithRetry(ctx, from, to, amount)
		if err != nil {
			// refund the internal debit since the on-chain leg failed
			l.credit(from, amount)
			l.metrics.transfers.WithLabelValues("failed").Inc()
			return TransferResult{}, errors.Join(ErrPaymentFailed, err)
		}
	}
	l.credit(to, amount)

	l.metrics.transfers.WithLabelValues("ok").Inc()
	l.sink.Publish(events.New(events.PaymentConfirmed, map[string]interface{}{
		"from": from.Hex(), "to": to.Hex(), "amount": amount.String(), "txHash": txHash.Hex(),
	}))
	return TransferResult{TxHash: txHash, Success: true}, nil
}

func (l *Ledger) transferWithRetry(ctx context.Context, from, to common.Address, amount money.Amount) (common.Hash, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.RetryMaxAttempts; attempt++ {
		var txHash common.Hash
		err := l.breaker.Call(func() error {
			var innerErr error
			txHash, innerErr = l.chain.Transfer(ctx, from, to, amount)
			return innerErr
		})
		if err == nil {
			return txHash, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitBreakerOpen) || attempt == l.cfg.RetryMaxAttempts {
			break
		}
		delay := time.Duration(math.Pow(2, float64(attempt-1))) * l.cfg.RetryBaseDelay
		if delay > l.cfg.RetryMaxDelay {
			delay = l.cfg.RetryMaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		}
	}
	return common.Hash{}, lastErr
}

func (l *Ledger) debit(address common.Address, amount money.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[address]
	next, err := bal.SubChecked(amount)
	if err != nil {
		return ErrInsufficientFunds
	}
	l.balances[address] = next
	return nil
}

func (l *Ledger) credit(address common.Address, amount money.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] = l.balances[address].Add(amount)
}

// Escrow moves amount from payer's balance into the manager's escrow
// account for jobId. Invariant maintained: escrow balance == sum of
// amounts of jobs in non-terminal state (enforced by internal/verifiable,
// which calls Escrow exactly once per job and Release/Slash exactly once).
func (l *Ledger) Escrow(jobID uuid.UUID, from common.Address, amount money.Amount) error {
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.mu.Lock()
	l.escrows[jobID] = amount
	l.mu.Unlock()
	l.metrics.escrowed.Add(amount.Float64())
	return nil
}

// Release pays the full escrowed amount for jobId to 'to' (the worker),
// clearing the escrow entry.
func (l *Ledger) Release(jobID uuid.UUID, to common.Address) error {
	amount, err := l.popEscrow(jobID)
	if err != nil {
		return err
	}
	l.credit(to, amount)
	l.metrics.escrowed.Sub(amount.Float64())
	return nil
}

// Slash splits the escrowed amount for jobId per policy: SlashFeePercent
// to the protocol treasury, the remainder back to the payer (spec.md
// §9/§4.6 default policy).
func (l *Ledger) Slash(jobID uuid.UUID, payer, treasury common.Address) error {
	amount, err := l.popEscrow(jobID)
	if err != nil {
		return err
	}
	fee := amount.MulRatPercent(l.cfg.SlashFeePercent)
	remainder, _ := amount.SubChecked(fee)
	l.credit(treasury, fee)
	l.credit(payer, remainder)
	l.metrics.escrowed.Sub(amount.Float64())
	return nil
}

func (l *Ledger) popEscrow(jobID uuid.UUID) (money.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.escrows[jobID]
	if !ok {
		return money.Amount{}, ErrJobNotFound
	}
	delete(l.escrows, jobID)
	return amount, nil
}

// EscrowBalance returns the total currently escrowed across all open jobs,
// used to assert the invariant in tests.
func (l *Ledger) EscrowBalance() money.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := money.Zero()
	for _, a := range l.escrows {
		total = total.Add(a)
	}
	return total
}

// DelegateBudget registers or updates a delegation. An update sets
// maxBudget to any value not below the current spentBudget, higher or
// lower; it never resets an existing spentBudget.
func (l *Ledger) DelegateBudget(delegator, agentAddress common.Address, maxBudget money.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.delegations[agentAddress]
	if !ok {
		l.delegations[agentAddress] = &types.BudgetDelegation{
			DelegatorAddress: delegator,
			DelegatedTo:      agentAddress,
			MaxBudget:        maxBudget,
			SpentBudget:      money.Zero(),
		}
		return nil
	}
	if maxBudget.Cmp(existing.SpentBudget) < 0 {
		return fmt.Errorf("ledger: cannot set maxBudget below spentBudget")
	}
	existing.MaxBudget = maxBudget
	return nil
}

// ReserveAgainstDelegation atomically reserves amount against
// agentAddress's delegation, succeeding iff spentBudget+amount <=
// maxBudget.
func (l *Ledger) ReserveAgainstDelegation(agentAddress common.Address, amount money.Amount) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.delegations[agentAddress]
	if !ok {
		return false
	}
	next := d.SpentBudget.Add(amount)
	if next.Cmp(d.MaxBudget) > 0 {
		return false
	}
	d.SpentBudget = next
	return true
}

// ReleaseDelegationReservation undoes a reservation after a downstream
// payment failure, per spec.md §4.5 step 6.
func (l *Ledger) ReleaseDelegationReservation(agentAddress common.Address, amount money.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.delegations[agentAddress]
	if !ok {
		return
	}
	next, err := d.SpentBudget.SubChecked(amount)
	if err != nil {
		next = money.Zero()
	}
	d.SpentBudget = next
}

// DelegationFor returns a copy of agentAddress's current delegation, if any.
func (l *Ledger) DelegationFor(agentAddress common.Address) (types.BudgetDelegation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.delegations[agentAddress]
	if !ok {
		return types.BudgetDelegation{}, false
	}
	return *d, true
}

// OpenStream registers a new StreamingMeterState for (payerAgent,
// workerAgent), returning its streamId.
func (l *Ledger) OpenStream(payerAgent, workerAgent string, threshold int64, minMicroPayment money.Amount) uuid.UUID {
	id := uuid.New()
	l.mu.Lock()
	l.streams[id] = &types.StreamingMeterState{
		PayerAgent: payerAgent, WorkerAgent: workerAgent, StreamID: id,
		Threshold: threshold, MinMicroPaymentMinor: minMicroPayment,
		CumulativePaidMinor: money.Zero(), LastSettleAt: time.Now(),
	}
	l.mu.Unlock()
	l.sink.Publish(events.New(events.StreamOpen, map[string]interface{}{
		"streamId": id.String(), "payerAgent": payerAgent, "workerAgent": workerAgent,
	}))
	return id
}

// OnTokensProduced records n additional produced tokens for streamID and,
// if tokensProduced-tokensPaidFor crosses threshold AND the resulting
// micro-payment meets minMicroPayment, emits a micro-payment (spec.md
// §4.7). pricePerToken prices the settlement.
func (l *Ledger) OnTokensProduced(streamID uuid.UUID, n int64, pricePerToken money.Amount, from, to common.Address) error {
	l.mu.Lock()
	s, ok := l.streams[streamID]
	if !ok {
		l.mu.Unlock()
		return ErrStreamNotFound
	}
	if s.Closed {
		l.mu.Unlock()
		return ErrStreamClosed
	}
	s.TokensProduced += n
	unpaid := s.TokensProduced - s.TokensPaidFor
	due := unpaid >= s.Threshold
	microAmount := pricePerToken.MulRatPercent(unpaid * 100)
	meetsMin := microAmount.Cmp(s.MinMicroPaymentMinor) >= 0
	l.mu.Unlock()

	if !due || !meetsMin {
		return nil
	}
	return l.settleStream(streamID, from, to, pricePerToken, unpaid)
}

func (l *Ledger) settleStream(streamID uuid.UUID, from, to common.Address, pricePerToken money.Amount, tokens int64) error {
	amount := pricePerToken.MulRatPercent(tokens * 100)

	eventType := events.StreamMicro
	if l.cfg.StreamMode == StreamModeOnChain {
		eventType = events.StreamOnchain
		if _, err := l.Transfer(context.Background(), from, to, amount); err != nil {
			return err
		}
	}

	l.mu.Lock()
	s, ok := l.streams[streamID]
	if !ok {
		l.mu.Unlock()
		return ErrStreamNotFound
	}
	s.TokensPaidFor += tokens
	s.CumulativePaidMinor = s.CumulativePaidMinor.Add(amount)
	s.LastSettleAt = time.Now()
	l.mu.Unlock()

	l.sink.Publish(events.New(eventType, map[string]interface{}{
		"streamId": streamID.String(), "amount": amount.String(), "tokens": tokens,
	}))
	return nil
}

// CloseStream finalizes settlement for streamID: any produced-but-unpaid
// tokens settle first; in batch mode the stream's whole accumulated amount
// is then transferred in one Transfer. Marks the stream closed either way.
// TaskEngine does not call it on cancellation.
func (l *Ledger) CloseStream(streamID uuid.UUID, pricePerToken money.Amount, from, to common.Address) error {
	l.mu.Lock()
	s, ok := l.streams[streamID]
	if !ok {
		l.mu.Unlock()
		return ErrStreamNotFound
	}
	unpaid := s.TokensProduced - s.TokensPaidFor
	closed := s.Closed
	l.mu.Unlock()

	if closed {
		return nil
	}
	if unpaid > 0 {
		if err := l.settleStream(streamID, from, to, pricePerToken, unpaid); err != nil {
			return err
		}
	}
	if l.cfg.StreamMode == StreamModeBatch {
		l.mu.RLock()
		total := s.CumulativePaidMinor
		l.mu.RUnlock()
		if total.Sign() > 0 {
			if _, err := l.Transfer(context.Background(), from, to, total); err != nil {
				return err
			}
		}
	}
	l.mu.Lock()
	s.Closed = true
	l.mu.Unlock()
	l.sink.Publish(events.New(events.StreamSettle, map[string]interface{}{
		"streamId": streamID.String(), "final": true,
	}))
	return nil
}

// StreamState returns a copy of streamID's current meter state.
func (l *Ledger) StreamState(streamID uuid.UUID) (types.StreamingMeterState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.streams[streamID]
	if !ok {
		return types.StreamingMeterState{}, false
	}
	return *s, true
}
