// Package verifiable implements VerifiableJobManager (spec.md §4.6): the
// Created -> Committed -> Proven -> Verified -> Settled/Slashed state
// machine, with timeout-to-Slashed from any non-terminal state and
// exactly-once, idempotent transitions. Grounded on
// orchestration/payment_lifecycle.go's isValidStatusTransition map
// pattern.
package verifiable

import (
	"errors"
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
	ErrJobNotFound          = errors.New("verifiable: job not found")
	ErrInvalidTransition    = errors.New("verifiable: invalid state transition")
	ErrCommitmentMismatch   = errors.New("verifiable: proof does not match commitment")
)

// validTransitions encodes the one-way state machine of spec.md §4.6.
// Terminal states (Settled, Slashed) map to an empty set.
var validTransitions = map[types.JobState][]types.JobState{
	types.JobCreated:   {types.JobCommitted, types.JobSlashed},
	types.JobCommitted: {types.JobProven, types.JobSlashed},
	types.JobProven:    {types.JobVerified, types.JobSlashed},
	types.JobVerified:  {types.JobSettled, types.JobSlashed},
	types.JobSettled:   {},
	types.JobSlashed:   {},
}

func isValidTransition(from, to types.JobState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Verifier is the external (treated as pure) proof verifier: Verify(proof,
// publicInputs) -> bool, per spec.md §4.6.
type Verifier interface {
	Verify(proof, publicInputs []byte) bool
}

// Escrow is the subset of PaymentLedger's escrow API the job manager
// drives.
type Escrow interface {
	Escrow(jobID uuid.UUID, from common.Address, amount money.Amount) error
	Release(jobID uuid.UUID, to common.Address) error
	Slash(jobID uuid.UUID, payer, treasury common.Address) error
}

// Config configures the Manager.
type Config struct {
	StateTimeout time.Duration // deadline for every non-terminal state
	Treasury     common.Address
	Registerer   prometheus.Registerer
}

// DefaultConfig returns a 120s per-state timeout, matching the
// AutonomyEngine Execute default in spec.md §4.5.
func DefaultConfig() Config {
	return Config{StateTimeout: 120 * time.Second}
}

// Manager is the VerifiableJobManager.
type Manager struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*types.VerifiableJob
	sequence uint64

	escrow   Escrow
	verifier Verifier
	cfg      Config
	sink     events.Sink
	logger   *zap.Logger

	transitions *prometheus.CounterVec
}

// New builds a Manager.
func New(escrow Escrow, verifier Verifier, cfg Config, sink events.Sink, logger *zap.Logger) *Manager {
	if cfg.StateTimeout <= 0 {
		cfg.StateTimeout = DefaultConfig().StateTimeout
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
	return &Manager{
		jobs:     make(map[uuid.UUID]*types.VerifiableJob),
		escrow:   escrow,
		verifier: verifier,
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		transitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verifiable_job_transitions_total",
			Help: "Total VerifiableJob state transitions, by resulting state.",
		}, []string{"state"}),
	}
}

// Create escrows amount from payer and starts a new job in state Created.
func (m *Manager) Create(payer, worker common.Address, amount money.Amount) (types.VerifiableJob, error) {
	jobID := uuid.New()
	if err := m.escrow.Escrow(jobID, payer, amount); err != nil {
		return types.VerifiableJob{}, err
	}
	now := time.Now()
	job := &types.VerifiableJob{
		JobID: jobID, Payer: payer, Worker: worker, Amount: amount,
		State: types.JobCreated, Outcome: types.OutcomeNone,
		CreatedAt: now, DeadlineAt: now.Add(m.cfg.StateTimeout),
	}
	m.mu.Lock()
	job.Sequence = m.nextSequence()
	m.jobs[jobID] = job
	m.mu.Unlock()

	m.transitions.WithLabelValues(string(types.JobCreated)).Inc()
	m.sink.Publish(events.New(events.VerificationJobCreated, map[string]interface{}{
		"jobId": jobID.String(), "amount": amount.String(),
	}))
	return *job, nil
}

func (m *Manager) nextSequence() uint64 {
	m.sequence++
	return m.sequence
}

// Commit transitions Created -> Committed, recording commitmentHash.
// Idempotent: if the job is already Committed, this is a no-op success and
// the commitmentHash passed is ignored (spec.md §4.6's exactly-once replay
// semantics).
func (m *Manager) Commit(jobID uuid.UUID, commitmentHash string) (types.VerifiableJob, error) {
	return m.transition(jobID, types.JobCommitted, func(j *types.VerifiableJob) error {
		j.CommitmentHash = commitmentHash
		j.DeadlineAt = time.Now().Add(m.cfg.StateTimeout)
		return nil
	}, events.VerificationCommitted)
}

// ProofReady transitions Committed -> Proven, recording proofHash.
// proofHash is not compared with the recorded commitmentHash.
func (m *Manager) ProofReady(jobID uuid.UUID, proofHash string) (types.VerifiableJob, error) {
	return m.transition(jobID, types.JobProven, func(j *types.VerifiableJob) error {
		j.ProofHash = proofHash
		j.DeadlineAt = time.Now().Add(m.cfg.StateTimeout)
		return nil
	}, events.VerificationProofGenerated)
}

// Verify consults the external Verifier; on true, transitions to Verified
// then immediately Settles (escrow -> worker). On false, transitions to
// Slashed (escrow split per policy).
func (m *Manager) Verify(jobID uuid.UUID, proof, publicInputs []byte) (types.VerifiableJob, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return types.VerifiableJob{}, ErrJobNotFound
	}
	if job.State == types.JobVerified || job.State == types.JobSettled {
		snapshot := *job
		m.mu.Unlock()
		return snapshot, nil // idempotent replay
	}
	if job.State == types.JobSlashed {
		snapshot := *job
		m.mu.Unlock()
		return snapshot, nil // idempotent replay
	}
	if job.State != types.JobProven {
		m.mu.Unlock()
		return types.VerifiableJob{}, ErrInvalidTransition
	}
	m.mu.Unlock()

	ok2 := m.verifier.Verify(proof, publicInputs)
	if ok2 {
		if _, err := m.transition(jobID, types.JobVerified, func(j *types.VerifiableJob) error {
			now := time.Now()
			j.VerifiedAt = &now
			return nil
		}, events.VerificationVerified); err != nil {
			return types.VerifiableJob{}, err
		}
		return m.settle(jobID)
	}
	return m.slash(jobID)
}

// settle transitions Verified -> Settled and releases escrow to the worker.
func (m *Manager) settle(jobID uuid.UUID) (types.VerifiableJob, error) {
	job, err := m.transition(jobID, types.JobSettled, func(j *types.VerifiableJob) error {
		j.Outcome = types.OutcomeSettled
		return nil
	}, events.VerificationSettled)
	if err != nil {
		return types.VerifiableJob{}, err
	}
	if releaseErr := m.escrow.Release(jobID, job.Worker); releaseErr != nil {
		m.logger.Error("verifiable: release after settle failed", zap.Error(releaseErr))
	}
	return job, nil
}

// slash transitions the job (from any non-terminal state) to Slashed and
// splits escrow per the ledger's slash policy.
func (m *Manager) slash(jobID uuid.UUID) (types.VerifiableJob, error) {
	job, err := m.transitionFromAny(jobID, types.JobSlashed, func(j *types.VerifiableJob) error {
		j.Outcome = types.OutcomeSlashed
		return nil
	}, events.VerificationSlashed)
	if err != nil {
		return types.VerifiableJob{}, err
	}
	if slashErr := m.escrow.Slash(jobID, job.Payer, m.cfg.Treasury); slashErr != nil {
		m.logger.Error("verifiable: slash after transition failed", zap.Error(slashErr))
	}
	return job, nil
}

// CheckTimeout slashes jobID if its current state is non-terminal and its
// deadline has passed. Safe to call repeatedly; a no-op once the job is
// terminal.
func (m *Manager) CheckTimeout(jobID uuid.UUID, now time.Time) (types.VerifiableJob, bool, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return types.VerifiableJob{}, false, ErrJobNotFound
	}
	terminal := job.State == types.JobSettled || job.State == types.JobSlashed
	expired := !terminal && now.After(job.DeadlineAt)
	m.mu.Unlock()

	if !expired {
		return m.Get(jobID)
	}
	result, err := m.slash(jobID)
	return result, true, err
}

// transition applies mutate and moves the job from its current state to
// to, validating the edge. Idempotent: re-requesting a transition the job
// has already made (from==to's predecessor already applied) returns the
// current state with no error and no duplicate side effects.
func (m *Manager) transition(jobID uuid.UUID, to types.JobState, mutate func(*types.VerifiableJob) error, evt events.Type) (types.VerifiableJob, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return types.VerifiableJob{}, ErrJobNotFound
	}
	if job.State == to {
		snapshot := *job
		m.mu.Unlock()
		return snapshot, nil // idempotent replay
	}
	if !isValidTransition(job.State, to) {
		m.mu.Unlock()
		return types.VerifiableJob{}, ErrInvalidTransition
	}
	if err := mutate(job); err != nil {
		m.mu.Unlock()
		return types.VerifiableJob{}, err
	}
	job.State = to
	job.Sequence = m.nextSequence()
	snapshot := *job
	m.mu.Unlock()

	m.transitions.WithLabelValues(string(to)).Inc()
	m.sink.Publish(events.New(evt, map[string]interface{}{"jobId": jobID.String()}))
	return snapshot, nil
}

// transitionFromAny is like transition but allowed from any non-terminal
// state (used by slash/timeout, per spec.md §4.6's "timeout(any
// pre-terminal state) -> Slashed" edge).
func (m *Manager) transitionFromAny(jobID uuid.UUID, to types.JobState, mutate func(*types.VerifiableJob) error, evt events.Type) (types.VerifiableJob, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return types.VerifiableJob{}, ErrJobNotFound
	}
	if job.State == to {
		snapshot := *job
		m.mu.Unlock()
		return snapshot, nil
	}
	if job.State == types.JobSettled {
		m.mu.Unlock()
		return types.VerifiableJob{}, ErrInvalidTransition
	}
	if err := mutate(job); err != nil {
		m.mu.Unlock()
		return types.VerifiableJob{}, err
	}
	job.State = to
	job.Sequence = m.nextSequence()
	snapshot := *job
	m.mu.Unlock()

	m.transitions.WithLabelValues(string(to)).Inc()
	m.sink.Publish(events.New(evt, map[string]interface{}{"jobId": jobID.String()}))
	return snapshot, nil
}

// Get returns a copy of jobID's current state.
func (m *Manager) Get(jobID uuid.UUID) (types.VerifiableJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return types.VerifiableJob{}, false, ErrJobNotFound
	}
	return *job, true, nil
}
