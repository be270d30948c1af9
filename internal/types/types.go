// Package types holds the shared data model of spec.md §3: Agent,
// TaskContext, HireChain, Quote, BudgetDelegation, VerifiableJob,
// StreamingMeterState, AlertForCollusion, and HireRecord.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/money"
)

// Agent is a registered worker agent as read from RegistryClient.
type Agent struct {
	TokenID    uint64         `json:"tokenId"`
	Name       string         `json:"name"`
	Capability capability.Tag `json:"capability"`
	Endpoint   string         `json:"endpoint"`
	Price      money.Amount   `json:"price"`
	Reputation int            `json:"reputation"` // 0..100
	Owner      common.Address `json:"owner"`
	Active     bool           `json:"active"`
}

// TaskContext flows down the hire chain. Depth increases monotonically;
// PreviousResults is copied by value on every descent (never shared by
// reference) per spec.md §3's ownership rule.
type TaskContext struct {
	OriginalTask    string            `json:"originalTask"`
	Depth           uint              `json:"depth"`
	WalletAddress   *common.Address   `json:"walletAddress,omitempty"`
	PreviousResults map[string]string `json:"previousResults"`
	TaskID          uuid.UUID         `json:"taskId"`
}

// NewTaskContext starts a fresh context at depth 0 for a new top-level task.
func NewTaskContext(task string, wallet *common.Address) TaskContext {
	return TaskContext{
		OriginalTask:    task,
		Depth:           0,
		WalletAddress:   wallet,
		PreviousResults: make(map[string]string),
		TaskID:          uuid.New(),
	}
}

// Descend produces the child context for a recursive hire: depth+1, a
// value-copy of PreviousResults, sharing TaskID and WalletAddress.
func (c TaskContext) Descend() TaskContext {
	copied := make(map[string]string, len(c.PreviousResults))
	for k, v := range c.PreviousResults {
		copied[k] = v
	}
	return TaskContext{
		OriginalTask:    c.OriginalTask,
		Depth:           c.Depth + 1,
		WalletAddress:   c.WalletAddress,
		PreviousResults: copied,
		TaskID:          c.TaskID,
	}
}

// WithResult returns a copy of the context with agentName->output recorded.
func (c TaskContext) WithResult(agentName, output string) TaskContext {
	next := c
	next.PreviousResults = make(map[string]string, len(c.PreviousResults)+1)
	for k, v := range c.PreviousResults {
		next.PreviousResults[k] = v
	}
	next.PreviousResults[agentName] = output
	return next
}

// QuoteState is the Quote's lifecycle state (spec.md §3).
type QuoteState string

const (
	QuotePending  QuoteState = "Pending"
	QuoteExecuted QuoteState = "Executed"
	QuoteExpired  QuoteState = "Expired"
)

// PlannedStep is one entry of a Quote's plan: a required capability with
// the candidate agent snapshotted at quote time.
type PlannedStep struct {
	Capability capability.Tag `json:"capability"`
	Candidate  Agent          `json:"candidate"`
	Optional   bool           `json:"optional"`
}

// QuoteBreakdown is the itemized economic total of a Quote. Invariant:
// Total == CoordinatorFee + AgentCosts + Buffer + PlatformFee.
type QuoteBreakdown struct {
	CoordinatorFee money.Amount `json:"coordinatorFee"`
	AgentCosts     money.Amount `json:"agentCosts"`
	Buffer         money.Amount `json:"buffer"`
	PlatformFee    money.Amount `json:"platformFee"`
	Total          money.Amount `json:"total"`
}

// Quote is a priced, signed, time-limited execution plan (spec.md §3, §4.9).
type Quote struct {
	QuoteID        uuid.UUID      `json:"quoteId"`
	Task           string         `json:"task"`
	Plan           []PlannedStep  `json:"plan"`
	Breakdown      QuoteBreakdown `json:"breakdown"`
	PaymentAddress common.Address `json:"paymentAddress"`
	IssuedAt       time.Time      `json:"issuedAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	State          QuoteState     `json:"state"`
	Signature      string         `json:"signature"`
}

// BudgetDelegation authorizes delegatedTo to spend up to MaxBudget on
// delegatorAddress's behalf. Invariant: SpentBudget <= MaxBudget always.
type BudgetDelegation struct {
	DelegatorAddress common.Address `json:"delegatorAddress"`
	DelegatedTo      common.Address `json:"delegatedTo"`
	MaxBudget        money.Amount   `json:"maxBudget"`
	SpentBudget      money.Amount   `json:"spentBudget"`
}

// JobState is the VerifiableJob state machine's current state (spec.md §4.6).
type JobState string

const (
	JobCreated   JobState = "Created"
	JobCommitted JobState = "Committed"
	JobProven    JobState = "Proven"
	JobVerified  JobState = "Verified"
	JobSettled   JobState = "Settled"
	JobSlashed   JobState = "Slashed"
)

// JobOutcome is the terminal settlement outcome.
type JobOutcome string

const (
	OutcomeNone    JobOutcome = "none"
	OutcomeSettled JobOutcome = "settled"
	OutcomeSlashed JobOutcome = "slashed"
)

// VerifiableJob is a commit/prove/verify/settle escrow job.
type VerifiableJob struct {
	JobID          uuid.UUID      `json:"jobId"`
	Payer          common.Address `json:"payer"`
	Worker         common.Address `json:"worker"`
	Amount         money.Amount   `json:"amount"`
	State          JobState       `json:"state"`
	CommitmentHash string         `json:"commitmentHash,omitempty"`
	ProofHash      string         `json:"proofHash,omitempty"`
	VerifiedAt     *time.Time     `json:"verifiedAt,omitempty"`
	Outcome        JobOutcome     `json:"outcome"`
	CreatedAt      time.Time      `json:"createdAt"`
	DeadlineAt     time.Time      `json:"deadlineAt"`
	Sequence       uint64         `json:"sequence"`
}

// StreamingMeterState tracks per-(payer,worker,stream) token-metered
// micro-payment progress (spec.md §3, §4.7).
type StreamingMeterState struct {
	PayerAgent           string       `json:"payerAgent"`
	WorkerAgent          string       `json:"workerAgent"`
	StreamID             uuid.UUID    `json:"streamId"`
	TokensProduced       int64        `json:"tokensProduced"`
	TokensPaidFor        int64        `json:"tokensPaidFor"`
	CumulativePaidMinor   money.Amount `json:"cumulativePaidMinor"`
	LastSettleAt         time.Time    `json:"lastSettleAt"`
	Threshold            int64        `json:"threshold"`
	MinMicroPaymentMinor money.Amount `json:"minMicroPaymentMinor"`
	Closed               bool         `json:"closed"`
}

// AlertType enumerates the CollusionDetector's rejection reasons.
type AlertType string

const (
	AlertSameOwner    AlertType = "same_owner"
	AlertPriceGouging AlertType = "price_gouging"
	AlertRapidRepeat  AlertType = "rapid_repeat"
	AlertGraphCluster AlertType = "graph_cluster"
)

// AlertForCollusion describes why a prospective hire was rejected.
type AlertForCollusion struct {
	Type      AlertType `json:"type"`
	Severity  string    `json:"severity"`
	Hirer     string    `json:"hirer"`
	Hiree     string    `json:"hiree"`
	Timestamp time.Time `json:"timestamp"`
}

// HireRecord is one historical edge in the directed hire graph, kept in a
// bounded sliding window.
type HireRecord struct {
	HirerTokenID uint64         `json:"hirerTokenId"`
	HireeTokenID uint64         `json:"hireeTokenId"`
	HirerOwner   common.Address `json:"hirerOwner"`
	HireeOwner   common.Address `json:"hireeOwner"`
	Price        money.Amount   `json:"price"`
	Capability   capability.Tag `json:"capability"`
	Timestamp    time.Time      `json:"timestamp"`
}
