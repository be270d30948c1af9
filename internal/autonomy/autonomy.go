// Package autonomy implements AutonomyEngine (spec.md §4.5): given a
// requesting agent and desired capability, orchestrate Discover ->
// Select/Auction -> CollusionCheck -> Pay -> Execute -> RecordReputation,
// with depth and cycle limits, and best-effort recursive hiring from the
// executed agent's own output (§4.5.1).
package autonomy

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/auction"
	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/collusion"
	"github.com/marketflow/coordinator/internal/events"
	"github.com/marketflow/coordinator/internal/ledger"
	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/registry"
	"github.com/marketflow/coordinator/internal/selector"
	"github.com/marketflow/coordinator/internal/types"
)

var (
	ErrMaxDepth        = errors.New("autonomy: max hire depth exceeded")
	ErrCircularHire    = errors.New("autonomy: circular hire rejected")
	ErrNoCandidates    = errors.New("autonomy: no candidates discovered")
	ErrCollusionBlocked = errors.New("autonomy: collusion blocked")
	ErrPaymentFailed   = errors.New("autonomy: payment failed")
	ErrExecuteFailed   = errors.New("autonomy: agent execution failed")
)

// Requester identifies the agent (or the coordinator itself, for
// top-level TaskEngine calls) asking for a hire.
type Requester struct {
	Name    string
	Address common.Address
	TokenID uint64
	CanHire bool
}

// Executor is the agent-as-interface seam (spec.md §9): one method,
// selected by a registration table keyed on capability, never by
// subclassing.
type Executor interface {
	Execute(ctx context.Context, task string, tctx types.TaskContext) (string, error)
}

// ExecutorRegistry is the registration table mapping capability -> Executor.
type ExecutorRegistry map[capability.Tag]Executor

// ReputationSink receives positive/negative outcome reports for a hired
// agent's tokenId (spec.md §4.5 step 9).
type ReputationSink interface {
	Report(tokenID uint64, positive bool)
}

// Config configures the Engine.
type Config struct {
	MaxDepth       uint
	ExecuteTimeout time.Duration
	Treasury       common.Address
}

// DefaultConfig returns spec.md §4.5's documented defaults: MaxDepth 3,
// ExecuteTimeout 120s.
func DefaultConfig() Config {
	return Config{MaxDepth: 3, ExecuteTimeout: 120 * time.Second}
}

// HireResult is Hire's return value.
type HireResult struct {
	Output         string
	Selected       types.Agent
	Cost           money.Amount
	Payer          common.Address
	SubAgentsHired []string
}

// Engine is the AutonomyEngine.
type Engine struct {
	registryClient *registry.Client
	selectorMetrics *selector.Metrics
	auctionEngine  *auction.Engine
	detector       *collusion.Detector
	ledger         *ledger.Ledger
	executors      ExecutorRegistry
	reputation     ReputationSink
	hireChain      *HireChain
	sink           events.Sink
	logger         *zap.Logger
	cfg            Config
}

// New builds an Engine from its component dependencies.
func New(
	registryClient *registry.Client,
	selectorMetrics *selector.Metrics,
	auctionEngine *auction.Engine,
	detector *collusion.Detector,
	led *ledger.Ledger,
	executors ExecutorRegistry,
	reputation ReputationSink,
	cfg Config,
	sink events.Sink,
	logger *zap.Logger,
) *Engine {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = DefaultConfig().ExecuteTimeout
	}
	if sink == nil {
		sink = events.NopSink
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if executors == nil {
		executors = ExecutorRegistry{}
	}
	return &Engine{
		registryClient:  registryClient,
		selectorMetrics: selectorMetrics,
		auctionEngine:   auctionEngine,
		detector:        detector,
		ledger:          led,
		executors:       executors,
		reputation:      reputation,
		hireChain:       NewHireChain(),
		sink:            sink,
		logger:          logger,
		cfg:             cfg,
	}
}

// HireChain exposes the engine's chain tracker so TaskEngine can Drop it
// once a top-level task completes.
func (e *Engine) HireChain() *HireChain { return e.hireChain }

// HireOptions tweaks a single Hire call.
type HireOptions struct {
	UseAuction bool
	Selector   selector.Options
}

// Hire runs the nine-step sequence of spec.md §4.5.
func (e *Engine) Hire(ctx context.Context, requesting Requester, rawCapability, task, reason string, tctx types.TaskContext, opts HireOptions) (HireResult, error) {
	// Step 1: depth check.
	if tctx.Depth >= e.cfg.MaxDepth {
		return HireResult{}, ErrMaxDepth
	}

	tag, ok := capability.Normalize(rawCapability)
	if !ok {
		return HireResult{}, registry.ErrUnknownCapability
	}

	// Step 2: cycle check.
	if !e.hireChain.TryAdd(tctx.TaskID, tag) {
		return HireResult{}, ErrCircularHire
	}

	result, err := e.hireLocked(ctx, requesting, tag, task, reason, tctx, opts)
	if err != nil {
		return HireResult{}, err
	}
	return result, nil
}

func (e *Engine) hireLocked(ctx context.Context, requesting Requester, tag capability.Tag, task, reason string, tctx types.TaskContext, opts HireOptions) (HireResult, error) {
	// Step 3: discovery.
	discovery, err := e.registryClient.DiscoverByCapability(ctx, string(tag))
	if err != nil {
		return HireResult{}, errors.Join(ErrNoCandidates, err)
	}
	e.sink.Publish(events.New(events.DecisionDiscovery, map[string]interface{}{
		"capability": string(tag), "candidates": len(discovery.Agents),
	}))

	// Step 4: selection (or auction).
	selected, err := e.selectCandidate(discovery.Agents, tag, opts)
	if err != nil {
		return HireResult{}, err
	}

	// Step 5: collusion check.
	prospective := collusion.ProspectiveHire{
		HirerTokenID: requesting.TokenID,
		HireeTokenID: selected.TokenID,
		HirerOwner:   requesting.Address,
		HireeOwner:   selected.Owner,
		Price:        selected.Price,
		Capability:   tag,
	}
	decision := e.detector.Check(prospective, time.Now())
	if !decision.Admitted {
		e.hireChain.Release(tctx.TaskID, tag)
		e.sink.Publish(events.New(events.CollusionBlocked, map[string]interface{}{
			"hirerAgent": requesting.Name, "hiredAgent": selected.Name,
			"alertType": string(decision.Alert.Type),
		}))
		return HireResult{}, ErrCollusionBlocked
	}
	e.detector.Record(types.HireRecord{
		HirerTokenID: requesting.TokenID, HireeTokenID: selected.TokenID,
		HirerOwner: requesting.Address, HireeOwner: selected.Owner,
		Price: selected.Price, Capability: tag, Timestamp: time.Now(),
	})

	// Step 6: payment.
	payer, _, err := e.pay(ctx, requesting, selected)
	if err != nil {
		return HireResult{}, err
	}

	// Step 7: execute.
	childCtx := tctx.Descend()
	output, err := e.execute(ctx, tag, task, childCtx)
	if err != nil {
		e.reputation.Report(selected.TokenID, false)
		return HireResult{}, errors.Join(ErrExecuteFailed, err)
	}
	result := HireResult{Output: output, Selected: selected, Cost: selected.Price, Payer: payer}

	// Step 8: post-result recursion.
	if req, found := ExtractHireRequest(output); found && requesting.CanHire && tctx.Depth+1 < e.cfg.MaxDepth {
		nested := childCtx.WithResult(selected.Name, output)
		sub, err := e.Hire(ctx, requesting, string(req.Capability), req.Reason, req.Reason, nested, opts)
		if err == nil {
			result.SubAgentsHired = append(result.SubAgentsHired, sub.Selected.Name)
			result.Output = sub.Output
			result.Cost = result.Cost.Add(sub.Cost)
		}
	}

	// Step 9: reputation.
	e.reputation.Report(selected.TokenID, true)

	e.sink.Publish(events.New(events.SubtaskResult, map[string]interface{}{
		"agent": selected.Name, "output": result.Output,
	}))

	return result, nil
}

func (e *Engine) selectCandidate(candidates []types.Agent, tag capability.Tag, opts HireOptions) (types.Agent, error) {
	if opts.UseAuction {
		filterOpts := opts.Selector.WithDefaults()
		filtered := applySelectorFilter(candidates, filterOpts)
		if len(filtered) == 0 {
			filtered = candidates
		}
		auctionResult := e.auctionEngine.Run(string(tag), filtered, auction.Weights{
			WeightReputation: filterOpts.WeightReputation,
			WeightPrice:      filterOpts.WeightPrice,
		}, auction.ModeFirstPrice, true)
		return auctionResult.Winner, nil
	}

	d, err := selector.Select(candidates, opts.Selector, e.selectorMetrics, e.logger)
	if err != nil {
		return types.Agent{}, err
	}
	scores := make([]map[string]interface{}, 0, len(d.Candidates))
	for _, c := range d.Candidates {
		scores = append(scores, map[string]interface{}{
			"tokenId": c.Agent.TokenID, "score": c.FinalScore,
		})
	}
	e.sink.Publish(events.New(events.DecisionSelection, map[string]interface{}{
		"selected": d.Selected.TokenID, "scores": scores,
	}))
	return d.Selected, nil
}

// applySelectorFilter exposes selector's reputation/price filter for the
// auction path, so an auction only runs over candidates that would have
// survived Selector's gate (spec.md §4.3: "Participants = Selector-
// filtered candidates").
func applySelectorFilter(candidates []types.Agent, opts selector.Options) []types.Agent {
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

// pay determines the payer wallet (delegation or requesting agent's own)
// and transfers selected.Price to selected.Owner, per spec.md §4.5 step 6.
func (e *Engine) pay(ctx context.Context, requesting Requester, selected types.Agent) (common.Address, bool, error) {
	payer := requesting.Address
	reserved := false
	if delegation, ok := e.ledger.DelegationFor(requesting.Address); ok {
		if e.ledger.ReserveAgainstDelegation(requesting.Address, selected.Price) {
			reserved = true
			payer = delegation.DelegatorAddress
		}
	}

	if _, err := e.ledger.Transfer(ctx, payer, selected.Owner, selected.Price); err != nil {
		if reserved {
			e.ledger.ReleaseDelegationReservation(requesting.Address, selected.Price)
		}
		return common.Address{}, false, errors.Join(ErrPaymentFailed, err)
	}
	return payer, reserved, nil
}

func (e *Engine) execute(ctx context.Context, tag capability.Tag, task string, tctx types.TaskContext) (string, error) {
	executor, ok := e.executors[tag]
	if !ok {
		return "", errors.New("autonomy: no executor registered for capability " + string(tag))
	}
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecuteTimeout)
	defer cancel()
	return executor.Execute(execCtx, task, tctx)
}
