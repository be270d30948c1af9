// Package task implements TaskEngine (spec.md §4.8): plan a task into an
// ordered sequence of subtasks, hire one agent per subtask through
// AutonomyEngine, thread outputs forward as context, then aggregate.
package task

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/autonomy"
	"github.com/marketflow/coordinator/internal/events"
	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/types"
)

var ErrTooFewSubtasks = errors.New("task: planner returned no subtasks")

// PlannedSubtask is one planner-emitted step (spec.md §4.8 step 1). The
// planner's output is trusted in shape, not content.
type PlannedSubtask struct {
	Capability string
	Subtask    string
	Reason     string
	Optional   bool
}

// Planner decomposes a task into an ordered subtask sequence.
type Planner interface {
	Plan(ctx context.Context, task string) ([]PlannedSubtask, error)
}

// SubtaskOutcome records what happened for one planned subtask, fed to
// the Aggregator and folded into the final task:complete event.
type SubtaskOutcome struct {
	Capability string
	Subtask    string
	Output     string
	Cost       money.Amount
	AgentName  string
	AgentOwner common.Address
	Skipped    bool
	Err        error
}

// Aggregator produces the final output from the task and its subtask
// outcomes (spec.md §4.8 step 4): a writer/summarizer capability.
type Aggregator interface {
	Aggregate(ctx context.Context, task string, outcomes []SubtaskOutcome) (string, error)
}

// Config configures an Engine.
type Config struct {
	MaxSubtasks int
}

// DefaultConfig returns spec.md §4.8's documented default: MaxSubtasks 8.
func DefaultConfig() Config {
	return Config{MaxSubtasks: 8}
}

// Result is Execute's return value.
type Result struct {
	Output            string
	TotalCost         money.Amount
	OwnersCredited    []common.Address
	MicroPaymentCount int
	Outcomes          []SubtaskOutcome
	Cancelled         bool
}

// Engine is the TaskEngine.
type Engine struct {
	autonomyEngine *autonomy.Engine
	planner        Planner
	aggregator     Aggregator
	sink           events.Sink
	logger         *zap.Logger
	cfg            Config
}

// New builds an Engine.
func New(autonomyEngine *autonomy.Engine, planner Planner, aggregator Aggregator, cfg Config, sink events.Sink, logger *zap.Logger) *Engine {
	if cfg.MaxSubtasks <= 0 {
		cfg.MaxSubtasks = DefaultConfig().MaxSubtasks
	}
	if sink == nil {
		sink = events.NopSink
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{autonomyEngine: autonomyEngine, planner: planner, aggregator: aggregator, cfg: cfg, sink: sink, logger: logger}
}

// Execute runs the full plan -> sequential hire -> aggregate -> complete
// flow for task, on behalf of requesting.
func (e *Engine) Execute(ctx context.Context, requesting autonomy.Requester, task string) (Result, error) {
	plan, err := e.planner.Plan(ctx, task)
	if err != nil {
		return Result{}, err
	}
	if len(plan) == 0 {
		return Result{}, ErrTooFewSubtasks
	}
	if len(plan) > e.cfg.MaxSubtasks {
		e.logger.Warn("task: plan truncated to MaxSubtasks", zap.Int("planned", len(plan)), zap.Int("max", e.cfg.MaxSubtasks))
		plan = plan[:e.cfg.MaxSubtasks]
	}

	wallet := requesting.Address
	tctx := types.NewTaskContext(task, &wallet)
	defer e.autonomyEngine.HireChain().Drop(tctx.TaskID)

	outcomes := make([]SubtaskOutcome, 0, len(plan))
	totalCost := money.Zero()
	owners := make([]common.Address, 0, len(plan))
	ownerSeen := make(map[common.Address]bool)
	cancelled := false

	for _, step := range plan {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		hireResult, hireErr := e.autonomyEngine.Hire(ctx, requesting, step.Capability, step.Subtask, step.Reason, tctx, autonomy.HireOptions{})
		if hireErr != nil {
			if step.Optional {
				outcomes = append(outcomes, SubtaskOutcome{Capability: step.Capability, Subtask: step.Subtask, Skipped: true, Err: hireErr})
				continue
			}
			e.sink.Publish(events.New(events.TaskComplete, map[string]interface{}{
				"success": false, "error": hireErr.Error(),
			}))
			return Result{Outcomes: outcomes, TotalCost: totalCost}, hireErr
		}

		tctx = tctx.WithResult(hireResult.Selected.Name, hireResult.Output)
		totalCost = totalCost.Add(hireResult.Cost)
		if !ownerSeen[hireResult.Selected.Owner] {
			ownerSeen[hireResult.Selected.Owner] = true
			owners = append(owners, hireResult.Selected.Owner)
		}
		outcomes = append(outcomes, SubtaskOutcome{
			Capability: step.Capability, Subtask: step.Subtask,
			Output: hireResult.Output, Cost: hireResult.Cost,
			AgentName: hireResult.Selected.Name, AgentOwner: hireResult.Selected.Owner,
		})
	}

	if cancelled {
		e.sink.Publish(events.New(events.TaskCancelled, map[string]interface{}{
			"completedSubtasks": len(outcomes),
		}))
		return Result{Outcomes: outcomes, TotalCost: totalCost, OwnersCredited: owners, Cancelled: true}, nil
	}

	output, err := e.aggregator.Aggregate(ctx, task, outcomes)
	if err != nil {
		e.sink.Publish(events.New(events.TaskComplete, map[string]interface{}{
			"success": false, "error": err.Error(),
		}))
		return Result{Outcomes: outcomes, TotalCost: totalCost}, err
	}

	e.sink.Publish(events.New(events.TaskComplete, map[string]interface{}{
		"success": true, "result": output, "totalCost": totalCost.String(),
		"ownersEarned": addressStrings(owners),
	}))

	return Result{
		Output: output, TotalCost: totalCost, OwnersCredited: owners,
		Outcomes: outcomes,
	}, nil
}

func addressStrings(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
