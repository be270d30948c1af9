package task

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/auction"
	"github.com/marketflow/coordinator/internal/autonomy"
	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/clock"
	"github.com/marketflow/coordinator/internal/collusion"
	"github.com/marketflow/coordinator/internal/events"
	"github.com/marketflow/coordinator/internal/ledger"
	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/registry"
	"github.com/marketflow/coordinator/internal/selector"
	"github.com/marketflow/coordinator/internal/types"
)

type fixedSource struct{ byCap map[capability.Tag][]types.Agent }

func (f fixedSource) AgentsByCapability(_ context.Context, cap capability.Tag) ([]types.Agent, error) {
	return f.byCap[cap], nil
}

type echoExecutor struct{ output string }

func (e echoExecutor) Execute(_ context.Context, _ string, _ types.TaskContext) (string, error) {
	return e.output, nil
}

type nopReputation struct{}

func (nopReputation) Report(uint64, bool) {}

type fixedPlanner struct {
	steps []PlannedSubtask
	err   error
}

func (p fixedPlanner) Plan(_ context.Context, _ string) ([]PlannedSubtask, error) {
	return p.steps, p.err
}

type concatAggregator struct{}

func (concatAggregator) Aggregate(_ context.Context, task string, outcomes []SubtaskOutcome) (string, error) {
	out := "summary of " + task
	for _, o := range outcomes {
		if !o.Skipped {
			out += " | " + o.Output
		}
	}
	return out, nil
}

type failingAggregator struct{}

func (failingAggregator) Aggregate(_ context.Context, _ string, _ []SubtaskOutcome) (string, error) {
	return "", errors.New("aggregator unavailable")
}

var requesterAddr = common.HexToAddress("0x0000000000000000000000000000000000000A")
var researchOwner = common.HexToAddress("0x0000000000000000000000000000000000000B")
var analysisOwner = common.HexToAddress("0x0000000000000000000000000000000000000C")
var writingOwner = common.HexToAddress("0x0000000000000000000000000000000000000D")

func agentFixture(tokenID uint64, cap capability.Tag, name string, reputation int, priceMinor int64, owner common.Address) types.Agent {
	return types.Agent{
		TokenID: tokenID, Name: name, Capability: cap, Endpoint: "http://agent.local/" + name,
		Price: money.FromInt64(priceMinor), Reputation: reputation, Owner: owner, Active: true,
	}
}

func newTestEngine(t *testing.T, source registry.Source, executors autonomy.ExecutorRegistry, planner Planner, aggregator Aggregator, sink events.Sink) (*Engine, *ledger.Ledger) {
	t.Helper()
	logger := zap.NewNop()
	regClient := registry.NewClient(source, registry.Config{Registerer: prometheus.NewRegistry()}, logger)
	selMetrics := selector.NewMetrics(prometheus.NewRegistry())
	auctionEngine := auction.NewEngine(clock.System{}, clock.NewSystemRNG(), sink, prometheus.NewRegistry(), logger)
	detector := collusion.NewDetector(collusion.DefaultConfig(), prometheus.NewRegistry())
	led := ledger.New(nil, ledger.Config{Registerer: prometheus.NewRegistry()}, sink, logger)
	autoEngine := autonomy.New(regClient, selMetrics, auctionEngine, detector, led, executors, nopReputation{}, autonomy.DefaultConfig(), sink, logger)
	e := New(autoEngine, planner, aggregator, DefaultConfig(), sink, logger)
	return e, led
}

func TestExecuteHappyPathAggregatesAndSumsCost(t *testing.T) {
	source := fixedSource{byCap: map[capability.Tag][]types.Agent{
		capability.Research: {agentFixture(1, capability.Research, "researcher", 95, 2000, researchOwner)},
		capability.Analysis: {agentFixture(2, capability.Analysis, "analyst", 90, 3000, analysisOwner)},
		capability.Writing:  {agentFixture(3, capability.Writing, "writer", 88, 1500, writingOwner)},
	}}
	executors := autonomy.ExecutorRegistry{
		capability.Research: echoExecutor{output: "research findings"},
		capability.Analysis: echoExecutor{output: "analysis findings"},
		capability.Writing:  echoExecutor{output: "final summary"},
	}
	planner := fixedPlanner{steps: []PlannedSubtask{
		{Capability: "research", Subtask: "find protocols", Reason: "plan"},
		{Capability: "analysis", Subtask: "analyze protocols", Reason: "plan"},
		{Capability: "writing", Subtask: "write summary", Reason: "plan"},
	}}
	rec := events.NewRecorder()
	e, led := newTestEngine(t, source, executors, planner, concatAggregator{}, rec)
	led.Credit(requesterAddr, money.FromInt64(100000))

	result, err := e.Execute(context.Background(), autonomy.Requester{Name: "coordinator", Address: requesterAddr, CanHire: true}, "Summarize top 3 DeFi protocols.")
	require.NoError(t, err)
	assert.Equal(t, "6500", result.TotalCost.String())
	assert.Len(t, result.OwnersCredited, 3)
	assert.Contains(t, result.Output, "final summary")
	assert.Equal(t, 3, rec.CountOfType(events.SubtaskResult))
	assert.Equal(t, 1, rec.CountOfType(events.TaskComplete))
	assert.False(t, result.Cancelled)
}

func TestExecuteOptionalSubtaskFailureIsRecordedNotFatal(t *testing.T) {
	source := fixedSource{byCap: map[capability.Tag][]types.Agent{
		capability.Writing: {agentFixture(1, capability.Writing, "writer", 88, 1500, writingOwner)},
	}}
	executors := autonomy.ExecutorRegistry{
		capability.Writing: echoExecutor{output: "final summary"},
	}
	planner := fixedPlanner{steps: []PlannedSubtask{
		{Capability: "market_data", Subtask: "get prices", Optional: true},
		{Capability: "writing", Subtask: "write summary"},
	}}
	rec := events.NewRecorder()
	e, led := newTestEngine(t, source, executors, planner, concatAggregator{}, rec)
	led.Credit(requesterAddr, money.FromInt64(100000))

	result, err := e.Execute(context.Background(), autonomy.Requester{Name: "coordinator", Address: requesterAddr, CanHire: true}, "Do a task.")
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 2)
	assert.True(t, result.Outcomes[0].Skipped)
	assert.False(t, result.Outcomes[1].Skipped)
	assert.Equal(t, "1500", result.TotalCost.String())
}

func TestExecuteRequiredSubtaskFailureFailsTask(t *testing.T) {
	source := fixedSource{byCap: map[capability.Tag][]types.Agent{}}
	planner := fixedPlanner{steps: []PlannedSubtask{
		{Capability: "research", Subtask: "find protocols"},
	}}
	rec := events.NewRecorder()
	e, led := newTestEngine(t, source, autonomy.ExecutorRegistry{}, planner, concatAggregator{}, rec)
	led.Credit(requesterAddr, money.FromInt64(100000))

	_, err := e.Execute(context.Background(), autonomy.Requester{Name: "coordinator", Address: requesterAddr, CanHire: true}, "Do a task.")
	require.Error(t, err)
}

func TestExecuteEmptyPlanFails(t *testing.T) {
	planner := fixedPlanner{steps: nil}
	e, led := newTestEngine(t, fixedSource{}, autonomy.ExecutorRegistry{}, planner, concatAggregator{}, nil)
	led.Credit(requesterAddr, money.FromInt64(1000))

	_, err := e.Execute(context.Background(), autonomy.Requester{Address: requesterAddr}, "Do a task.")
	assert.ErrorIs(t, err, ErrTooFewSubtasks)
}

func TestExecuteAggregatorFailurePropagates(t *testing.T) {
	source := fixedSource{byCap: map[capability.Tag][]types.Agent{
		capability.Writing: {agentFixture(1, capability.Writing, "writer", 88, 1500, writingOwner)},
	}}
	executors := autonomy.ExecutorRegistry{capability.Writing: echoExecutor{output: "ok"}}
	planner := fixedPlanner{steps: []PlannedSubtask{{Capability: "writing", Subtask: "write"}}}
	e, led := newTestEngine(t, source, executors, planner, failingAggregator{}, nil)
	led.Credit(requesterAddr, money.FromInt64(100000))

	_, err := e.Execute(context.Background(), autonomy.Requester{Address: requesterAddr, CanHire: true}, "Do a task.")
	assert.Error(t, err)
}
