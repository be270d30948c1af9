package autonomy

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/auction"
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

// fixedSource answers AgentsByCapability from a static map, one agent per
// capability, for deterministic test setups.
type fixedSource struct {
	byCap map[capability.Tag][]types.Agent
}

func (f fixedSource) AgentsByCapability(_ context.Context, cap capability.Tag) ([]types.Agent, error) {
	return f.byCap[cap], nil
}

// echoExecutor returns a fixed string, ignoring the task text.
type echoExecutor struct{ output string }

func (e echoExecutor) Execute(_ context.Context, _ string, _ types.TaskContext) (string, error) {
	return e.output, nil
}

// recordingReputation records every Report call.
type recordingReputation struct {
	calls []struct {
		tokenID  uint64
		positive bool
	}
}

func (r *recordingReputation) Report(tokenID uint64, positive bool) {
	r.calls = append(r.calls, struct {
		tokenID  uint64
		positive bool
	}{tokenID, positive})
}

func agentFixture(tokenID uint64, cap capability.Tag, name string, reputation int, priceMinor int64, owner common.Address) types.Agent {
	return types.Agent{
		TokenID:    tokenID,
		Name:       name,
		Capability: cap,
		Endpoint:   "http://agent.local/" + name,
		Price:      money.FromInt64(priceMinor),
		Reputation: reputation,
		Owner:      owner,
		Active:     true,
	}
}

func newTestEngine(t *testing.T, source registry.Source, executors ExecutorRegistry, rep ReputationSink, sink events.Sink) (*Engine, *ledger.Ledger) {
	t.Helper()
	logger := zap.NewNop()
	regClient := registry.NewClient(source, registry.Config{Registerer: prometheus.NewRegistry()}, logger)
	selMetrics := selector.NewMetrics(prometheus.NewRegistry())
	auctionEngine := auction.NewEngine(clock.System{}, clock.NewSystemRNG(), sink, prometheus.NewRegistry(), logger)
	detector := collusion.NewDetector(collusion.DefaultConfig(), prometheus.NewRegistry())
	led := ledger.New(nil, ledger.Config{Registerer: prometheus.NewRegistry()}, sink, logger)
	e := New(regClient, selMetrics, auctionEngine, detector, led, executors, rep, DefaultConfig(), sink, logger)
	return e, led
}

var requesterAddr = common.HexToAddress("0x0000000000000000000000000000000000000A")
var researchOwner = common.HexToAddress("0x0000000000000000000000000000000000000B")
var analysisOwner = common.HexToAddress("0x0000000000000000000000000000000000000C")
var writingOwner = common.HexToAddress("0x0000000000000000000000000000000000000D")

// TestSimpleResearchScenario1 encodes spec.md §8 scenario 1: plan =
// [research, analysis, writing], reputations [95,90,88], prices
// [2000,3000,1500]; expect totalCost "6500", subtask:result x3,
// decision:selection x3.
func TestSimpleResearchScenario1(t *testing.T) {
	source := fixedSource{byCap: map[capability.Tag][]types.Agent{
		capability.Research: {agentFixture(1, capability.Research, "researcher", 95, 2000, researchOwner)},
		capability.Analysis: {agentFixture(2, capability.Analysis, "analyst", 90, 3000, analysisOwner)},
		capability.Writing:  {agentFixture(3, capability.Writing, "writer", 88, 1500, writingOwner)},
	}}
	executors := ExecutorRegistry{
		capability.Research: echoExecutor{output: "research findings"},
		capability.Analysis: echoExecutor{output: "analysis findings"},
		capability.Writing:  echoExecutor{output: "final summary"},
	}
	rep := &recordingReputation{}
	rec := events.NewRecorder()
	e, led := newTestEngine(t, source, executors, rep, rec)
	led.Credit(requesterAddr, money.FromInt64(100000))

	requesting := Requester{Name: "coordinator", Address: requesterAddr, TokenID: 0, CanHire: true}
	tctx := types.NewTaskContext("Summarize top 3 DeFi protocols.", &requesterAddr)

	total := money.Zero()
	for _, cap := range []capability.Tag{capability.Research, capability.Analysis, capability.Writing} {
		result, err := e.Hire(context.Background(), requesting, string(cap), "Summarize top 3 DeFi protocols.", "plan step", tctx, HireOptions{})
		require.NoError(t, err)
		total = total.Add(result.Cost)
	}

	assert.Equal(t, "6500", total.String())
	assert.Equal(t, 3, rec.CountOfType(events.SubtaskResult))
	assert.Equal(t, 3, rec.CountOfType(events.DecisionSelection))
	assert.Len(t, rep.calls, 3)
	for _, c := range rep.calls {
		assert.True(t, c.positive)
	}
}

// TestCyclePreventionScenario4 encodes spec.md §8 scenario 4: an analysis
// agent's output requests another analysis agent; the nested hire is
// rejected with ErrCircularHire but the parent still succeeds.
func TestCyclePreventionScenario4(t *testing.T) {
	source := fixedSource{byCap: map[capability.Tag][]types.Agent{
		capability.Analysis: {agentFixture(1, capability.Analysis, "analyst", 90, 1000, analysisOwner)},
	}}
	executors := ExecutorRegistry{
		capability.Analysis: echoExecutor{output: `done. [AGENT_REQUEST: {"capability":"analysis", "reason":"x"}]`},
	}
	rep := &recordingReputation{}
	rec := events.NewRecorder()
	e, led := newTestEngine(t, source, executors, rep, rec)
	led.Credit(requesterAddr, money.FromInt64(100000))

	requesting := Requester{Name: "coordinator", Address: requesterAddr, TokenID: 0, CanHire: true}
	tctx := types.NewTaskContext("Analyze this.", &requesterAddr)

	result, err := e.Hire(context.Background(), requesting, "analysis", "Analyze this.", "plan step", tctx, HireOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.SubAgentsHired)
	assert.Contains(t, result.Output, "AGENT_REQUEST")
}

// TestDepthLimitScenario5 encodes spec.md §8 scenario 5: a chain of hire
// requests of length 4 with MaxDepth=3; the 4th call fails ErrMaxDepth,
// the first three succeed and are paid.
func TestDepthLimitScenario5(t *testing.T) {
	caps := []capability.Tag{capability.Research, capability.Analysis, capability.Writing, capability.MarketData}
	byCap := map[capability.Tag][]types.Agent{}
	executors := ExecutorRegistry{}
	for i, cap := range caps {
		byCap[cap] = []types.Agent{agentFixture(uint64(i+1), cap, string(cap), 90, 100, researchOwner)}
		executors[cap] = echoExecutor{output: "ok, no further request"}
	}
	source := fixedSource{byCap: byCap}
	rep := &recordingReputation{}
	rec := events.NewRecorder()
	e, led := newTestEngine(t, source, executors, rep, rec)
	led.Credit(requesterAddr, money.FromInt64(100000))

	requesting := Requester{Name: "coordinator", Address: requesterAddr, TokenID: 0, CanHire: true}

	taskID := uuid.New()
	var err error
	depthsAttempted := 0
	for depth := uint(0); depth < 4; depth++ {
		tctx := types.TaskContext{OriginalTask: "chain", Depth: depth, PreviousResults: map[string]string{}, TaskID: taskID}
		_, err = e.Hire(context.Background(), requesting, string(caps[depth]), "chain", "step", tctx, HireOptions{})
		depthsAttempted++
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrMaxDepth)
	assert.Equal(t, 4, depthsAttempted)
}

// TestHireDrawsPaymentFromDelegatorWhenDelegationCovers encodes spec.md
// §4.5 step 6: when the requester has a covering budget delegation, the
// hire is paid out of the delegator's wallet rather than the requester's
// own balance.
func TestHireDrawsPaymentFromDelegatorWhenDelegationCovers(t *testing.T) {
	source := fixedSource{byCap: map[capability.Tag][]types.Agent{
		capability.Research: {agentFixture(1, capability.Research, "researcher", 95, 2000, researchOwner)},
	}}
	executors := ExecutorRegistry{
		capability.Research: echoExecutor{output: "research findings"},
	}
	rep := &recordingReputation{}
	rec := events.NewRecorder()
	e, led := newTestEngine(t, source, executors, rep, rec)

	delegatorAddr := common.HexToAddress("0x0000000000000000000000000000000000000F")
	led.Credit(delegatorAddr, money.FromInt64(100000))
	require.NoError(t, led.DelegateBudget(delegatorAddr, requesterAddr, money.FromInt64(5000)))

	requesting := Requester{Name: "coordinator", Address: requesterAddr, TokenID: 0, CanHire: true}
	tctx := types.NewTaskContext("Summarize top 3 DeFi protocols.", &requesterAddr)

	result, err := e.Hire(context.Background(), requesting, string(capability.Research), "task", "plan step", tctx, HireOptions{})
	require.NoError(t, err)

	assert.Equal(t, delegatorAddr, result.Payer)
	assert.Equal(t, "98000", led.Balance(delegatorAddr).String())
	assert.Equal(t, "0", led.Balance(requesterAddr).String())
	assert.Equal(t, "2000", led.Balance(researchOwner).String())
}
