package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
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
	"github.com/marketflow/coordinator/internal/quote"
	"github.com/marketflow/coordinator/internal/registry"
	"github.com/marketflow/coordinator/internal/selector"
	"github.com/marketflow/coordinator/internal/task"
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

type fixedPlanner struct{ steps []task.PlannedSubtask }

func (p fixedPlanner) Plan(_ context.Context, _ string) ([]task.PlannedSubtask, error) {
	return p.steps, nil
}

type concatAggregator struct{}

func (concatAggregator) Aggregate(_ context.Context, taskText string, outcomes []task.SubtaskOutcome) (string, error) {
	out := "summary of " + taskText
	for _, o := range outcomes {
		if !o.Skipped {
			out += " | " + o.Output
		}
	}
	return out, nil
}

type fakeChainVerifier struct{ ok bool }

func (f fakeChainVerifier) VerifyUSDCTransfer(_ context.Context, _ common.Hash, _, _ common.Address, _ money.Amount) (bool, error) {
	return f.ok, nil
}

var writerOwner = common.HexToAddress("0x0000000000000000000000000000000000000D")

func agentFixture(tokenID uint64, cap capability.Tag, name string, reputation int, priceMinor int64, owner common.Address) types.Agent {
	return types.Agent{
		TokenID: tokenID, Name: name, Capability: cap, Endpoint: "http://agent.local/" + name,
		Price: money.FromInt64(priceMinor), Reputation: reputation, Owner: owner, Active: true,
	}
}

func newTestServer(t *testing.T) (*Server, *ledger.Ledger, *quote.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	source := fixedSource{byCap: map[capability.Tag][]types.Agent{
		capability.Writing: {agentFixture(1, capability.Writing, "writer", 88, 1500, writerOwner)},
	}}
	regClient := registry.NewClient(source, registry.Config{Registerer: prometheus.NewRegistry()}, logger)
	selMetrics := selector.NewMetrics(prometheus.NewRegistry())
	auctionEngine := auction.NewEngine(clock.System{}, clock.NewSystemRNG(), nil, prometheus.NewRegistry(), logger)
	detector := collusion.NewDetector(collusion.DefaultConfig(), prometheus.NewRegistry())
	led := ledger.New(nil, ledger.Config{Registerer: prometheus.NewRegistry()}, nil, logger)

	executors := autonomy.ExecutorRegistry{capability.Writing: echoExecutor{output: "final summary"}}
	autoEngine := autonomy.New(regClient, selMetrics, auctionEngine, detector, led, executors, nopReputation{}, autonomy.DefaultConfig(), nil, logger)

	planner := fixedPlanner{steps: []task.PlannedSubtask{{Capability: "writing", Subtask: "write summary"}}}
	taskEngine := task.New(autoEngine, planner, concatAggregator{}, task.DefaultConfig(), nil, logger)

	fixedClock := clock.NewFixed(time.Unix(1_700_000_000, 0))
	quoteCfg := quote.DefaultConfig()
	quoteCfg.HMACSecret = []byte("test-secret")
	quoteSvc := quote.New(regClient, selMetrics, planner, fakeChainVerifier{ok: true}, fixedClock, quoteCfg, logger)

	decisions := events.NewDecisionLog(64)
	coordinator := autonomy.Requester{Name: "coordinator", Address: common.HexToAddress("0x00000000000000000000000000000000000001"), CanHire: true}
	handlers := NewHandlers(quoteSvc, led, regClient, taskEngine, decisions, coordinator, nil, logger)

	cfg := DefaultConfig()
	cfg.EnableRateLimit = false
	srv := NewServer(cfg, handlers, nil, logger)
	return srv, led, quoteSvc
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthReturns200(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerateQuoteAndGetQuote(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/quote", generateQuoteRequest{
		Task:           "Write a short summary of this week's news.",
		PaymentAddress: "0x000000000000000000000000000000000000000E",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Quote types.Quote `json:"quote"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.QuotePending, body.Quote.State)
	assert.NotEmpty(t, body.Quote.Signature)

	rec2 := doJSON(t, srv.Router(), http.MethodGet, "/quote/"+body.Quote.QuoteID.String(), nil)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestGenerateQuoteRejectsShortTask(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/quote", generateQuoteRequest{Task: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteVerifiesPaymentAndRunsTaskAsync(t *testing.T) {
	srv, led, quoteSvc := newTestServer(t)

	q, err := quoteSvc.GenerateQuote(context.Background(), "Write a short summary of this week's news.", common.HexToAddress("0x0000000000000000000000000000000000000E"))
	require.NoError(t, err)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/execute", executeRequest{
		QuoteID:     q.QuoteID.String(),
		TxHash:      "0x" + stringsRepeat("1", 64),
		UserAddress: "0x000000000000000000000000000000000000000F",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.ExecutionID)

	updated, ok := quoteSvc.Get(q.QuoteID)
	require.True(t, ok)
	assert.Equal(t, types.QuoteExecuted, updated.State)

	_ = led // task runs asynchronously; ledger assertions would race, so only the HTTP contract is checked here
}

func TestExecuteRejectsReusedQuote(t *testing.T) {
	srv, _, quoteSvc := newTestServer(t)

	q, err := quoteSvc.GenerateQuote(context.Background(), "Write a short summary of this week's news.", common.HexToAddress("0x0000000000000000000000000000000000000E"))
	require.NoError(t, err)

	body := executeRequest{
		QuoteID:     q.QuoteID.String(),
		TxHash:      "0x" + stringsRepeat("2", 64),
		UserAddress: "0x000000000000000000000000000000000000000F",
	}
	first := doJSON(t, srv.Router(), http.MethodPost, "/execute", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, srv.Router(), http.MethodPost, "/execute", body)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestExecuteRejectsMalformedAddress(t *testing.T) {
	srv, _, quoteSvc := newTestServer(t)
	q, err := quoteSvc.GenerateQuote(context.Background(), "Write a short summary of this week's news.", common.HexToAddress("0x0000000000000000000000000000000000000E"))
	require.NoError(t, err)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/execute", executeRequest{
		QuoteID:     q.QuoteID.String(),
		TxHash:      "0x" + stringsRepeat("3", 64),
		UserAddress: "not-an-address",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceReturnsCreditedAmount(t *testing.T) {
	srv, led, _ := newTestServer(t)
	addr := common.HexToAddress("0x0000000000000000000000000000000000000A")
	led.Credit(addr, money.FromInt64(5000))

	rec := doJSON(t, srv.Router(), http.MethodGet, "/balance/"+addr.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Balance string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "5000", body.Balance)
}

func TestDiscoverByCapabilityReturnsAgents(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/agents/discover/writing", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Agents []types.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "writer", body.Agents[0].Name)
}

func TestDiscoverByCapabilityUnknownTagIs400(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/agents/discover/not_a_real_tag", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAgentsMergesAcrossCapabilities(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Agents []types.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Agents, 1)
}

func TestDecisionsReturns200(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/decisions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s[0])
	}
	return string(out)
}
