package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/api"
	"github.com/marketflow/coordinator/internal/auction"
	"github.com/marketflow/coordinator/internal/autonomy"
	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/clock"
	"github.com/marketflow/coordinator/internal/collusion"
	"github.com/marketflow/coordinator/internal/events"
	"github.com/marketflow/coordinator/internal/executor"
	"github.com/marketflow/coordinator/internal/health"
	"github.com/marketflow/coordinator/internal/ledger"
	"github.com/marketflow/coordinator/internal/planner"
	"github.com/marketflow/coordinator/internal/quote"
	"github.com/marketflow/coordinator/internal/registry"
	"github.com/marketflow/coordinator/internal/reputation"
	"github.com/marketflow/coordinator/internal/selector"
	"github.com/marketflow/coordinator/internal/task"
)

// dependencies holds every wired component runServe needs to hand off to
// the HTTP server.
type dependencies struct {
	handlers *api.Handlers
	bus      *events.Bus
}

// buildDependencies wires the full discovery -> selection -> auction ->
// collusion -> ledger -> autonomy -> task -> quote chain together, the
// same composition root shape as zerostate's cmd/api/main.go.
func buildDependencies(ctx context.Context, cfg cliConfig, logger *zap.Logger) (*dependencies, error) {
	source, err := loadStaticSource(cfg.agentsFile)
	if err != nil {
		return nil, fmt.Errorf("coordinator: failed to load agent seed file %q: %w", cfg.agentsFile, err)
	}

	var regSource registry.Source = source
	if cfg.redisAddr != "" {
		redisCfg := registry.DefaultRedisCacheConfig()
		redisCfg.RedisAddr = cfg.redisAddr
		cached, err := registry.NewRedisSource(ctx, source, redisCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("coordinator: failed to connect to redis at %q: %w", cfg.redisAddr, err)
		}
		regSource = cached
	}

	bus := events.NewBus(logger)
	decisions := events.NewDecisionLog(256)
	sink := events.Multi(bus, decisions)

	registryClient := registry.NewClient(regSource, registry.DefaultConfig(), logger)
	selMetrics := selector.NewMetrics(nil)
	auctionEngine := auction.NewEngine(clock.System{}, clock.NewSystemRNG(), sink, nil, logger)
	detector := collusion.NewDetector(collusion.DefaultConfig(), nil)

	healthChecker := health.New()
	healthChecker.Register(health.RegistryChecker(registryClient))

	var chainVerifier quote.ChainVerifier = alwaysAcceptVerifier{}
	var chainTransferor ledger.Chain
	if cfg.chainRPC != "" {
		if cfg.usdcContract == "" {
			return nil, fmt.Errorf("coordinator: --usdc-contract is required when --chain-rpc is set")
		}
		verifier, transferor, ping, err := dialChain(cfg.chainRPC, cfg.usdcContract, resolveHotWalletKey(cfg.hotWalletKey), cfg.chainID, logger)
		if err != nil {
			return nil, err
		}
		chainVerifier = verifier
		if transferor != nil {
			chainTransferor = transferor
		}
		healthChecker.Register(health.ChainChecker(ping))
	}

	ledgerCfg := ledger.DefaultConfig()
	if cfg.streamMode == "onchain" {
		ledgerCfg.StreamMode = ledger.StreamModeOnChain
	}
	led := ledger.New(chainTransferor, ledgerCfg, sink, logger)
	healthChecker.Register(health.LedgerChecker(led))

	executors := buildExecutors(source)
	repMgr := reputation.NewManager(reputation.DefaultConfig(), logger)

	autonomyCfg := autonomy.DefaultConfig()
	autonomyCfg.MaxDepth = cfg.maxDepth
	autonomyCfg.Treasury = common.HexToAddress(cfg.treasury)
	autonomyEngine := autonomy.New(registryClient, selMetrics, auctionEngine, detector, led, executors, repMgr, autonomyCfg, sink, logger)

	llmProvider := planner.NewGroqProvider(cfg.llmAPIKey, "", logger)
	taskPlanner := planner.NewPlanner(llmProvider, logger)
	taskAggregator := planner.NewAggregator(llmProvider, logger)
	taskEngine := task.New(autonomyEngine, taskPlanner, taskAggregator, task.DefaultConfig(), sink, logger)

	quoteCfg := quote.DefaultConfig()
	quoteCfg.HMACSecret = []byte(resolveHMACSecret(cfg.hmacSecret))
	quoteSvc := quote.New(registryClient, selMetrics, taskPlanner, chainVerifier, clock.System{}, quoteCfg, logger)

	coordinator := autonomy.Requester{
		Name:    "coordinator",
		Address: common.HexToAddress(cfg.treasury),
		CanHire: true,
	}

	handlers := api.NewHandlers(quoteSvc, led, registryClient, taskEngine, decisions, coordinator, healthChecker, logger)

	return &dependencies{handlers: handlers, bus: bus}, nil
}

// buildExecutors maps every seeded agent's capability to an HTTPExecutor
// bound to that capability's first seed endpoint. AutonomyEngine dispatches
// execution by capability tag rather than by the specific selected agent
// (see internal/autonomy), so a deployment with more than one agent per
// capability shares a single executor endpoint for that tag.
func buildExecutors(source *staticSource) autonomy.ExecutorRegistry {
	reg := autonomy.ExecutorRegistry{}
	for _, tag := range capability.All() {
		agents := source.byCap[tag]
		if len(agents) == 0 {
			continue
		}
		reg[tag] = executor.NewHTTPExecutor(agents[0].Endpoint, 0, nil)
	}
	return reg
}
