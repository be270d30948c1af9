// Command coordinator runs the autonomous agent marketplace orchestrator
// (spec.md): discovery, selection/auction, collusion detection, payment
// ledger, autonomy/task engines, quote/payment gate, and the HTTP/event
// delivery surface. Grounded on zerostate's tools/cli cobra-based CLI
// (rootCmd + subcommands) and cmd/api's flag-driven service bootstrap
// (logger init, graceful shutdown on signal).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/api"
)

var version = "v0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "coordinator",
		Short:   "Autonomous agent marketplace coordinator",
		Version: version,
	}
	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var cfg cliConfig
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.host, "host", "0.0.0.0", "server host")
	cmd.Flags().IntVar(&cfg.port, "port", 8080, "server port")
	cmd.Flags().BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&cfg.agentsFile, "agents-file", "./agents.json", "path to the JSON agent seed file")
	cmd.Flags().StringVar(&cfg.redisAddr, "redis-addr", "", "shared Redis discovery cache address (empty disables it)")
	cmd.Flags().StringVar(&cfg.hmacSecret, "hmac-secret", "", "HMAC secret for quote signing (falls back to QUOTE_HMAC_SECRET env var)")
	cmd.Flags().UintVar(&cfg.maxDepth, "max-depth", 3, "AutonomyEngine max recursive hire depth")
	cmd.Flags().StringVar(&cfg.treasury, "treasury", "0x0000000000000000000000000000000000dEaD", "protocol treasury address; the coordinator pays its top-level hires from this wallet")
	cmd.Flags().StringVar(&cfg.chainRPC, "chain-rpc", "", "EVM RPC endpoint for real USDC settlement (empty runs in dev/demo always-accept mode)")
	cmd.Flags().StringVar(&cfg.usdcContract, "usdc-contract", "", "USDC ERC20 contract address (required when --chain-rpc is set)")
	cmd.Flags().StringVar(&cfg.hotWalletKey, "hot-wallet-key", "", "hex-encoded private key for the coordinator's settlement wallet (falls back to HOT_WALLET_KEY env var)")
	cmd.Flags().Int64Var(&cfg.chainID, "chain-id", 1, "EVM chain ID for transaction signing")
	cmd.Flags().StringVar(&cfg.streamMode, "stream-mode", "batch", "streaming micro-payment settlement mode: batch or onchain")
	cmd.Flags().StringVar(&cfg.llmAPIKey, "llm-api-key", "", "Groq API key backing the Planner/Aggregator (falls back to GROQ_API_KEY env var)")

	return cmd
}

type cliConfig struct {
	host         string
	port         int
	debug        bool
	agentsFile   string
	redisAddr    string
	hmacSecret   string
	maxDepth     uint
	treasury     string
	chainRPC     string
	usdcContract string
	hotWalletKey string
	chainID      int64
	streamMode   string
	llmAPIKey    string
}

func runServe(cfg cliConfig) error {
	logger, err := newLogger(cfg.debug)
	if err != nil {
		return fmt.Errorf("coordinator: failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting coordinator",
		zap.String("host", cfg.host),
		zap.Int("port", cfg.port),
		zap.String("agents_file", cfg.agentsFile),
		zap.Bool("chain_enabled", cfg.chainRPC != ""),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}

	serverCfg := api.DefaultConfig()
	serverCfg.Host = cfg.host
	serverCfg.Port = cfg.port

	server := api.NewServer(serverCfg, deps.handlers, deps.bus, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("coordinator: server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	if err := server.Stop(); err != nil {
		return fmt.Errorf("coordinator: graceful shutdown failed: %w", err)
	}
	logger.Info("coordinator stopped cleanly")
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug || os.Getenv("LOG_LEVEL") == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// resolveHotWalletKey prefers the explicit flag, falling back to the
// HOT_WALLET_KEY env var so the key never needs to appear in process args.
func resolveHotWalletKey(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("HOT_WALLET_KEY")
}

// resolveHMACSecret prefers the explicit flag, falling back to
// QUOTE_HMAC_SECRET, and otherwise a fixed development default.
func resolveHMACSecret(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("QUOTE_HMAC_SECRET"); v != "" {
		return v
	}
	return "dev-only-insecure-secret"
}
