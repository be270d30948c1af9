package health

import (
	"context"

	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/ledger"
	"github.com/marketflow/coordinator/internal/registry"
)

// RegistryChecker reports whether the RegistryClient can still discover
// agents for at least one canonical capability, grounded on
// components.go's P2PChecker shape; when none is reachable it reports
// degraded, not unhealthy.
func RegistryChecker(client *registry.Client) Checker {
	return CheckerFunc{
		CheckerName: "registry",
		Fn: func(ctx context.Context) CheckResult {
			for _, tag := range capability.All() {
				if _, err := client.DiscoverByCapability(ctx, string(tag)); err == nil {
					return ok("discovery reachable")
				}
			}
			return degraded("no capability currently has reachable candidates")
		},
	}
}

// LedgerChecker reports whether the payment ledger's circuit breaker is
// open, grounded on components.go's PaymentChecker success-rate shape,
// adapted to the ledger's breaker-based health signal.
func LedgerChecker(led *ledger.Ledger) Checker {
	return CheckerFunc{
		CheckerName: "ledger",
		Fn: func(ctx context.Context) CheckResult {
			if !led.Healthy() {
				return unhealthy("payment circuit breaker is open")
			}
			return ok("payment circuit breaker closed")
		},
	}
}

// ChainChecker reports whether the configured EVM RPC endpoint is alive.
// Registered only when the coordinator runs with a real chain connection.
func ChainChecker(ping func(ctx context.Context) error) Checker {
	return CheckerFunc{
		CheckerName: "chain",
		Fn: func(ctx context.Context) CheckResult {
			if err := ping(ctx); err != nil {
				return unhealthy("chain RPC unreachable: %v", err)
			}
			return ok("chain RPC reachable")
		},
	}
}
