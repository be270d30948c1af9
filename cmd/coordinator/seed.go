package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/money"
	"github.com/marketflow/coordinator/internal/types"
)

// seedAgent is the on-disk shape of one registry.Source entry. A real
// deployment reads this data from the on-chain registry contract; the
// EVM read path itself is out of this system's scope (spec.md §1's
// non-goals), so a JSON seed file stands in for it here, the same way
// zerostate's cmd/api falls back to a local SQLite file when no
// DATABASE_URL is configured.
type seedAgent struct {
	TokenID    uint64 `json:"tokenId"`
	Name       string `json:"name"`
	Capability string `json:"capability"`
	Endpoint   string `json:"endpoint"`
	Price      string `json:"price"`
	Reputation int    `json:"reputation"`
	Owner      string `json:"owner"`
	Active     bool   `json:"active"`
}

// staticSource implements registry.Source over a fixed, file-loaded agent
// list. Its AgentsByCapability never errors, mirroring registry.Source's
// contract that empty results (not errors) signal "no agents".
type staticSource struct {
	byCap map[capability.Tag][]types.Agent
}

func loadStaticSource(path string) (*staticSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seeds []seedAgent
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return nil, err
	}

	byCap := make(map[capability.Tag][]types.Agent)
	for _, s := range seeds {
		tag, ok := capability.Normalize(s.Capability)
		if !ok {
			continue
		}
		price, err := money.Parse(s.Price)
		if err != nil {
			return nil, err
		}
		agent := types.Agent{
			TokenID:    s.TokenID,
			Name:       s.Name,
			Capability: tag,
			Endpoint:   s.Endpoint,
			Price:      price,
			Reputation: s.Reputation,
			Owner:      common.HexToAddress(s.Owner),
			Active:     s.Active,
		}
		byCap[tag] = append(byCap[tag], agent)
	}
	return &staticSource{byCap: byCap}, nil
}

func (s *staticSource) AgentsByCapability(_ context.Context, cap capability.Tag) ([]types.Agent, error) {
	return s.byCap[cap], nil
}
