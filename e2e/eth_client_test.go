//go:build e2e

package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agentmesh-network/agentmesh/pkg/chain"
)

func TestETHClientChainID(t *testing.T) {
	rpc := os.Getenv("ETH_RPC_URL")
	if rpc == "" {
		t.Skip("ETH_RPC_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probe, err := ethclient.DialContext(ctx, rpc)
	if err != nil {
		t.Fatalf("probe dial error: %v", err)
	}
	wantChainID, err := probe.ChainID(ctx)
	probe.Close()
	if err != nil {
		t.Fatalf("probe ChainID error: %v", err)
	}

	cli, err := chain.Dial(ctx, rpc, wantChainID.Int64())
	if err != nil {
		t.Fatalf("chain.Dial error: %v", err)
	}
	defer cli.Close()

	if cli.ChainID == nil || cli.ChainID.Cmp(wantChainID) != 0 {
		t.Fatalf("expected chain id %s, got %v", wantChainID, cli.ChainID)
	}
}
