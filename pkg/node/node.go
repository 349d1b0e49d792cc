// Package node wires one process's configuration, chain clients, ledger
// store, payment state machine, settlement client, and orchestrator into a
// single entry point, adapted from the teacher's pkg/sdk.Core/NewSDK
// wiring (there: registry/MPE EVM client + IPFS/Lighthouse storage +
// dynamic gRPC client; here: per-chain settlement clients + the embedded
// ledger + the payment state machine + the orchestrator).
package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmesh-network/agentmesh/pkg/chain"
	"github.com/agentmesh-network/agentmesh/pkg/config"
	"github.com/agentmesh-network/agentmesh/pkg/dispatch"
	"github.com/agentmesh-network/agentmesh/pkg/ledger"
	"github.com/agentmesh-network/agentmesh/pkg/model"
	"github.com/agentmesh-network/agentmesh/pkg/orchestrator"
	"github.com/agentmesh-network/agentmesh/pkg/overlay"
	"github.com/agentmesh-network/agentmesh/pkg/payment"
	"github.com/agentmesh-network/agentmesh/pkg/selection"
	"github.com/agentmesh-network/agentmesh/pkg/settlement"
)

// Node is the concrete wiring for one agentmesh participant: the chain
// clients it settles through, its durable ledger, its payment state
// machine, and the orchestrator it runs queries through.
type Node struct {
	cfg *config.Config

	chains  map[int64]*chain.Client
	store   *ledger.Store
	settler *settlement.Client
	machine *payment.Machine

	LoadState    *selection.LoadState
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *dispatch.Dispatcher
}

// invoicePublisher adapts pkg/overlay.Overlay to pkg/payment.Publisher.
type invoicePublisher struct {
	overlay overlay.Overlay
}

func (p invoicePublisher) PublishInvoice(ctx context.Context, payerPeerID string, invoice model.Invoice) error {
	return p.overlay.Publish(ctx, payerPeerID, model.InvoiceMsg{Invoice: invoice})
}

// New validates cfg, dials one chain.Client per configured chain, and
// wires the ledger, settlement client, payment state machine, and
// orchestrator together. ov is the node's overlay transport.
func New(ctx context.Context, cfg *config.Config, ov overlay.Overlay) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	chains := make(map[int64]*chain.Client, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Dial)
		client, err := chain.Dial(dialCtx, ch.RPCURL, ch.ID)
		cancel()
		if err != nil {
			closeChains(chains)
			_ = store.Close()
			return nil, fmt.Errorf("dial chain %d (%s): %w", ch.ID, ch.Name, err)
		}
		chains[ch.ID] = client
	}

	signer := cfg.GetPrivateKey()
	if signer == nil {
		zap.L().Warn("no private key configured: settlement and invoice signing disabled")
	}

	settler, err := settlement.New(signer, chains, settlement.Config{ReceiptMaxBackoff: cfg.Timeouts.ReceiptWait})
	if err != nil {
		closeChains(chains)
		_ = store.Close()
		return nil, fmt.Errorf("build settlement client: %w", err)
	}

	machine, err := payment.New(store, settler, settler, invoicePublisher{overlay: ov}, signer, payment.Config{
		PaymentTimeout:  cfg.Timeouts.PaymentDeadline,
		InvoiceValidity: cfg.Timeouts.ExpectedInvoice,
		InvoiceQueueCap: payment.DefaultConfig().InvoiceQueueCap,
	})
	if err != nil {
		closeChains(chains)
		_ = store.Close()
		return nil, fmt.Errorf("build payment machine: %w", err)
	}

	loadState := selection.NewLoadState()
	orch := orchestrator.New(ov, loadState, store, cfg.NodeID)
	disp := dispatch.New(store, machine)

	return &Node{
		cfg:          cfg,
		chains:       chains,
		store:        store,
		settler:      settler,
		machine:      machine,
		LoadState:    loadState,
		Orchestrator: orch,
		Dispatcher:   disp,
	}, nil
}

// Machine exposes the payment state machine for direct operations
// (RequirePayment, ReleaseMilestone, RecordTokens, DistributeToSwarm)
// that don't flow through the overlay dispatcher.
func (n *Node) Machine() *payment.Machine { return n.machine }

// Store exposes the ledger for read-only inspection (e.g. a status
// endpoint listing open escrows).
func (n *Node) Store() *ledger.Store { return n.store }

// Close releases every chain connection and the ledger handle.
func (n *Node) Close() error {
	closeChains(n.chains)
	return n.store.Close()
}

func closeChains(chains map[int64]*chain.Client) {
	for _, c := range chains {
		c.Close()
	}
}
