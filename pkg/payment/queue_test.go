package payment

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/ledger"
	"github.com/agentmesh-network/agentmesh/pkg/model"
)

func TestQueueInvoiceRejectsOverCap(t *testing.T) {
	m, _ := newTestMachine(t, stubVerifier{}, stubSettler{})
	m.cfg.InvoiceQueueCap = 2

	for i := 0; i < 2; i++ {
		if err := m.QueueInvoice(model.Invoice{ID: "inv"}); err != nil {
			t.Fatalf("queue invoice %d: %v", i, err)
		}
	}
	if err := m.QueueInvoice(model.Invoice{ID: "inv-overflow"}); !errs.Is(err, errs.QueueFull) {
		t.Fatalf("expected QueueFull, got %v", err)
	}
}

func TestSettleAllGroupsAndSumsByRecipientChainToken(t *testing.T) {
	m, _ := newTestMachine(t, stubVerifier{}, stubSettler{proof: model.PaymentProof{TxHash: "0xsettled"}})

	if err := m.QueueInvoice(model.Invoice{ID: "inv-1", Recipient: "0xr", ChainID: 1, Token: "native", Amount: "1"}); err != nil {
		t.Fatalf("queue 1: %v", err)
	}
	if err := m.QueueInvoice(model.Invoice{ID: "inv-2", Recipient: "0xr", ChainID: 1, Token: "native", Amount: "2"}); err != nil {
		t.Fatalf("queue 2: %v", err)
	}
	if err := m.QueueInvoice(model.Invoice{ID: "inv-3", Recipient: "0xother", ChainID: 1, Token: "native", Amount: "5"}); err != nil {
		t.Fatalf("queue 3: %v", err)
	}

	results, err := m.SettleAll(context.Background())
	if err != nil {
		t.Fatalf("settle all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 settlement groups, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected settlement error: %v", r.Err)
		}
		if r.Recipient == "0xr" && r.Amount != "3" {
			t.Fatalf("expected grouped amount 3 for 0xr, got %s", r.Amount)
		}
	}
}

func TestQueueSurvivesMachineRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	store, err := ledger.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m, err := New(store, stubVerifier{}, stubSettler{}, &stubPublisher{}, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := m.QueueInvoice(model.Invoice{ID: "inv-1", Recipient: "0xr", Amount: "1"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, err = ledger.Open(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	m2, err := New(store, stubVerifier{}, stubSettler{}, &stubPublisher{}, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("rebuild machine: %v", err)
	}
	if len(m2.queue) != 1 || m2.queue[0].ID != "inv-1" {
		t.Fatalf("expected the queued invoice to survive a restart, got %+v", m2.queue)
	}
}
