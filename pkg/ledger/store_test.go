package ledger

import (
	"path/filepath"
	"testing"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEscrowWriteAndLoad(t *testing.T) {
	s := openTestStore(t)
	e := model.EscrowAgreement{
		ID:          "esc-1",
		TotalAmount: "100",
		Milestones:  []model.Milestone{{ID: "m1", Amount: "100"}},
		Status:      model.EscrowLocked,
	}
	if err := s.WriteEscrow(e); err != nil {
		t.Fatalf("write escrow: %v", err)
	}
	all, err := s.LoadAllEscrows()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 1 || all[0].ID != "esc-1" {
		t.Fatalf("unexpected escrows: %+v", all)
	}
}

func TestUpdateEscrowIfMilestonesUnchanged(t *testing.T) {
	s := openTestStore(t)
	ms := []model.Milestone{{ID: "m1", Amount: "100"}}
	e := model.EscrowAgreement{ID: "esc-1", Milestones: ms, Status: model.EscrowLocked}
	if err := s.WriteEscrow(e); err != nil {
		t.Fatalf("write escrow: %v", err)
	}

	updated := e
	updated.Milestones = []model.Milestone{{ID: "m1", Amount: "100", Released: true, Status: model.MilestoneReleased}}
	updated.Status = model.EscrowFullyReleased
	if err := s.UpdateEscrowIfMilestonesUnchanged(updated, ms); err != nil {
		t.Fatalf("conditional update: %v", err)
	}

	// Second attempt with the stale expected milestones must fail.
	if err := s.UpdateEscrowIfMilestonesUnchanged(updated, ms); !errs.Is(err, errs.ConcurrentUpdate) {
		t.Fatalf("expected ConcurrentUpdate, got %v", err)
	}
}

func TestUpdateEscrowIfMilestonesUnchangedNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateEscrowIfMilestonesUnchanged(model.EscrowAgreement{ID: "missing"}, nil)
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRecordProofAndRecoverTimeout(t *testing.T) {
	s := openTestStore(t)
	if err := s.WriteTimedOutPayment(model.TimedOutPayment{InvoiceID: "inv-1", Status: model.TimedOutPending}); err != nil {
		t.Fatalf("write timed out: %v", err)
	}

	if err := s.RecordProofAndRecoverTimeout(model.ProcessedProof{TxHash: "0xabc", InvoiceID: "inv-1"}, "inv-1"); err != nil {
		t.Fatalf("record proof: %v", err)
	}

	has, err := s.HasProcessedProof("0xabc")
	if err != nil || !has {
		t.Fatalf("expected processed proof to be recorded, has=%v err=%v", has, err)
	}

	got, ok, err := s.LoadTimedOutPayment("inv-1")
	if err != nil || !ok {
		t.Fatalf("expected timed-out payment row, ok=%v err=%v", ok, err)
	}
	if got.Status != model.TimedOutRecovered {
		t.Fatalf("expected recovered status, got %v", got.Status)
	}
}

func TestCreateSwarmSplitDistributed(t *testing.T) {
	s := openTestStore(t)
	sp := model.SwarmSplit{ID: "split-1", Status: model.SwarmDistributed}
	entries := []model.PaymentLedgerEntry{{ID: "entry-1", Type: model.LedgerSwarm, Status: model.LedgerSettled}}

	if err := s.CreateSwarmSplitDistributed(sp, entries); err != nil {
		t.Fatalf("create swarm split: %v", err)
	}

	splits, err := s.LoadAllSwarmSplits()
	if err != nil || len(splits) != 1 {
		t.Fatalf("expected one swarm split, got %+v err=%v", splits, err)
	}
	rows, err := s.LoadAllLedgerEntries()
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one ledger entry, got %+v err=%v", rows, err)
	}
}

func TestExpectedInvoiceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.WriteExpectedInvoice(model.ExpectedInvoice{JobID: "job-1", ExpectedRecipient: "peer-a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, ok, err := s.LoadExpectedInvoice("job-1")
	if err != nil || !ok || got.ExpectedRecipient != "peer-a" {
		t.Fatalf("unexpected load result: %+v ok=%v err=%v", got, ok, err)
	}
	if err := s.DeleteExpectedInvoice("job-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.LoadExpectedInvoice("job-1"); ok {
		t.Fatal("expected deleted row to be gone")
	}
}

func TestPendingSettlementRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.WritePendingSettlement(model.Invoice{ID: "inv-1", Recipient: "0xr", Amount: "1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WritePendingSettlement(model.Invoice{ID: "inv-2", Recipient: "0xr", Amount: "2"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	all, err := s.LoadAllPendingSettlements()
	if err != nil || len(all) != 2 {
		t.Fatalf("unexpected load result: %+v err=%v", all, err)
	}

	if err := s.DeletePendingSettlement("inv-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, err = s.LoadAllPendingSettlements()
	if err != nil || len(all) != 1 || all[0].ID != "inv-2" {
		t.Fatalf("unexpected load result after delete: %+v err=%v", all, err)
	}
}
