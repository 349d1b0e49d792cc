package payment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/ledger"
	"github.com/agentmesh-network/agentmesh/pkg/model"
)

type stubVerifier struct {
	ok  bool
	err error
}

func (s stubVerifier) VerifyPayment(ctx context.Context, proof model.PaymentProof, invoice model.Invoice) (bool, error) {
	return s.ok, s.err
}

type stubSettler struct {
	proof model.PaymentProof
	err   error
}

func (s stubSettler) Pay(ctx context.Context, invoice model.Invoice) (model.PaymentProof, error) {
	return s.proof, s.err
}

type stubPublisher struct {
	published []model.Invoice
}

func (s *stubPublisher) PublishInvoice(ctx context.Context, payerPeerID string, invoice model.Invoice) error {
	s.published = append(s.published, invoice)
	return nil
}

func newTestMachine(t *testing.T, verifier Verifier, settler Settler) (*Machine, *stubPublisher) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pub := &stubPublisher{}
	cfg := DefaultConfig()
	cfg.PaymentTimeout = 50 * time.Millisecond
	m, err := New(store, verifier, settler, pub, nil, cfg)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m, pub
}

func TestRequirePaymentVerifiedResolvesSuccess(t *testing.T) {
	m, pub := newTestMachine(t, stubVerifier{ok: true}, stubSettler{})

	invoice, outcome, err := m.RequirePayment(context.Background(), PricingRequest{
		JobID: "job-1", ChainID: 1, Amount: "1.5", Recipient: "0xabc", PayerPeerID: "peer-a",
	})
	if err != nil {
		t.Fatalf("require payment: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected invoice to be published, got %d", len(pub.published))
	}

	ok, err := m.VerifyPayment(context.Background(), model.PaymentProof{InvoiceID: invoice.ID, TxHash: "0xtx1", ChainID: 1})
	if err != nil || !ok {
		t.Fatalf("verify payment: ok=%v err=%v", ok, err)
	}

	select {
	case res := <-outcome:
		if res.Err != nil {
			t.Fatalf("unexpected outcome error: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestRequirePaymentTimesOutThenLateProofRecovers(t *testing.T) {
	m, _ := newTestMachine(t, stubVerifier{ok: true}, stubSettler{})

	invoice, outcome, err := m.RequirePayment(context.Background(), PricingRequest{
		JobID: "job-1", ChainID: 1, Amount: "1.0", Recipient: "0xabc",
	})
	if err != nil {
		t.Fatalf("require payment: %v", err)
	}

	select {
	case res := <-outcome:
		if !errs.Is(res.Err, errs.Timeout) {
			t.Fatalf("expected timeout, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout outcome")
	}

	ok, err := m.VerifyPayment(context.Background(), model.PaymentProof{InvoiceID: invoice.ID, TxHash: "0xtx-late", ChainID: 1})
	if err != nil || !ok {
		t.Fatalf("expected late recovery to succeed, ok=%v err=%v", ok, err)
	}
}

func TestVerifyPaymentRejectsDuplicateProof(t *testing.T) {
	m, _ := newTestMachine(t, stubVerifier{ok: true}, stubSettler{})

	invoice, _, err := m.RequirePayment(context.Background(), PricingRequest{JobID: "job-1", ChainID: 1, Amount: "1.0", Recipient: "0xabc"})
	if err != nil {
		t.Fatalf("require payment: %v", err)
	}

	proof := model.PaymentProof{InvoiceID: invoice.ID, TxHash: "0xdup", ChainID: 1}
	ok1, err1 := m.VerifyPayment(context.Background(), proof)
	if err1 != nil || !ok1 {
		t.Fatalf("first verify: ok=%v err=%v", ok1, err1)
	}

	ok2, err2 := m.VerifyPayment(context.Background(), proof)
	if err2 != nil || ok2 {
		t.Fatalf("expected second verify to be a no-op false, got ok=%v err=%v", ok2, err2)
	}
}

func TestReleaseMilestoneTransitionsAndRejectsDoubleRelease(t *testing.T) {
	m, _ := newTestMachine(t, stubVerifier{}, stubSettler{})

	escrow := model.EscrowAgreement{
		ID: "esc-1", JobID: "job-1", Payer: "0xp", Recipient: "0xr",
		TotalAmount: "100",
		Milestones: []model.Milestone{
			{ID: "m1", Amount: "40"},
			{ID: "m2", Amount: "60"},
		},
	}
	if err := m.CreateEscrow(escrow); err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	updated, err := m.ReleaseMilestone(context.Background(), "job-1", "m1", "")
	if err != nil {
		t.Fatalf("release milestone: %v", err)
	}
	if updated.Status != model.EscrowPartiallyReleased {
		t.Fatalf("expected partially-released, got %s", updated.Status)
	}

	if _, err := m.ReleaseMilestone(context.Background(), "job-1", "m1", ""); !errs.Is(err, errs.AlreadySettled) {
		t.Fatalf("expected AlreadySettled, got %v", err)
	}

	final, err := m.ReleaseMilestone(context.Background(), "job-1", "m2", "")
	if err != nil {
		t.Fatalf("release second milestone: %v", err)
	}
	if final.Status != model.EscrowFullyReleased {
		t.Fatalf("expected fully-released, got %s", final.Status)
	}
}

func TestReleaseMilestoneRequiresApprover(t *testing.T) {
	m, _ := newTestMachine(t, stubVerifier{}, stubSettler{})
	escrow := model.EscrowAgreement{
		ID: "esc-1", JobID: "job-1", TotalAmount: "10",
		Milestones:       []model.Milestone{{ID: "m1", Amount: "10"}},
		RequiresApproval: true,
		Approver:         "approver-a",
	}
	if err := m.CreateEscrow(escrow); err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	if _, err := m.ReleaseMilestone(context.Background(), "job-1", "m1", "someone-else"); !errs.Is(err, errs.Unauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if _, err := m.ReleaseMilestone(context.Background(), "job-1", "m1", "approver-a"); err != nil {
		t.Fatalf("expected approver release to succeed: %v", err)
	}
}
