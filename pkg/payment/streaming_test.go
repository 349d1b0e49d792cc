package payment

import (
	"testing"

	"github.com/agentmesh-network/agentmesh/pkg/model"
)

func TestRecordTokensAccumulatesAndNeverRegresses(t *testing.T) {
	m, _ := newTestMachine(t, stubVerifier{}, stubSettler{})

	req := StreamRequest{
		ChannelID: "chan-1", JobID: "job-1", Payer: "0xp", Recipient: "0xr",
		RatePerToken: "0.01", AutoInvoice: true,
	}

	agreement, inv, err := m.RecordTokens(req, 100)
	if err != nil {
		t.Fatalf("record tokens: %v", err)
	}
	if agreement.AccumulatedAmount != "1" {
		t.Fatalf("expected accumulated 1, got %s", agreement.AccumulatedAmount)
	}
	if inv == nil || inv.Amount != "1" {
		t.Fatalf("expected auto-invoice for increment, got %+v", inv)
	}

	agreement2, _, err := m.RecordTokens(req, 50)
	if err != nil {
		t.Fatalf("record tokens 2: %v", err)
	}
	if agreement2.AccumulatedAmount != "1.5" {
		t.Fatalf("expected accumulated 1.5, got %s", agreement2.AccumulatedAmount)
	}
}

func TestCloseStreamingChannelSettlesAndRemoves(t *testing.T) {
	m, _ := newTestMachine(t, stubVerifier{}, stubSettler{})
	req := StreamRequest{ChannelID: "chan-1", JobID: "job-1", Recipient: "0xr", RatePerToken: "0.01"}

	if _, _, err := m.RecordTokens(req, 10); err != nil {
		t.Fatalf("record tokens: %v", err)
	}

	closed, err := m.CloseStreamingChannel("chan-1")
	if err != nil {
		t.Fatalf("close channel: %v", err)
	}
	if closed.ClosedAt == 0 {
		t.Fatal("expected ClosedAt to be set")
	}

	if _, err := m.CloseStreamingChannel("chan-1"); err == nil {
		t.Fatal("expected error closing an already-removed channel")
	}
}

func TestTotalTokensZeroRate(t *testing.T) {
	if got := TotalTokens(model.StreamingAgreement{RatePerToken: "0", AccumulatedAmount: "5"}); got != 0 {
		t.Fatalf("expected 0 for zero rate, got %d", got)
	}
}

func TestTotalTokensRounds(t *testing.T) {
	got := TotalTokens(model.StreamingAgreement{RatePerToken: "0.01", AccumulatedAmount: "1.5"})
	if got != 150 {
		t.Fatalf("expected 150 tokens, got %d", got)
	}
}
