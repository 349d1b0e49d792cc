package payment

import (
	"testing"

	"github.com/agentmesh-network/agentmesh/pkg/model"
)

func TestDistributeToSwarmConservesTotal(t *testing.T) {
	m, _ := newTestMachine(t, stubVerifier{}, stubSettler{})

	req := SwarmRequest{
		JobID: "job-1", Payer: "0xp", TotalAmount: "100", ChainID: 1, Token: "native",
		Participants: []model.SwarmParticipant{
			{PeerID: "a1", WalletAddress: "0xa1", Contribution: 1},
			{PeerID: "a2", WalletAddress: "0xa2", Contribution: 1},
			{PeerID: "a3", WalletAddress: "0xa3", Contribution: 2},
		},
	}

	split, invoices, err := m.DistributeToSwarm(req)
	if err != nil {
		t.Fatalf("distribute to swarm: %v", err)
	}
	if len(split.Participants) != 3 || len(invoices) != 3 {
		t.Fatalf("expected 3 participants and invoices, got %d/%d", len(split.Participants), len(invoices))
	}

	want := []string{"25", "25", "50"}
	for i, p := range split.Participants {
		if p.Amount != want[i] {
			t.Fatalf("participant %d: amount = %s, want %s", i, p.Amount, want[i])
		}
	}
}

func TestDistributeToSwarmRejectsEmptyParticipants(t *testing.T) {
	m, _ := newTestMachine(t, stubVerifier{}, stubSettler{})
	if _, _, err := m.DistributeToSwarm(SwarmRequest{JobID: "job-1", TotalAmount: "100"}); err == nil {
		t.Fatal("expected error for empty participants")
	}
}
