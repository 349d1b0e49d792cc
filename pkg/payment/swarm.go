package payment

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/model"
	"github.com/agentmesh-network/agentmesh/pkg/wei"
)

// SwarmRequest describes one job's payment to be split pro rata across
// participants by recorded contribution.
type SwarmRequest struct {
	JobID        string
	Payer        string
	TotalAmount  string
	ChainID      int64
	Token        string
	TokenAddress string
	Participants []model.SwarmParticipant
}

// DistributeToSwarm computes each participant's pro-rata amount, writes the
// swarm-split row plus one ledger entry per participant atomically in one
// batch, and then enqueues one invoice per participant. The floor-division remainder (at
// most participants-1 wei) is assigned to the first participant in input
// order so the split's total equals totalAmount exactly.
func (m *Machine) DistributeToSwarm(req SwarmRequest) (model.SwarmSplit, []model.Invoice, error) {
	if len(req.Participants) == 0 {
		return model.SwarmSplit{}, nil, errs.New(errs.InputInvalid, "swarm split requires at least one participant")
	}

	total, err := wei.ToWei(req.TotalAmount)
	if err != nil {
		return model.SwarmSplit{}, nil, err
	}

	contributions := make([]*big.Int, len(req.Participants))
	sumContribution := new(big.Int)
	for i, p := range req.Participants {
		c, err := wei.ContributionToBigInt(p.Contribution)
		if err != nil {
			return model.SwarmSplit{}, nil, err
		}
		contributions[i] = c
		sumContribution.Add(sumContribution, c)
	}
	if sumContribution.Sign() <= 0 {
		return model.SwarmSplit{}, nil, errs.New(errs.InputInvalid, "swarm contributions must sum to more than zero")
	}

	amounts := make([]*big.Int, len(req.Participants))
	distributed := new(big.Int)
	for i, c := range contributions {
		amt := new(big.Int).Mul(total, c)
		amt.Div(amt, sumContribution)
		amounts[i] = amt
		distributed.Add(distributed, amt)
	}
	remainder := new(big.Int).Sub(total, distributed)
	if remainder.Sign() > 0 {
		amounts[0].Add(amounts[0], remainder)
	}

	now := time.Now().UnixMilli()
	participants := make([]model.SwarmParticipant, len(req.Participants))
	entries := make([]model.PaymentLedgerEntry, len(req.Participants))
	invoices := make([]model.Invoice, len(req.Participants))
	for i, p := range req.Participants {
		amountStr := wei.FromWei(amounts[i])
		participants[i] = model.SwarmParticipant{
			PeerID:        p.PeerID,
			WalletAddress: p.WalletAddress,
			Contribution:  p.Contribution,
			Amount:        amountStr,
		}
		entries[i] = model.PaymentLedgerEntry{
			ID:        uuid.NewString(),
			Type:      model.LedgerSwarm,
			Status:    model.LedgerPending,
			ChainID:   req.ChainID,
			Token:     req.Token,
			Amount:    amountStr,
			Recipient: p.WalletAddress,
			Payer:     req.Payer,
			JobID:     req.JobID,
			CreatedAt: now,
		}
		invoices[i] = model.Invoice{
			ID:           entries[i].ID,
			JobID:        req.JobID,
			ChainID:      req.ChainID,
			Token:        req.Token,
			TokenAddress: req.TokenAddress,
			Amount:       amountStr,
			Recipient:    p.WalletAddress,
			ValidUntil:   time.Now().Add(m.cfg.InvoiceValidity).UnixMilli(),
		}
		m.signInvoice(&invoices[i])
	}

	if err := m.queueWouldOverflow(len(invoices)); err != nil {
		return model.SwarmSplit{}, nil, err
	}

	split := model.SwarmSplit{
		ID:           uuid.NewString(),
		JobID:        req.JobID,
		Payer:        req.Payer,
		TotalAmount:  req.TotalAmount,
		ChainID:      req.ChainID,
		Token:        req.Token,
		TokenAddress: req.TokenAddress,
		Participants: participants,
		Status:       model.SwarmDistributed,
	}

	if err := m.store.CreateSwarmSplitDistributed(split, entries); err != nil {
		return model.SwarmSplit{}, nil, err
	}

	for _, inv := range invoices {
		if err := m.enqueueLocked(inv); err != nil {
			return split, invoices, err
		}
	}

	return split, invoices, nil
}
