package payment

import (
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/model"
	"github.com/agentmesh-network/agentmesh/pkg/wei"
)

// StreamRequest identifies and prices a streaming channel. The first call
// to RecordTokens for a given ChannelID lazily creates the agreement.
type StreamRequest struct {
	ChannelID    string
	JobID        string
	Payer        string
	Recipient    string
	ChainID      int64
	Token        string
	TokenAddress string
	RatePerToken string
	AutoInvoice  bool
}

func (m *Machine) channelLock(channelID string) *sync.Mutex {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	lock, ok := m.channelLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		m.channelLocks[channelID] = lock
	}
	return lock
}

// RecordTokens serialises all mutation of one channel through a per-channel
// mutex, lazily creating the streaming agreement on first tick. It returns
// the updated agreement and, when autoInvoice is set and the increment is
// non-zero, a signed invoice for just that increment.
func (m *Machine) RecordTokens(req StreamRequest, count int64) (model.StreamingAgreement, *model.Invoice, error) {
	lock := m.channelLock(req.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	m.streamMu.Lock()
	agreement, exists := m.streaming[req.ChannelID]
	m.streamMu.Unlock()

	now := time.Now().UnixMilli()
	if !exists {
		agreement = model.StreamingAgreement{
			ID:                req.ChannelID,
			JobID:             req.JobID,
			Payer:             req.Payer,
			Recipient:         req.Recipient,
			ChainID:           req.ChainID,
			Token:             req.Token,
			TokenAddress:      req.TokenAddress,
			RatePerToken:      req.RatePerToken,
			AccumulatedAmount: "0",
			Status:            model.StreamingActive,
			CreatedAt:         now,
		}
		entryID := uuid.NewString()
		if err := m.store.WriteLedgerEntry(model.PaymentLedgerEntry{
			ID:        entryID,
			Type:      model.LedgerStreaming,
			Status:    model.LedgerStreamingState,
			ChainID:   req.ChainID,
			Token:     req.Token,
			Amount:    "0",
			Recipient: req.Recipient,
			Payer:     req.Payer,
			JobID:     req.JobID,
			CreatedAt: now,
		}); err != nil {
			return model.StreamingAgreement{}, nil, err
		}
		m.streamMu.Lock()
		m.streamEntryIDs[req.ChannelID] = entryID
		m.streamMu.Unlock()
	}

	rate, err := wei.ToWei(agreement.RatePerToken)
	if err != nil {
		return model.StreamingAgreement{}, nil, err
	}
	increment := new(big.Int).Mul(rate, big.NewInt(count))

	accumulated, err := wei.ToWei(agreement.AccumulatedAmount)
	if err != nil {
		return model.StreamingAgreement{}, nil, err
	}
	accumulated.Add(accumulated, increment)
	agreement.AccumulatedAmount = wei.FromWei(accumulated)
	agreement.LastTick = now

	if err := m.store.WriteStreaming(agreement); err != nil {
		return model.StreamingAgreement{}, nil, err
	}
	m.streamMu.Lock()
	m.streaming[req.ChannelID] = agreement
	m.streamMu.Unlock()

	var invoice *model.Invoice
	if req.AutoInvoice && increment.Sign() > 0 {
		inv := model.Invoice{
			ID:           uuid.NewString(),
			JobID:        req.JobID,
			ChainID:      req.ChainID,
			Token:        req.Token,
			TokenAddress: req.TokenAddress,
			Amount:       wei.FromWei(increment),
			Recipient:    req.Recipient,
			ValidUntil:   time.Now().Add(m.cfg.InvoiceValidity).UnixMilli(),
		}
		m.signInvoice(&inv)
		invoice = &inv
	}

	return agreement, invoice, nil
}

// TotalTokens derives the token count implied by an agreement's
// accumulated amount: round(accumulated / ratePerToken), or 0 when the
// rate is zero.
func TotalTokens(agreement model.StreamingAgreement) int64 {
	rate, err := wei.ToWei(agreement.RatePerToken)
	if err != nil || rate.Sign() == 0 {
		return 0
	}
	accumulated, err := wei.ToWei(agreement.AccumulatedAmount)
	if err != nil {
		return 0
	}
	half := new(big.Int).Div(rate, big.NewInt(2))
	rounded := new(big.Int).Add(accumulated, half)
	q := new(big.Int).Div(rounded, rate)
	return q.Int64()
}

// CloseStreamingChannel settles the channel's ledger entry for its final
// accumulated amount, marks it closed, and removes the in-memory record.
func (m *Machine) CloseStreamingChannel(channelID string) (model.StreamingAgreement, error) {
	lock := m.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	m.streamMu.Lock()
	agreement, ok := m.streaming[channelID]
	entryID := m.streamEntryIDs[channelID]
	m.streamMu.Unlock()
	if !ok {
		return model.StreamingAgreement{}, errs.New(errs.NotFound, "streaming channel not found")
	}

	now := time.Now().UnixMilli()
	agreement.Status = model.StreamingClosed
	agreement.ClosedAt = now
	if err := m.store.WriteStreaming(agreement); err != nil {
		return model.StreamingAgreement{}, err
	}

	if entryID != "" {
		_ = m.store.WriteLedgerEntry(model.PaymentLedgerEntry{
			ID:        entryID,
			Type:      model.LedgerStreaming,
			Status:    model.LedgerSettled,
			ChainID:   agreement.ChainID,
			Token:     agreement.Token,
			Amount:    agreement.AccumulatedAmount,
			Recipient: agreement.Recipient,
			Payer:     agreement.Payer,
			JobID:     agreement.JobID,
			CreatedAt: agreement.CreatedAt,
			SettledAt: now,
		})
	}

	m.streamMu.Lock()
	delete(m.streaming, channelID)
	delete(m.streamEntryIDs, channelID)
	delete(m.channelLocks, channelID)
	m.streamMu.Unlock()

	return agreement, nil
}
