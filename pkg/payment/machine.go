// Package payment implements the payment state machine: per-request
// invoices, milestone escrows, streaming meters, and multi-party swarm
// splits, all backed by pkg/ledger. It generalizes the teacher's
// pkg/payment channel-state-machine idiom (a live map of in-flight
// payment state, mutated under per-entity locks, with every transition
// written through to durable storage) away from SingularityNET's
// MultiPartyEscrow-channel specifics.
package payment

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh-network/agentmesh/pkg/chain"
	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/ledger"
	"github.com/agentmesh-network/agentmesh/pkg/model"
	"github.com/agentmesh-network/agentmesh/pkg/wei"
)

// Config bounds the state machine's behaviour.
type Config struct {
	PaymentTimeout  time.Duration
	InvoiceValidity time.Duration
	InvoiceQueueCap int
}

// DefaultConfig matches the spec's stated defaults: 60s payment wait, 5min
// invoice validity, 1000-entry invoice queue.
func DefaultConfig() Config {
	return Config{
		PaymentTimeout:  60 * time.Second,
		InvoiceValidity: 5 * time.Minute,
		InvoiceQueueCap: 1000,
	}
}

// Verifier checks a payment proof against the chain the invoice was issued
// on. pkg/settlement.Client satisfies this.
type Verifier interface {
	VerifyPayment(ctx context.Context, proof model.PaymentProof, invoice model.Invoice) (bool, error)
}

// Settler submits invoices for on-chain settlement. pkg/settlement.Client
// satisfies this.
type Settler interface {
	Pay(ctx context.Context, invoice model.Invoice) (model.PaymentProof, error)
}

// Publisher delivers an invoice to its payer over the overlay.
type Publisher interface {
	PublishInvoice(ctx context.Context, payerPeerID string, invoice model.Invoice) error
}

// Outcome is what a RequirePayment waiter eventually receives.
type Outcome struct {
	Proof model.PaymentProof
	Err   error
}

type pendingPayment struct {
	invoice  model.Invoice
	resolved atomic.Bool
	ch       chan Outcome
	timer    *time.Timer
}

// Machine is one node's live payment state, backed by a ledger.Store.
type Machine struct {
	store     *ledger.Store
	verifier  Verifier
	settler   Settler
	publisher Publisher
	signer    *ecdsa.PrivateKey
	cfg       Config

	escrowMu sync.Mutex
	escrows  map[string]model.EscrowAgreement

	streamMu       sync.Mutex
	streaming      map[string]model.StreamingAgreement
	streamEntryIDs map[string]string
	channelLocks   map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingPayment

	queueMu sync.Mutex
	queue   []model.Invoice
}

// New constructs a Machine and loads any pre-existing escrow/streaming
// state from store.
func New(store *ledger.Store, verifier Verifier, settler Settler, publisher Publisher, signer *ecdsa.PrivateKey, cfg Config) (*Machine, error) {
	m := &Machine{
		store:          store,
		verifier:       verifier,
		settler:        settler,
		publisher:      publisher,
		signer:         signer,
		cfg:            cfg,
		escrows:        map[string]model.EscrowAgreement{},
		streaming:      map[string]model.StreamingAgreement{},
		streamEntryIDs: map[string]string{},
		channelLocks:   map[string]*sync.Mutex{},
		pending:        map[string]*pendingPayment{},
	}

	escrows, err := store.LoadAllEscrows()
	if err != nil {
		return nil, err
	}
	for _, e := range escrows {
		m.escrows[e.JobID] = e
	}

	streams, err := store.LoadAllStreaming()
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		m.streaming[s.ID] = s
	}

	pending, err := store.LoadAllPendingSettlements()
	if err != nil {
		return nil, err
	}
	m.queue = pending

	return m, nil
}

// PricingRequest is what RequirePayment needs to mint an invoice.
type PricingRequest struct {
	JobID        string
	ChainID      int64
	Token        string
	TokenAddress string
	Amount       string
	Recipient    string
	PayerPeerID  string
}

// RequirePayment mints an invoice, publishes it to the payer, and returns a
// channel that resolves once a proof is verified or the configured payment
// deadline (60s by default) elapses.
func (m *Machine) RequirePayment(ctx context.Context, pricing PricingRequest) (model.Invoice, <-chan Outcome, error) {
	invoice := model.Invoice{
		ID:           uuid.NewString(),
		JobID:        pricing.JobID,
		ChainID:      pricing.ChainID,
		Token:        pricing.Token,
		TokenAddress: pricing.TokenAddress,
		Amount:       pricing.Amount,
		Recipient:    pricing.Recipient,
		ValidUntil:   time.Now().Add(m.cfg.InvoiceValidity).UnixMilli(),
	}
	m.signInvoice(&invoice)

	now := time.Now().UnixMilli()
	entry := model.PaymentLedgerEntry{
		ID:        invoice.ID,
		Type:      model.LedgerStandard,
		Status:    model.LedgerPending,
		ChainID:   invoice.ChainID,
		Token:     invoice.Token,
		Amount:    invoice.Amount,
		Recipient: invoice.Recipient,
		JobID:     invoice.JobID,
		CreatedAt: now,
	}
	if err := m.store.WriteLedgerEntry(entry); err != nil {
		return model.Invoice{}, nil, err
	}

	if m.publisher != nil {
		if err := m.publisher.PublishInvoice(ctx, pricing.PayerPeerID, invoice); err != nil {
			return invoice, nil, errs.Wrap(errs.Transport, "publish invoice", err)
		}
	}

	p := &pendingPayment{invoice: invoice, ch: make(chan Outcome, 1)}
	m.pendingMu.Lock()
	m.pending[invoice.ID] = p
	m.pendingMu.Unlock()

	p.timer = time.AfterFunc(m.cfg.PaymentTimeout, func() { m.timeoutPending(invoice.ID) })

	return invoice, p.ch, nil
}

func (m *Machine) timeoutPending(invoiceID string) {
	m.pendingMu.Lock()
	p, ok := m.pending[invoiceID]
	if ok {
		delete(m.pending, invoiceID)
	}
	m.pendingMu.Unlock()
	if !ok {
		return
	}

	now := time.Now().UnixMilli()
	_ = m.store.WriteTimedOutPayment(model.TimedOutPayment{
		InvoiceID:  invoiceID,
		JobID:      p.invoice.JobID,
		Amount:     p.invoice.Amount,
		ChainID:    p.invoice.ChainID,
		Recipient:  p.invoice.Recipient,
		TimedOutAt: now,
		Status:     model.TimedOutPending,
	})

	if p.resolved.CompareAndSwap(false, true) {
		p.ch <- Outcome{Err: errs.New(errs.Timeout, "payment timeout")}
	}
}

// VerifyPayment checks proof against either a live pending payment or a
// recoverable timed-out one, verifies it on-chain, and — in one atomic
// ledger operation — records it processed and recovers the timed-out row
// if that is where it was found. Returns false (not an error) for a stale
// or already-processed proof.
func (m *Machine) VerifyPayment(ctx context.Context, proof model.PaymentProof) (bool, error) {
	processed, err := m.store.HasProcessedProof(proof.TxHash)
	if err != nil {
		return false, err
	}
	if processed {
		return false, nil
	}

	m.pendingMu.Lock()
	p, live := m.pending[proof.InvoiceID]
	if live {
		delete(m.pending, proof.InvoiceID)
	}
	m.pendingMu.Unlock()

	var invoice model.Invoice
	switch {
	case live:
		invoice = p.invoice
		if p.timer != nil {
			p.timer.Stop()
		}
	default:
		timedOut, found, err := m.store.LoadTimedOutPayment(proof.InvoiceID)
		if err != nil {
			return false, err
		}
		if !found {
			return false, errs.New(errs.NotFound, "no pending or timed-out payment for invoice")
		}
		invoice = model.Invoice{
			ID:        timedOut.InvoiceID,
			JobID:     timedOut.JobID,
			ChainID:   timedOut.ChainID,
			Amount:    timedOut.Amount,
			Recipient: timedOut.Recipient,
		}
	}

	ok, err := m.verifier.VerifyPayment(ctx, proof, invoice)
	if err != nil {
		if live && p.resolved.CompareAndSwap(false, true) {
			p.ch <- Outcome{Err: err}
		}
		return false, err
	}
	if !ok {
		if live && p.resolved.CompareAndSwap(false, true) {
			p.ch <- Outcome{Err: errs.New(errs.InputInvalid, "payment proof failed verification")}
		}
		return false, nil
	}

	if err := m.store.RecordProofAndRecoverTimeout(model.ProcessedProof{
		TxHash:      proof.TxHash,
		ChainID:     proof.ChainID,
		InvoiceID:   proof.InvoiceID,
		ProcessedAt: time.Now().UnixMilli(),
	}, proof.InvoiceID); err != nil {
		return false, err
	}

	_ = m.store.WriteLedgerEntry(model.PaymentLedgerEntry{
		ID:        invoice.ID,
		Type:      model.LedgerStandard,
		Status:    model.LedgerSettled,
		ChainID:   invoice.ChainID,
		Amount:    invoice.Amount,
		Recipient: invoice.Recipient,
		JobID:     invoice.JobID,
		CreatedAt: time.Now().UnixMilli(),
		SettledAt: time.Now().UnixMilli(),
		TxHash:    proof.TxHash,
	})

	if live && p.resolved.CompareAndSwap(false, true) {
		p.ch <- Outcome{Proof: proof}
	}
	return true, nil
}

// ReleaseMilestone releases one milestone of a live escrow, enforcing the
// approver check, the transition table, and the already-released/
// concurrent-update terminal outcomes. callerID is ignored when the escrow
// does not require approval.
func (m *Machine) ReleaseMilestone(ctx context.Context, jobID, milestoneID, callerID string) (model.EscrowAgreement, error) {
	m.escrowMu.Lock()
	defer m.escrowMu.Unlock()

	e, ok := m.escrows[jobID]
	if !ok {
		return model.EscrowAgreement{}, errs.New(errs.NotFound, "escrow not found")
	}
	if e.RequiresApproval && e.Approver != "" && e.Approver != callerID {
		return e, errs.New(errs.Unauthorized, "caller is not the escrow approver")
	}
	if e.Status == model.EscrowFullyReleased || e.Status == model.EscrowCancelled {
		return e, errs.New(errs.AlreadySettled, "escrow is already terminal")
	}

	idx := -1
	for i, ms := range e.Milestones {
		if ms.ID == milestoneID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return e, errs.New(errs.NotFound, "milestone not found")
	}
	if e.Milestones[idx].Released {
		return e, errs.New(errs.AlreadySettled, "milestone already released")
	}

	expected := append([]model.Milestone(nil), e.Milestones...)
	next := append([]model.Milestone(nil), e.Milestones...)
	next[idx].Released = true
	next[idx].Status = model.MilestoneReleased
	next[idx].ReleasedAt = time.Now().UnixMilli()

	allTerminal, anyReleased := true, false
	for _, ms := range next {
		switch ms.Status {
		case model.MilestoneReleased:
			anyReleased = true
		case model.MilestoneCancelled:
		default:
			allTerminal = false
		}
	}
	updated := e
	updated.Milestones = next
	if allTerminal {
		updated.Status = model.EscrowFullyReleased
	} else if anyReleased {
		updated.Status = model.EscrowPartiallyReleased
	}

	if err := m.store.UpdateEscrowIfMilestonesUnchanged(updated, expected); err != nil {
		if errs.Is(err, errs.ConcurrentUpdate) {
			return e, errs.New(errs.ConcurrentUpdate, "escrow changed concurrently")
		}
		return e, err
	}
	m.escrows[jobID] = updated

	_ = m.store.WriteLedgerEntry(model.PaymentLedgerEntry{
		ID:        uuid.NewString(),
		Type:      model.LedgerEscrow,
		Status:    model.LedgerSettled,
		ChainID:   e.ChainID,
		Token:     e.Token,
		Amount:    next[idx].Amount,
		Recipient: e.Recipient,
		Payer:     e.Payer,
		JobID:     jobID,
		CreatedAt: time.Now().UnixMilli(),
		SettledAt: time.Now().UnixMilli(),
	})

	return updated, nil
}

// CreateEscrow registers a new escrow, enforcing that milestone amounts sum
// to totalAmount (pkg/wei.ValidateMilestonesTotal).
func (m *Machine) CreateEscrow(e model.EscrowAgreement) error {
	m.escrowMu.Lock()
	defer m.escrowMu.Unlock()

	if e.Status == "" {
		e.Status = model.EscrowLocked
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	if err := wei.ValidateMilestonesTotal(e.Milestones, e.TotalAmount); err != nil {
		return err
	}
	if err := m.store.WriteEscrow(e); err != nil {
		return err
	}
	m.escrows[e.JobID] = e
	return nil
}

func (m *Machine) signInvoice(invoice *model.Invoice) {
	if m.signer == nil {
		return
	}
	bytes, err := Canonicalize(invoice)
	if err != nil {
		return
	}
	sig, err := chain.Sign(bytes, m.signer)
	if err != nil {
		return
	}
	invoice.Signature = hexEncode(sig)
	invoice.PublicKey = chain.PublicKeyHex(m.signer)
}

func hexEncode(b []byte) string {
	const table = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = table[v>>4]
		out[i*2+1] = table[v&0x0f]
	}
	return "0x" + string(out)
}
