// Package dispatch routes inbound overlay messages that are not scoped to
// a single orchestration (invoices, payment proofs, streaming ticks,
// escrow approvals, swarm-distribution notices) into the payment state
// machine. Response-correlated messages (agent-response, stream-chunk,
// stream-complete) never reach this package: they arrive on the
// orchestration-scoped channel pkg/overlay.Overlay.Subscribe returns, and
// pkg/stream.Handler.Dispatch routes those directly.
package dispatch

import (
	"context"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/ledger"
	"github.com/agentmesh-network/agentmesh/pkg/model"
	"github.com/agentmesh-network/agentmesh/pkg/payment"
)

// Machine is the narrow slice of pkg/payment.Machine the dispatcher needs.
type Machine interface {
	VerifyPayment(ctx context.Context, proof model.PaymentProof) (bool, error)
	ReleaseMilestone(ctx context.Context, jobID, milestoneID, callerID string) (model.EscrowAgreement, error)
	RecordTokens(req payment.StreamRequest, count int64) (model.StreamingAgreement, *model.Invoice, error)
}

// Dispatcher routes one node's non-orchestration-scoped inbound messages.
type Dispatcher struct {
	store   *ledger.Store
	machine Machine
}

// New builds a Dispatcher over store (for expected-invoice validation) and
// machine (the payment state machine these messages ultimately feed).
func New(store *ledger.Store, machine Machine) *Dispatcher {
	return &Dispatcher{store: store, machine: machine}
}

// Dispatch routes msg, sent by senderPeerID, to the payment state machine.
// Response/stream messages are rejected: they belong on an orchestration's
// subscribed channel, not the node's general inbox.
func (d *Dispatcher) Dispatch(ctx context.Context, senderPeerID string, msg model.InboundMessage) error {
	switch m := msg.(type) {
	case model.InvoiceMsg:
		return d.handleInvoice(senderPeerID, m.Invoice)
	case model.SubmitPaymentProofMsg:
		_, err := d.machine.VerifyPayment(ctx, m.Proof)
		return err
	case model.StreamingTickMsg:
		_, _, err := d.machine.RecordTokens(payment.StreamRequest{ChannelID: m.ChannelID}, m.TokensGenerated)
		return err
	case model.EscrowApprovalMsg:
		_, err := d.machine.ReleaseMilestone(ctx, m.JobID, m.MilestoneID, senderPeerID)
		return err
	case model.SwarmDistributionMsg:
		// Informational broadcast of a completed split; nothing to apply
		// on the receiving side.
		return nil
	case model.AgentRequestMsg, model.AgentResponseMsg, model.StreamChunkMsg, model.StreamCompleteMsg:
		return errs.New(errs.InputInvalid, "orchestration-scoped message sent to the general dispatcher")
	default:
		return errs.New(errs.InputInvalid, "unrecognized inbound message type")
	}
}

// handleInvoice validates the sender against the expected-invoice index,
// then, if the invoice is signed, verifies the signature binds the
// claimed public key to both the canonical invoice body and the payee
// address it names.
func (d *Dispatcher) handleInvoice(senderPeerID string, invoice model.Invoice) error {
	expected, ok, err := d.store.LoadExpectedInvoice(invoice.JobID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.NotFound, "no expected-invoice entry for this job")
	}
	if expected.ExpectedRecipient != senderPeerID {
		return errs.New(errs.Unauthorized, "invoice sender does not match the expected recipient")
	}

	signed, valid, err := payment.VerifyInvoiceSignature(invoice)
	if err != nil {
		return err
	}
	if signed && !valid {
		return errs.New(errs.Unauthorized, "invoice signature does not verify")
	}
	return nil
}
