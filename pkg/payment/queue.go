package payment

import (
	"context"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/model"
	"github.com/agentmesh-network/agentmesh/pkg/wei"
)

// SettlementResult is one batch group's outcome from SettleAll.
type SettlementResult struct {
	Recipient string
	ChainID   int64
	Token     string
	Amount    string
	Proof     model.PaymentProof
	Err       error
}

// QueueInvoice pushes invoice onto the bounded settlement queue, rejecting
// once it would exceed the configured cap.
func (m *Machine) QueueInvoice(invoice model.Invoice) error {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return m.enqueueLockedLocked(invoice)
}

// enqueueLocked acquires the queue lock itself; used by callers (like
// DistributeToSwarm) that are not already holding it.
func (m *Machine) enqueueLocked(invoice model.Invoice) error {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return m.enqueueLockedLocked(invoice)
}

// enqueueLockedLocked assumes the caller already holds queueMu.
func (m *Machine) enqueueLockedLocked(invoice model.Invoice) error {
	if len(m.queue) >= m.cfg.InvoiceQueueCap {
		return errs.New(errs.QueueFull, "invoice queue is full, flush before enqueueing more")
	}
	if err := m.store.WritePendingSettlement(invoice); err != nil {
		return err
	}
	m.queue = append(m.queue, invoice)
	return nil
}

// queueWouldOverflow reports whether enqueueing n more invoices would
// exceed the cap, without mutating the queue. DistributeToSwarm uses this
// to reject atomically before writing anything to the ledger.
func (m *Machine) queueWouldOverflow(n int) error {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue)+n > m.cfg.InvoiceQueueCap {
		return errs.New(errs.QueueFull, "swarm distribution would overflow the invoice queue")
	}
	return nil
}

// SettleAll drains the queue, grouping by (recipient, chainId, token) and
// summing amounts per group, then hands each group to the settlement
// client as one payment.
func (m *Machine) SettleAll(ctx context.Context) ([]SettlementResult, error) {
	m.queueMu.Lock()
	drained := m.queue
	m.queue = nil
	m.queueMu.Unlock()

	for _, inv := range drained {
		if err := m.store.DeletePendingSettlement(inv.ID); err != nil {
			return nil, err
		}
	}

	type groupKey struct {
		recipient string
		chainID   int64
		token     string
	}
	groups := map[groupKey]*model.Invoice{}
	order := []groupKey{}
	for _, inv := range drained {
		k := groupKey{inv.Recipient, inv.ChainID, inv.Token}
		existing, ok := groups[k]
		if !ok {
			copyInv := inv
			groups[k] = &copyInv
			order = append(order, k)
			continue
		}
		sum, err := sumAmounts(existing.Amount, inv.Amount)
		if err != nil {
			return nil, err
		}
		existing.Amount = sum
	}

	results := make([]SettlementResult, 0, len(order))
	for _, k := range order {
		inv := groups[k]
		proof, err := m.settler.Pay(ctx, *inv)
		results = append(results, SettlementResult{
			Recipient: k.recipient,
			ChainID:   k.chainID,
			Token:     k.token,
			Amount:    inv.Amount,
			Proof:     proof,
			Err:       err,
		})
	}
	return results, nil
}

func sumAmounts(a, b string) (string, error) {
	wa, err := wei.ToWei(a)
	if err != nil {
		return "", err
	}
	wb, err := wei.ToWei(b)
	if err != nil {
		return "", err
	}
	return wei.FromWei(wa.Add(wa, wb)), nil
}
