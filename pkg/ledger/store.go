// Package ledger is the durable key-value store backing the payment state
// machine: escrows, streaming channels, swarm splits, ledger entries,
// pending settlements, processed proofs, timed-out payments and expected
// invoices. It is grounded on github.com/cockroachdb/pebble/v2, an
// embedded ordered key-value engine that reached the teacher's module
// graph transitively (through its IPFS/Kubo blockstore) and is promoted
// here to a direct dependency: this is the one component of the repo that
// genuinely needs a local mutable database, unlike the teacher's
// pkg/storage, which fetches immutable content-addressed metadata from
// IPFS/Lighthouse and has no counterpart in this domain.
package ledger

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/model"
)

// Table prefixes keep every entity's rows in a contiguous key range so a
// single pebble.DB can serve all eight tables the spec enumerates.
const (
	tableEscrows            = "esc/"
	tableStreaming          = "stream/"
	tableSwarm              = "swarm/"
	tableLedgerEntries      = "ledger/"
	tableProcessedProofs    = "proof/"
	tableExpectedInvoices   = "expected/"
	tableTimedOutPayments   = "timedout/"
	tablePendingSettlements = "pending/"

	schemaVersionCurrent = 1
)

// Store is the single-writer durable ledger for one node. All public
// methods are safe for concurrent use; writes are serialized by mu so that
// the "conditional update" operations the spec requires can be
// implemented as read-check-write rather than needing pebble's own
// (unavailable) cross-key CAS primitive.
type Store struct {
	mu sync.Mutex
	db *pebble.DB
}

// Open opens (or creates) the pebble database rooted at dir. A node that
// has never written anything gets an empty, freshly created store.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "open ledger store", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string) ([]byte, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.Transport, "ledger get", err)
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, true, nil
}

func (s *Store) set(key string, value []byte) error {
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return errs.Wrap(errs.Transport, "ledger set", err)
	}
	return nil
}

func (s *Store) delete(key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return errs.Wrap(errs.Transport, "ledger delete", err)
	}
	return nil
}

// scan iterates every key under prefix and invokes fn with its raw value.
// Any "no such table" condition simply yields zero rows, matching the
// spec's "absent store loads as empty" failure semantics.
func (s *Store) scan(prefix string, fn func(value []byte) error) error {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

// prefixUpperBound returns the smallest key strictly greater than every
// key beginning with prefix, the standard pebble idiom for a prefix scan.
func prefixUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			out := append([]byte(nil), b[:i+1]...)
			out[i]++
			return out
		}
	}
	return nil
}

func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.InputInvalid, "marshal ledger row", err)
	}
	return b, nil
}

func unmarshal(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return errs.Wrap(errs.Transport, "unmarshal ledger row", err)
	}
	return nil
}

// -- Escrows -----------------------------------------------------------

func escrowKey(id string) string { return tableEscrows + id }

// LoadAllEscrows returns every stored EscrowAgreement.
func (s *Store) LoadAllEscrows() ([]model.EscrowAgreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EscrowAgreement
	err := s.scan(tableEscrows, func(v []byte) error {
		var e model.EscrowAgreement
		if err := unmarshal(v, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// WriteEscrow upserts an EscrowAgreement.
func (s *Store) WriteEscrow(e model.EscrowAgreement) error {
	e.SchemaVersion = schemaVersionCurrent
	b, err := marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(escrowKey(e.ID), b)
}

// UpdateEscrowIfMilestonesUnchanged performs the conditional update the
// spec requires for milestone release: it succeeds only if the escrow
// currently stored has the same milestone slice as expectedMilestones.
func (s *Store) UpdateEscrowIfMilestonesUnchanged(e model.EscrowAgreement, expectedMilestones []model.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok, err := s.get(escrowKey(e.ID))
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.NotFound, "escrow %s not found", e.ID)
	}
	var current model.EscrowAgreement
	if err := unmarshal(v, &current); err != nil {
		return err
	}
	if !milestonesEqual(current.Milestones, expectedMilestones) {
		return errs.Newf(errs.ConcurrentUpdate, "escrow %s milestones changed concurrently", e.ID)
	}
	e.SchemaVersion = schemaVersionCurrent
	b, err := marshal(e)
	if err != nil {
		return err
	}
	return s.set(escrowKey(e.ID), b)
}

func milestonesEqual(a, b []model.Milestone) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// -- Streaming -----------------------------------------------------------

func streamingKey(id string) string { return tableStreaming + id }

// LoadAllStreaming returns every stored StreamingAgreement.
func (s *Store) LoadAllStreaming() ([]model.StreamingAgreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StreamingAgreement
	err := s.scan(tableStreaming, func(v []byte) error {
		var e model.StreamingAgreement
		if err := unmarshal(v, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// WriteStreaming upserts a StreamingAgreement.
func (s *Store) WriteStreaming(a model.StreamingAgreement) error {
	a.SchemaVersion = schemaVersionCurrent
	b, err := marshal(a)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(streamingKey(a.ID), b)
}

// -- Swarm splits ---------------------------------------------------------

func swarmKey(id string) string { return tableSwarm + id }

// LoadAllSwarmSplits returns every stored SwarmSplit.
func (s *Store) LoadAllSwarmSplits() ([]model.SwarmSplit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SwarmSplit
	err := s.scan(tableSwarm, func(v []byte) error {
		var e model.SwarmSplit
		if err := unmarshal(v, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// WriteSwarmSplit upserts a SwarmSplit.
func (s *Store) WriteSwarmSplit(sp model.SwarmSplit) error {
	sp.SchemaVersion = schemaVersionCurrent
	b, err := marshal(sp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(swarmKey(sp.ID), b)
}

// CreateSwarmSplitDistributed writes the swarm split (already marked
// distributed) together with its ledger entries in a single pebble batch,
// the atomic "insert initial split AND update to distributed" operation
// the spec requires.
func (s *Store) CreateSwarmSplitDistributed(sp model.SwarmSplit, entries []model.PaymentLedgerEntry) error {
	sp.SchemaVersion = schemaVersionCurrent
	spBytes, err := marshal(sp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(swarmKey(sp.ID)), spBytes, nil); err != nil {
		return errs.Wrap(errs.Transport, "stage swarm split", err)
	}
	for _, e := range entries {
		e.SchemaVersion = schemaVersionCurrent
		b, err := marshal(e)
		if err != nil {
			return err
		}
		if err := batch.Set([]byte(ledgerEntryKey(e.ID)), b, nil); err != nil {
			return errs.Wrap(errs.Transport, "stage ledger entry", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errs.Wrap(errs.Transport, "commit swarm batch", err)
	}
	return nil
}

// -- Ledger entries ---------------------------------------------------------

func ledgerEntryKey(id string) string { return tableLedgerEntries + id }

// LoadAllLedgerEntries returns every stored PaymentLedgerEntry.
func (s *Store) LoadAllLedgerEntries() ([]model.PaymentLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PaymentLedgerEntry
	err := s.scan(tableLedgerEntries, func(v []byte) error {
		var e model.PaymentLedgerEntry
		if err := unmarshal(v, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// WriteLedgerEntry upserts a PaymentLedgerEntry.
func (s *Store) WriteLedgerEntry(e model.PaymentLedgerEntry) error {
	e.SchemaVersion = schemaVersionCurrent
	b, err := marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(ledgerEntryKey(e.ID), b)
}

// -- Processed proofs / timed-out payments ----------------------------------

func proofKey(txHash string) string       { return tableProcessedProofs + txHash }
func timedOutKey(invoiceID string) string { return tableTimedOutPayments + invoiceID }

// HasProcessedProof reports whether txHash has already been recorded.
func (s *Store) HasProcessedProof(txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.get(proofKey(txHash))
	return ok, err
}

// WriteTimedOutPayment upserts a TimedOutPayment row.
func (s *Store) WriteTimedOutPayment(p model.TimedOutPayment) error {
	p.SchemaVersion = schemaVersionCurrent
	b, err := marshal(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(timedOutKey(p.InvoiceID), b)
}

// LoadTimedOutPayment returns the TimedOutPayment row for invoiceID, if any.
func (s *Store) LoadTimedOutPayment(invoiceID string) (model.TimedOutPayment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok, err := s.get(timedOutKey(invoiceID))
	if err != nil || !ok {
		return model.TimedOutPayment{}, ok, err
	}
	var p model.TimedOutPayment
	if err := unmarshal(v, &p); err != nil {
		return model.TimedOutPayment{}, false, err
	}
	return p, true, nil
}

// RecordProofAndRecoverTimeout inserts the processed-proof row and flips
// the matching timed-out-payment row to recovered, atomically in one
// pebble batch, the other multi-row atomic the spec requires.
func (s *Store) RecordProofAndRecoverTimeout(proof model.ProcessedProof, invoiceID string) error {
	proof.SchemaVersion = schemaVersionCurrent
	proofBytes, err := marshal(proof)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(proofKey(proof.TxHash)), proofBytes, nil); err != nil {
		return errs.Wrap(errs.Transport, "stage processed proof", err)
	}

	v, closer, err := s.db.Get([]byte(timedOutKey(invoiceID)))
	if err == nil {
		var p model.TimedOutPayment
		if uerr := unmarshal(append([]byte(nil), v...), &p); uerr == nil {
			_ = closer.Close()
			p.Status = model.TimedOutRecovered
			b, merr := marshal(p)
			if merr != nil {
				return merr
			}
			if err := batch.Set([]byte(timedOutKey(invoiceID)), b, nil); err != nil {
				return errs.Wrap(errs.Transport, "stage timed-out recovery", err)
			}
		} else {
			_ = closer.Close()
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return errs.Wrap(errs.Transport, "read timed-out payment", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errs.Wrap(errs.Transport, "commit proof batch", err)
	}
	return nil
}

// -- Expected invoices ------------------------------------------------------

func expectedInvoiceKey(jobID string) string { return tableExpectedInvoices + jobID }

// WriteExpectedInvoice records who the requester expects to be billed by.
func (s *Store) WriteExpectedInvoice(e model.ExpectedInvoice) error {
	e.SchemaVersion = schemaVersionCurrent
	b, err := marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(expectedInvoiceKey(e.JobID), b)
}

// LoadExpectedInvoice returns the expected-invoice row for jobID, if any.
func (s *Store) LoadExpectedInvoice(jobID string) (model.ExpectedInvoice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok, err := s.get(expectedInvoiceKey(jobID))
	if err != nil || !ok {
		return model.ExpectedInvoice{}, ok, err
	}
	var e model.ExpectedInvoice
	if err := unmarshal(v, &e); err != nil {
		return model.ExpectedInvoice{}, false, err
	}
	return e, true, nil
}

// DeleteExpectedInvoice removes the expected-invoice row for jobID.
func (s *Store) DeleteExpectedInvoice(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(expectedInvoiceKey(jobID))
}

// -- Pending settlements -----------------------------------------------------
//
// The settlement queue (pkg/payment.Machine.QueueInvoice/SettleAll) persists
// every queued-but-unsettled invoice here so a restart doesn't lose
// intents that were accepted but not yet paid out.

func pendingSettlementKey(invoiceID string) string { return tablePendingSettlements + invoiceID }

// WritePendingSettlement records an invoice as queued for settlement.
func (s *Store) WritePendingSettlement(inv model.Invoice) error {
	b, err := marshal(inv)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(pendingSettlementKey(inv.ID), b)
}

// LoadAllPendingSettlements returns every invoice still queued for
// settlement, e.g. to rebuild the in-memory queue after a restart.
func (s *Store) LoadAllPendingSettlements() ([]model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Invoice
	err := s.scan(tablePendingSettlements, func(v []byte) error {
		var inv model.Invoice
		if err := unmarshal(v, &inv); err != nil {
			return err
		}
		out = append(out, inv)
		return nil
	})
	return out, err
}

// DeletePendingSettlement removes a settled (or abandoned) invoice from
// the pending-settlements table.
func (s *Store) DeletePendingSettlement(invoiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(pendingSettlementKey(invoiceID))
}
