// Package model holds the entities shared across the orchestrator, the
// payment state machine, the settlement client and the ledger store.
// Amounts are always decimal strings with 18 fractional digits; see
// pkg/wei for the conversion to and from the integer representation.
package model

// PeerInfo identifies one overlay participant.
type PeerInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// PeerMatch is the overlay's answer to a capability query.
type PeerMatch struct {
	Peer       PeerInfo `json:"peer"`
	MatchScore float64  `json:"matchScore"`
}

// AgentResponse is what one selected peer contributed to an orchestration,
// whether it answered successfully or failed/timed out.
type AgentResponse struct {
	Peer       PeerInfo `json:"peer"`
	MatchScore float64  `json:"matchScore"`
	Response   string   `json:"response,omitempty"`
	LatencyMs  int64    `json:"latencyMs"`
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
}

// AgentLoadState is the per-peer counters the selection strategies weight
// against. Mutation always replaces the whole map (see pkg/selection) so
// readers never observe a half-updated snapshot.
type AgentLoadState struct {
	ActiveRequests  int64   `json:"activeRequests"`
	TotalRequests   int64   `json:"totalRequests"`
	TotalErrors     int64   `json:"totalErrors"`
	AverageLatency  float64 `json:"averageLatency"`
	LastRequestTime int64   `json:"lastRequestTime"`
	SuccessRate     float64 `json:"successRate"`
}

// EscrowStatus is the lifecycle state of an EscrowAgreement.
type EscrowStatus string

const (
	EscrowLocked            EscrowStatus = "locked"
	EscrowPartiallyReleased EscrowStatus = "partially-released"
	EscrowFullyReleased     EscrowStatus = "fully-released"
	EscrowCancelled         EscrowStatus = "cancelled"
)

// MilestoneStatus is the lifecycle state of one Milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneReleased  MilestoneStatus = "released"
	MilestoneCancelled MilestoneStatus = "cancelled"
)

// Milestone is a named, independently-releasable chunk of an escrow.
type Milestone struct {
	ID         string          `json:"id"`
	Amount     string          `json:"amount"`
	Released   bool            `json:"released"`
	Status     MilestoneStatus `json:"status"`
	ReleasedAt int64           `json:"releasedAt,omitempty"`
}

// EscrowAgreement is a multi-milestone payment held until release
// conditions are met.
type EscrowAgreement struct {
	SchemaVersion    int          `json:"schemaVersion"`
	ID               string       `json:"id"`
	JobID            string       `json:"jobId"`
	Payer            string       `json:"payer"`
	Recipient        string       `json:"recipient"`
	ChainID          int64        `json:"chainId"`
	Token            string       `json:"token"`
	TokenAddress     string       `json:"tokenAddress,omitempty"`
	TotalAmount      string       `json:"totalAmount"`
	Milestones       []Milestone  `json:"milestones"`
	Status           EscrowStatus `json:"status"`
	CreatedAt        int64        `json:"createdAt"`
	RequiresApproval bool         `json:"requiresApproval"`
	Approver         string       `json:"approver,omitempty"`
}

// StreamingStatus is the lifecycle state of a StreamingAgreement.
type StreamingStatus string

const (
	StreamingActive StreamingStatus = "active"
	StreamingClosed StreamingStatus = "closed"
)

// StreamingAgreement meters a per-token payment rate over a long-lived
// channel, e.g. an LLM generation stream billed per output token.
type StreamingAgreement struct {
	SchemaVersion     int             `json:"schemaVersion"`
	ID                string          `json:"id"`
	JobID             string          `json:"jobId"`
	Payer             string          `json:"payer"`
	Recipient         string          `json:"recipient"`
	ChainID           int64           `json:"chainId"`
	Token             string          `json:"token"`
	TokenAddress      string          `json:"tokenAddress,omitempty"`
	RatePerToken      string          `json:"ratePerToken"`
	AccumulatedAmount string          `json:"accumulatedAmount"`
	LastTick          int64           `json:"lastTick"`
	Status            StreamingStatus `json:"status"`
	CreatedAt         int64           `json:"createdAt"`
	ClosedAt          int64           `json:"closedAt,omitempty"`
}

// SwarmStatus is the lifecycle state of a SwarmSplit.
type SwarmStatus string

const (
	SwarmPending     SwarmStatus = "pending"
	SwarmDistributed SwarmStatus = "distributed"
	SwarmFailed      SwarmStatus = "failed"
)

// SwarmParticipant is one recipient of a pro-rata swarm distribution.
type SwarmParticipant struct {
	PeerID        string  `json:"peerId"`
	WalletAddress string  `json:"walletAddress"`
	Contribution  float64 `json:"contribution"`
	Amount        string  `json:"amount"`
}

// SwarmSplit divides one job's payment across multiple participants
// proportional to their recorded contribution.
type SwarmSplit struct {
	SchemaVersion int                `json:"schemaVersion"`
	ID            string             `json:"id"`
	JobID         string             `json:"jobId"`
	Payer         string             `json:"payer"`
	TotalAmount   string             `json:"totalAmount"`
	ChainID       int64              `json:"chainId"`
	Token         string             `json:"token"`
	TokenAddress  string             `json:"tokenAddress,omitempty"`
	Participants  []SwarmParticipant `json:"participants"`
	Status        SwarmStatus        `json:"status"`
}

// Invoice is a signed or unsigned claim of an amount owed to Recipient.
type Invoice struct {
	ID           string `json:"id"`
	JobID        string `json:"jobId"`
	ChainID      int64  `json:"chainId"`
	Token        string `json:"token"`
	TokenAddress string `json:"tokenAddress,omitempty"`
	Amount       string `json:"amount"`
	Recipient    string `json:"recipient"`
	ValidUntil   int64  `json:"validUntil"`
	Signature    string `json:"signature,omitempty"`
	PublicKey    string `json:"publicKey,omitempty"`
}

// PaymentProof is the caller's claim of on-chain settlement for an Invoice.
type PaymentProof struct {
	InvoiceID string `json:"invoiceId"`
	TxHash    string `json:"txHash"`
	ChainID   int64  `json:"chainId"`
}

// LedgerEntryType distinguishes the pricing discipline behind an entry.
type LedgerEntryType string

const (
	LedgerStandard  LedgerEntryType = "standard"
	LedgerStreaming LedgerEntryType = "streaming"
	LedgerEscrow    LedgerEntryType = "escrow"
	LedgerSwarm     LedgerEntryType = "swarm"
)

// LedgerEntryStatus is the lifecycle state of a PaymentLedgerEntry.
type LedgerEntryStatus string

const (
	LedgerPending        LedgerEntryStatus = "pending"
	LedgerStreamingState LedgerEntryStatus = "streaming"
	LedgerSettled        LedgerEntryStatus = "settled"
	LedgerFailed         LedgerEntryStatus = "failed"
	LedgerCancelled      LedgerEntryStatus = "cancelled"
)

// PaymentLedgerEntry is one authoritative row recording an economic event.
type PaymentLedgerEntry struct {
	SchemaVersion int               `json:"schemaVersion"`
	ID            string            `json:"id"`
	Type          LedgerEntryType   `json:"type"`
	Status        LedgerEntryStatus `json:"status"`
	ChainID       int64             `json:"chainId"`
	Token         string            `json:"token"`
	Amount        string            `json:"amount"`
	Recipient     string            `json:"recipient"`
	Payer         string            `json:"payer"`
	JobID         string            `json:"jobId,omitempty"`
	CreatedAt     int64             `json:"createdAt"`
	SettledAt     int64             `json:"settledAt,omitempty"`
	TxHash        string            `json:"txHash,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ProcessedProof is one row of the replay-protection set, keyed by TxHash.
type ProcessedProof struct {
	SchemaVersion int    `json:"schemaVersion"`
	TxHash        string `json:"txHash"`
	ChainID       int64  `json:"chainId"`
	InvoiceID     string `json:"invoiceId"`
	ProcessedAt   int64  `json:"processedAt"`
}

// ExpectedInvoice records who the requester expects to be billed by, for
// a given job, so unsolicited or misattributed invoices can be rejected.
type ExpectedInvoice struct {
	SchemaVersion     int    `json:"schemaVersion"`
	JobID             string `json:"jobId"`
	ExpectedRecipient string `json:"expectedRecipient"`
	ExpiresAt         int64  `json:"expiresAt"`
}

// TimedOutStatus distinguishes a payment still awaiting a late proof from
// one that has since been recovered by one.
type TimedOutStatus string

const (
	TimedOutPending   TimedOutStatus = "pending"
	TimedOutRecovered TimedOutStatus = "recovered"
)

// TimedOutPayment is a pending invoice whose deadline elapsed before a
// proof arrived; it remains recoverable if a late proof shows up.
type TimedOutPayment struct {
	SchemaVersion int            `json:"schemaVersion"`
	InvoiceID     string         `json:"invoiceId"`
	JobID         string         `json:"jobId"`
	Amount        string         `json:"amount"`
	ChainID       int64          `json:"chainId"`
	Recipient     string         `json:"recipient"`
	TimedOutAt    int64          `json:"timedOutAt"`
	Status        TimedOutStatus `json:"status"`
}
