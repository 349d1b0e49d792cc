package model

// InboundMessage is the closed set of overlay message types the dispatcher
// routes. Each concrete type implements the unexported inboundMessage
// marker, so no type outside this package can join the set; type switches
// over it are not checked for exhaustiveness by the compiler.
type InboundMessage interface {
	inboundMessage()
}

// AgentRequestMsg asks a peer to answer a prompt on behalf of a correlation id.
type AgentRequestMsg struct {
	RequestID string         `json:"requestId"`
	Prompt    string         `json:"prompt"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// AgentResponseMsg is a peer's one-shot answer (or failure) to a request.
type AgentResponseMsg struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StreamChunkMsg is one piece of an in-progress streamed answer.
type StreamChunkMsg struct {
	RequestID string `json:"requestId"`
	Chunk     string `json:"chunk"`
	Partial   bool   `json:"partial,omitempty"`
}

// StreamCompleteMsg signals the end of a streamed answer.
type StreamCompleteMsg struct {
	RequestID string `json:"requestId"`
	Text      string `json:"text"`
	Complete  bool   `json:"complete,omitempty"`
}

// InvoiceMsg carries a billing claim from the answering peer to the payer.
type InvoiceMsg struct {
	Invoice Invoice `json:"invoice"`
}

// SubmitPaymentProofMsg is the payer's claim that an invoice was settled.
type SubmitPaymentProofMsg struct {
	Proof PaymentProof `json:"proof"`
}

// StreamingTickMsg reports tokens generated since the last tick on a
// metered streaming channel.
type StreamingTickMsg struct {
	ChannelID       string `json:"channelId,omitempty"`
	TokensGenerated int64  `json:"tokensGenerated"`
}

// EscrowApprovalMsg authorizes release of one milestone.
type EscrowApprovalMsg struct {
	JobID       string `json:"jobId"`
	MilestoneID string `json:"milestoneId"`
}

// SwarmDistributionMsg announces a completed swarm payment split.
type SwarmDistributionMsg struct {
	SplitID  string    `json:"splitId"`
	Invoices []Invoice `json:"invoices"`
}

func (AgentRequestMsg) inboundMessage()       {}
func (AgentResponseMsg) inboundMessage()      {}
func (StreamChunkMsg) inboundMessage()        {}
func (StreamCompleteMsg) inboundMessage()     {}
func (InvoiceMsg) inboundMessage()            {}
func (SubmitPaymentProofMsg) inboundMessage() {}
func (StreamingTickMsg) inboundMessage()      {}
func (EscrowApprovalMsg) inboundMessage()     {}
func (SwarmDistributionMsg) inboundMessage()  {}
