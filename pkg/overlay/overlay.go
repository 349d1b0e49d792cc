// Package overlay defines the narrow boundary between the orchestrator and
// the libp2p-style gossip/DHT transport. The transport itself — publish/
// subscribe on topics, direct messaging, and a capability-matching peer
// index — is an external collaborator and is never imported here; this
// package only names the interface the orchestrator programs against.
package overlay

import (
	"context"

	"github.com/agentmesh-network/agentmesh/pkg/model"
)

// Overlay is the contract the orchestrator uses to find peers, send them
// correlated messages, and receive their replies. Any concrete gossip/DHT
// implementation satisfies this by adapting its own transport.
type Overlay interface {
	// Match asks the overlay's capability index for peers advertising
	// capability, each with a matchScore in [0,1].
	Match(ctx context.Context, capability string) ([]model.PeerMatch, error)

	// Publish sends msg directly to peerID.
	Publish(ctx context.Context, peerID string, msg model.InboundMessage) error

	// Subscribe opens a channel of inbound messages correlated with
	// orchestrationID. The returned func unsubscribes and closes the
	// channel; callers must call it exactly once, typically via defer.
	Subscribe(ctx context.Context, orchestrationID string) (<-chan model.InboundMessage, func())
}
