package settlement

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentmesh-network/agentmesh/pkg/chain"
)

// resyncAfterBlocks is how many blocks may pass before a nonce manager
// re-reads the chain's pending nonce rather than trusting its own count.
const resyncAfterBlocks = 10

// NonceManager hands out strictly monotone, serialised nonces for one
// signing address on one chain. It re-syncs from the chain whenever too
// many blocks have passed since its last sync, so a node that crashed
// mid-flight does not replay stale nonces.
type NonceManager struct {
	client  *chain.Client
	address common.Address

	mu            sync.Mutex
	currentNonce  uint64
	pendingCount  uint64
	lastSyncBlock uint64
	synced        bool
}

// NewNonceManager constructs a manager for address on client's chain. It
// does not sync eagerly; the first Acquire call performs the initial sync.
func NewNonceManager(client *chain.Client, address common.Address) *NonceManager {
	return &NonceManager{client: client, address: address}
}

// Acquire returns the next nonce to use, resyncing from the chain first if
// more than resyncAfterBlocks blocks have elapsed since the last sync.
func (n *NonceManager) Acquire(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	currentBlock, err := n.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if !n.synced || currentBlock-n.lastSyncBlock > resyncAfterBlocks {
		pending, err := n.client.PendingNonceAt(ctx, n.address)
		if err != nil {
			return 0, err
		}
		n.currentNonce = pending
		n.pendingCount = 0
		n.lastSyncBlock = currentBlock
		n.synced = true
	}

	acquired := n.currentNonce + n.pendingCount
	n.pendingCount++
	return acquired, nil
}

// Commit advances the nonce floor after a successful submission.
func (n *NonceManager) Commit() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.currentNonce++
	if n.pendingCount > 0 {
		n.pendingCount--
	}
}

// Rollback releases a reserved nonce after a failed submission, so the
// same value is handed out again by the next Acquire.
func (n *NonceManager) Rollback() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pendingCount > 0 {
		n.pendingCount--
	}
}
