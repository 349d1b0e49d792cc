// Package stream implements the per-orchestration response handler: a
// correlation-id keyed map of pending resolvers fed by inbound
// agent-response / stream-chunk / stream-complete messages, each guarded by
// its own timeout timer. It generalizes the teacher's pkg/blockchain/mpe.go
// timer-plus-resolver pattern (used there to wait for on-chain events) to
// waiting on responses arriving over the overlay.
package stream

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/model"
)

// Config bounds one Handler's resource usage.
type Config struct {
	RequestTimeout       time.Duration
	MaxStreamBufferBytes int
	MaxStreamChunks      int
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:       120 * time.Second,
		MaxStreamBufferBytes: 10 * 1024 * 1024,
		MaxStreamChunks:      4096,
	}
}

// Result is what a pending request resolves to: either a final response or
// an error (timeout, stream overflow, or external rejection).
type Result struct {
	Response  string
	LatencyMs int64
	Err       error
}

// OnStreamFunc is invoked for every accepted stream-chunk, after it has
// been appended to the buffer.
type OnStreamFunc func(requestID string, chunk string)

type resolver struct {
	done     atomic.Bool
	ch       chan Result
	started  time.Time
	timer    *time.Timer
}

type streamBuffer struct {
	text   strings.Builder
	bytes  int
	chunks int
}

// Handler tracks one orchestration's outstanding peer requests.
type Handler struct {
	cfg      Config
	onStream OnStreamFunc

	mu       sync.Mutex
	pending  map[string]*resolver
	buffers  map[string]*streamBuffer
}

// New creates a Handler. onStream may be nil.
func New(cfg Config, onStream OnStreamFunc) *Handler {
	return &Handler{
		cfg:      cfg,
		onStream: onStream,
		pending:  make(map[string]*resolver),
		buffers:  make(map[string]*streamBuffer),
	}
}

// addPending registers requestID and arms its timeout timer. Returns a
// channel that receives exactly one Result.
func (h *Handler) addPending(requestID string) <-chan Result {
	r := &resolver{ch: make(chan Result, 1), started: time.Now()}

	h.mu.Lock()
	h.pending[requestID] = r
	h.mu.Unlock()

	r.timer = time.AfterFunc(h.cfg.RequestTimeout, func() {
		h.resolve(requestID, Result{Err: errs.New(errs.Timeout, "response timeout")})
	})
	return r.ch
}

// AddPending is the exported entry point used by the orchestrator to
// register one peer request before dispatch.
func (h *Handler) AddPending(requestID string) <-chan Result {
	return h.addPending(requestID)
}

// resolve delivers result to requestID's resolver exactly once, removing it
// and its buffer and stopping its timer.
func (h *Handler) resolve(requestID string, result Result) {
	h.mu.Lock()
	r, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
		delete(h.buffers, requestID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	if result.LatencyMs == 0 {
		result.LatencyMs = time.Since(r.started).Milliseconds()
	}
	r.ch <- result
}

// HandleAgentResponse resolves requestID directly with a final response.
func (h *Handler) HandleAgentResponse(requestID, response string) {
	h.resolve(requestID, Result{Response: response})
}

// HandleAgentError resolves requestID with an error reported by the peer.
func (h *Handler) HandleAgentError(requestID string, peerErr error) {
	h.resolve(requestID, Result{Err: errs.Wrap(errs.Transport, "agent error", peerErr)})
}

// HandleStreamChunk appends chunk to requestID's buffer, enforcing the
// configured byte and chunk-count ceilings. It is a no-op if requestID is
// not pending (already resolved or never registered).
func (h *Handler) HandleStreamChunk(requestID, chunk string) {
	h.mu.Lock()
	if _, ok := h.pending[requestID]; !ok {
		h.mu.Unlock()
		return
	}
	buf, ok := h.buffers[requestID]
	if !ok {
		buf = &streamBuffer{}
		h.buffers[requestID] = buf
	}
	overBytes := buf.bytes+len(chunk) > h.cfg.MaxStreamBufferBytes
	overChunks := buf.chunks+1 > h.cfg.MaxStreamChunks
	if overBytes || overChunks {
		h.mu.Unlock()
		h.resolve(requestID, Result{Err: errs.New(errs.StreamLimit, "stream exceeded maximum size")})
		return
	}
	buf.text.WriteString(chunk)
	buf.bytes += len(chunk)
	buf.chunks++
	h.mu.Unlock()

	if h.onStream != nil {
		h.onStream(requestID, chunk)
	}
}

// HandleStreamComplete resolves requestID with the buffer's accumulated
// text. A no-op if requestID is not pending.
func (h *Handler) HandleStreamComplete(requestID string) {
	h.mu.Lock()
	buf, ok := h.buffers[requestID]
	h.mu.Unlock()
	if !ok {
		h.resolve(requestID, Result{Response: ""})
		return
	}
	h.resolve(requestID, Result{Response: buf.text.String()})
}

// RejectRequest is the orchestrator's external-abort hook.
func (h *Handler) RejectRequest(requestID string, err error) {
	h.resolve(requestID, Result{Err: err})
}

// Cleanup idempotently clears all timers and drops all pending resolvers,
// rejecting each with the given error (typically a cancellation).
func (h *Handler) Cleanup(abortErr error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]*resolver)
	h.buffers = make(map[string]*streamBuffer)
	h.mu.Unlock()

	for id, r := range pending {
		if r.timer != nil {
			r.timer.Stop()
		}
		if r.done.CompareAndSwap(false, true) {
			r.ch <- Result{Err: abortErr}
		}
		_ = id
	}
}

// Dispatch routes one inbound message to the appropriate handler method. It
// is the bridge pkg/orchestrator uses for every message arriving on the
// orchestration-scoped channel it subscribed to.
func (h *Handler) Dispatch(msg model.InboundMessage) {
	switch m := msg.(type) {
	case model.AgentResponseMsg:
		if m.Error != "" {
			h.HandleAgentError(m.RequestID, errs.New(errs.Transport, m.Error))
			return
		}
		h.HandleAgentResponse(m.RequestID, m.Response)
	case model.StreamChunkMsg:
		h.HandleStreamChunk(m.RequestID, m.Chunk)
	case model.StreamCompleteMsg:
		h.HandleStreamComplete(m.RequestID)
	}
}
