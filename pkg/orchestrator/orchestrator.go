// Package orchestrator implements the fan-out request orchestrator: select
// a subset of candidate peers, issue a correlated request to each, collect
// responses subject to deadline and partial-failure policy, and produce
// one aggregated result. Fan-out uses golang.org/x/sync/errgroup (already
// an indirect dependency of the teacher's module graph, promoted here to
// direct) to run one goroutine per selected peer, each waiting on that
// peer's response or its per-request timeout in pkg/stream. The finalize
// step (load-state decrement, unsubscribe, handler cleanup) always runs via
// defer.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh-network/agentmesh/pkg/aggregation"
	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/ledger"
	"github.com/agentmesh-network/agentmesh/pkg/model"
	"github.com/agentmesh-network/agentmesh/pkg/overlay"
	"github.com/agentmesh-network/agentmesh/pkg/selection"
	"github.com/agentmesh-network/agentmesh/pkg/stream"
)

// expectedInvoiceValidity is how long an expected-invoice index entry
// remains valid after a request is dispatched.
const expectedInvoiceValidity = 5 * time.Minute

// Config configures one query's orchestration.
type Config struct {
	Capability                     string
	MinAgents                      int
	AllowPartialResults            bool
	AggregationStrategy            aggregation.Strategy
	ConsensusThreshold             float64
	CountAdditionalTowardMinAgents bool
	Selection                      selection.Options
	CustomAggregate                aggregation.CustomFunc
	// ResponseTimeout bounds each individual peer's response deadline.
	// Defaults to stream.DefaultConfig()'s 120s when zero.
	ResponseTimeout time.Duration
}

// Metrics summarizes one orchestration's fan-out for the caller.
type Metrics struct {
	TotalAgents      int
	SuccessfulAgents int
	FailedAgents     int
}

// Consensus reports the aggregation outcome.
type Consensus struct {
	Achieved       bool
	Confidence     float64
	AgreementCount int
}

// Result is what ExecuteOrchestration returns.
type Result struct {
	OrchestrationID string
	AggregatedText  string
	Consensus       Consensus
	Metrics         Metrics
	Responses       []model.AgentResponse
}

// Orchestrator wires the overlay, selection, response handler and
// aggregation together behind one ExecuteOrchestration call.
type Orchestrator struct {
	overlay   overlay.Overlay
	loadState *selection.LoadState
	store     *ledger.Store
	localPeer string
}

// New builds an Orchestrator. localPeer is excluded from every candidate
// list so a node never selects itself.
func New(ov overlay.Overlay, loadState *selection.LoadState, store *ledger.Store, localPeer string) *Orchestrator {
	return &Orchestrator{overlay: ov, loadState: loadState, store: store, localPeer: localPeer}
}

// ExecuteOrchestration runs the full fan-out/collect/aggregate algorithm
// for one query, per spec.md §4.5.
func (o *Orchestrator) ExecuteOrchestration(ctx context.Context, prompt string, fields map[string]any, cfg Config, additionalResponses []model.AgentResponse) (Result, error) {
	orchestrationID := uuid.NewString()

	matches, err := o.overlay.Match(ctx, cfg.Capability)
	if err != nil {
		return Result{}, errs.Wrap(errs.Transport, "overlay match failed", err)
	}
	candidates := make([]model.PeerMatch, 0, len(matches))
	for _, m := range matches {
		if m.Peer.ID == o.localPeer {
			continue
		}
		candidates = append(candidates, m)
	}

	effectiveCandidates := len(candidates)
	if cfg.CountAdditionalTowardMinAgents {
		effectiveCandidates += len(additionalResponses)
	}
	if len(candidates)+len(additionalResponses) == 0 {
		return Result{}, errs.New(errs.InsufficientAgents, "no candidate peers matched the requested capability")
	}
	minAgents := cfg.MinAgents
	if minAgents > 0 && effectiveCandidates < minAgents {
		return Result{}, errs.Newf(errs.InsufficientAgents, "only %d candidate(s) available, minAgents=%d", effectiveCandidates, minAgents)
	}

	selected := selection.Select(candidates, o.loadState, cfg.Selection)
	peerIDs := make([]string, len(selected))
	for i, p := range selected {
		peerIDs[i] = p.Peer.ID
	}

	streamCfg := stream.DefaultConfig()
	if cfg.ResponseTimeout > 0 {
		streamCfg.RequestTimeout = cfg.ResponseTimeout
	}
	handler := stream.New(streamCfg, nil)
	inbound, unsubscribe := o.overlay.Subscribe(ctx, orchestrationID)

	o.loadState.MarkSelected(peerIDs, time.Now())

	defer func() {
		o.loadState.Finalize(peerIDs)
		unsubscribe()
		handler.Cleanup(errs.New(errs.Timeout, "orchestration ended"))
	}()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for {
			select {
			case msg, ok := <-inbound:
				if !ok {
					return
				}
				handler.Dispatch(msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	type pendingRequest struct {
		peer      model.PeerMatch
		requestID string
		ch        <-chan stream.Result
	}
	pending := make([]pendingRequest, 0, len(selected))

	for _, peer := range selected {
		requestID := fmt.Sprintf("%s-%s", orchestrationID, peer.Peer.ID)
		ch := handler.AddPending(requestID)

		if o.store != nil {
			_ = o.store.WriteExpectedInvoice(model.ExpectedInvoice{
				SchemaVersion:     1,
				JobID:             requestID,
				ExpectedRecipient: peer.Peer.ID,
				ExpiresAt:         time.Now().Add(expectedInvoiceValidity).UnixMilli(),
			})
		}

		msg := model.AgentRequestMsg{RequestID: requestID, Prompt: prompt, Fields: fields}
		if err := o.overlay.Publish(ctx, peer.Peer.ID, msg); err != nil {
			handler.RejectRequest(requestID, errs.Wrap(errs.Transport, "publish failed", err))
		}
		pending = append(pending, pendingRequest{peer: peer, requestID: requestID, ch: ch})
	}

	responses := make([]model.AgentResponse, len(pending))
	var group errgroup.Group
	for i, p := range pending {
		i, p := i, p
		group.Go(func() error {
			res := <-p.ch
			success := res.Err == nil
			errMsg := ""
			if res.Err != nil {
				errMsg = res.Err.Error()
			}
			responses[i] = model.AgentResponse{
				Peer:       p.peer.Peer,
				MatchScore: p.peer.MatchScore,
				Response:   res.Response,
				LatencyMs:  res.LatencyMs,
				Success:    success,
				Error:      errMsg,
			}
			o.loadState.RecordResponse(p.peer.Peer.ID, res.LatencyMs, success)
			return nil
		})
	}
	_ = group.Wait()

	allResponses := make([]model.AgentResponse, 0, len(additionalResponses)+len(responses))
	allResponses = append(allResponses, additionalResponses...)
	allResponses = append(allResponses, responses...)

	metrics := Metrics{TotalAgents: len(allResponses)}
	for _, r := range allResponses {
		if r.Success {
			metrics.SuccessfulAgents++
		} else {
			metrics.FailedAgents++
		}
	}

	if metrics.SuccessfulAgents == 0 && !cfg.AllowPartialResults {
		return Result{}, errs.New(errs.Timeout, "no peer responded before the orchestration deadline")
	}

	aggResult, err := aggregation.Aggregate(allResponses, aggregation.Options{
		Strategy:           cfg.AggregationStrategy,
		ConsensusThreshold: cfg.ConsensusThreshold,
		Custom:             cfg.CustomAggregate,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		OrchestrationID: orchestrationID,
		AggregatedText:  aggResult.Value,
		Consensus: Consensus{
			Achieved:       aggResult.ConsensusMet,
			Confidence:     aggResult.Confidence,
			AgreementCount: aggResult.AgreementCount,
		},
		Metrics:   metrics,
		Responses: allResponses,
	}, nil
}
