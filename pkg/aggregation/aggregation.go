// Package aggregation reduces a set of AgentResponse values from a fanned-
// out orchestration into one result, a confidence score, and an agreement
// count, per the orchestrator's configured strategy. None of it talks to
// the network or the ledger: every strategy here is pure, synchronous
// arithmetic over already-collected responses.
package aggregation

import (
	"sort"
	"strings"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/model"
)

// Strategy names one of the nine reduction algorithms the orchestrator may
// select.
type Strategy string

const (
	MajorityVote         Strategy = "majority-vote"
	WeightedVote         Strategy = "weighted-vote"
	BestScore            Strategy = "best-score"
	Ensemble             Strategy = "ensemble"
	ConsensusThreshold   Strategy = "consensus-threshold"
	FirstResponse        Strategy = "first-response"
	Longest              Strategy = "longest"
	SynthesizedConsensus Strategy = "synthesized-consensus"
	Custom               Strategy = "custom"
)

// DefaultConsensusThreshold is the confidence floor at or above which
// consensus is considered "achieved".
const DefaultConsensusThreshold = 0.6

// CustomFunc lets a caller supply its own reduction when Strategy is Custom.
type CustomFunc func(successful []model.AgentResponse) (result string, confidence float64, agreementCount int)

// Result is what every strategy returns.
type Result struct {
	Value           string
	Confidence      float64
	AgreementCount  int
	ConsensusMet    bool
}

// Options configures one Aggregate call.
type Options struct {
	Strategy           Strategy
	ConsensusThreshold float64
	Custom             CustomFunc
}

// Aggregate reduces responses (already filtered to successful-only by the
// caller, or not — failed entries are skipped here too) according to
// opts.Strategy.
func Aggregate(responses []model.AgentResponse, opts Options) (Result, error) {
	threshold := opts.ConsensusThreshold
	if threshold <= 0 {
		threshold = DefaultConsensusThreshold
	}

	successful := make([]model.AgentResponse, 0, len(responses))
	for _, r := range responses {
		if r.Success {
			successful = append(successful, r)
		}
	}
	if len(successful) == 0 {
		return Result{}, errs.New(errs.NotFound, "no successful responses to aggregate")
	}

	var value string
	var confidence float64
	var agreementCount int

	switch opts.Strategy {
	case WeightedVote:
		value, confidence, agreementCount = weightedVote(successful)
	case BestScore:
		value, confidence, agreementCount = bestScore(successful)
	case Ensemble:
		value, confidence, agreementCount = ensemble(successful)
	case ConsensusThreshold:
		value, confidence, agreementCount = majorityVote(successful)
	case FirstResponse:
		value, confidence, agreementCount = firstResponse(successful)
	case Longest:
		value, confidence, agreementCount = longest(successful)
	case SynthesizedConsensus:
		value, confidence, agreementCount = synthesizedConsensus(successful)
	case Custom:
		if opts.Custom == nil {
			return Result{}, errs.New(errs.InputInvalid, "custom aggregation strategy requires a CustomFunc")
		}
		value, confidence, agreementCount = opts.Custom(successful)
	case MajorityVote, "":
		fallthrough
	default:
		value, confidence, agreementCount = majorityVote(successful)
	}

	return Result{
		Value:          value,
		Confidence:     confidence,
		AgreementCount: agreementCount,
		ConsensusMet:   confidence >= threshold,
	}, nil
}

// majorityVote picks the most frequent exact response text. Confidence is
// the winning group's share of successful responses.
func majorityVote(responses []model.AgentResponse) (string, float64, int) {
	counts := map[string]int{}
	for _, r := range responses {
		counts[r.Response]++
	}
	best, bestCount := "", -1
	// Iterate in response order for determinism on ties (first-seen wins).
	seen := map[string]bool{}
	for _, r := range responses {
		if seen[r.Response] {
			continue
		}
		seen[r.Response] = true
		if counts[r.Response] > bestCount {
			best, bestCount = r.Response, counts[r.Response]
		}
	}
	return best, float64(bestCount) / float64(len(responses)), bestCount
}

// weightedVote sums matchScore per distinct response text and picks the
// highest-weighted one. Confidence is that group's share of total weight.
func weightedVote(responses []model.AgentResponse) (string, float64, int) {
	weights := map[string]float64{}
	counts := map[string]int{}
	totalWeight := 0.0
	for _, r := range responses {
		w := r.MatchScore
		if w <= 0 {
			w = 0.01
		}
		weights[r.Response] += w
		counts[r.Response]++
		totalWeight += w
	}
	best, bestWeight := "", -1.0
	seen := map[string]bool{}
	for _, r := range responses {
		if seen[r.Response] {
			continue
		}
		seen[r.Response] = true
		if weights[r.Response] > bestWeight {
			best, bestWeight = r.Response, weights[r.Response]
		}
	}
	confidence := 0.0
	if totalWeight > 0 {
		confidence = bestWeight / totalWeight
	}
	return best, confidence, counts[best]
}

// bestScore picks the single response with the highest matchScore.
// Confidence is that peer's own matchScore; agreement count is how many
// responses, the winner included, share its exact text.
func bestScore(responses []model.AgentResponse) (string, float64, int) {
	best := responses[0]
	for _, r := range responses[1:] {
		if r.MatchScore > best.MatchScore {
			best = r
		}
	}
	count := 0
	for _, r := range responses {
		if r.Response == best.Response {
			count++
		}
	}
	return best.Response, clamp01(best.MatchScore), count
}

// ensemble concatenates every distinct response, highest matchScore first,
// separated by a blank line. Confidence is always 1.0 and the agreement
// count is the number of successful responses.
func ensemble(responses []model.AgentResponse) (string, float64, int) {
	sorted := append([]model.AgentResponse(nil), responses...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MatchScore > sorted[j].MatchScore })
	seen := map[string]bool{}
	parts := make([]string, 0, len(sorted))
	for _, r := range sorted {
		if seen[r.Response] {
			continue
		}
		seen[r.Response] = true
		parts = append(parts, r.Response)
	}
	return strings.Join(parts, "\n\n"), 1.0, len(responses)
}

// firstResponse returns whichever response arrived with the lowest
// latency, treating it as authoritative.
func firstResponse(responses []model.AgentResponse) (string, float64, int) {
	best := responses[0]
	for _, r := range responses[1:] {
		if r.LatencyMs < best.LatencyMs {
			best = r
		}
	}
	return best.Response, 1.0, 1
}

// longest returns the longest response text, on the assumption that a more
// detailed answer is more likely complete.
func longest(responses []model.AgentResponse) (string, float64, int) {
	best := responses[0]
	for _, r := range responses[1:] {
		if len(r.Response) > len(best.Response) {
			best = r
		}
	}
	return best.Response, 1.0, 1
}

// synthesizedConsensus picks the majority-vote winner, but folds in every
// distinct minority answer as a trailing annotation, useful for a caller
// that wants the consensus plus dissent visible.
func synthesizedConsensus(responses []model.AgentResponse) (string, float64, int) {
	majority, confidence, count := majorityVote(responses)
	dissent := make([]string, 0)
	seen := map[string]bool{majority: true}
	for _, r := range responses {
		if seen[r.Response] {
			continue
		}
		seen[r.Response] = true
		dissent = append(dissent, r.Response)
	}
	if len(dissent) == 0 {
		return majority, confidence, count
	}
	return majority + "\n\n---\n" + strings.Join(dissent, "\n"), confidence, count
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
