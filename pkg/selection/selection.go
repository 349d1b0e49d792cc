// Package selection maintains the per-peer load state the orchestrator
// weights its choices against, and implements the selection strategies
// (all, top-n, round-robin, random, weighted). The random strategy draws
// on crypto/rand directly (no ecosystem library in the retrieved pack
// implements a cryptographically-seeded shuffle; see DESIGN.md); the
// weighted strategy draws on gonum.org/v1/gonum/stat/sampleuv, a
// dependency already present transitively in the teacher's module graph
// and promoted here to direct status: sampleuv.Weighted.Take samples
// without replacement by zeroing each drawn weight.
package selection

import (
	"crypto/rand"
	"math/big"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/agentmesh-network/agentmesh/pkg/model"
)

// FanoutCap is the hard ceiling on peers a single orchestration may talk to.
const FanoutCap = 33

// Strategy names the selection algorithm applied after filtering/scoring.
type Strategy string

const (
	All        Strategy = "all"
	TopN       Strategy = "top-n"
	RoundRobin Strategy = "round-robin"
	Random     Strategy = "random"
	Weighted   Strategy = "weighted"
)

// Options configures one selection call.
type Options struct {
	Strategy         Strategy
	N                int
	LoadBalance      bool
	StakeFilter      func(model.PeerMatch) bool
	StakeBonus       float64
	LatencyZone      func(model.PeerMatch) bool
}

// LoadState is the process-wide, atomically-replaced map of per-peer load
// counters. Mutations always build a new map and swap the pointer so
// readers observe either the pre- or post-update snapshot, never a
// partially-written one.
type LoadState struct {
	m atomic.Pointer[map[string]model.AgentLoadState]
}

// NewLoadState returns an empty LoadState.
func NewLoadState() *LoadState {
	ls := &LoadState{}
	empty := map[string]model.AgentLoadState{}
	ls.m.Store(&empty)
	return ls
}

// Snapshot returns the current load-state map. Callers must not mutate it.
func (ls *LoadState) Snapshot() map[string]model.AgentLoadState {
	return *ls.m.Load()
}

// Get returns the load state for one peer, or the zero value if unknown.
func (ls *LoadState) Get(peerID string) model.AgentLoadState {
	return (*ls.m.Load())[peerID]
}

// replace atomically swaps in a new map built from mutate applied to a
// copy of the current one.
func (ls *LoadState) replace(mutate func(next map[string]model.AgentLoadState)) {
	cur := *ls.m.Load()
	next := make(map[string]model.AgentLoadState, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	mutate(next)
	ls.m.Store(&next)
}

// MarkSelected increments activeRequests/totalRequests and stamps
// lastRequestTime for every selected peer, capping totalRequests at 10^6.
func (ls *LoadState) MarkSelected(peerIDs []string, now time.Time) {
	ls.replace(func(next map[string]model.AgentLoadState) {
		for _, id := range peerIDs {
			st := next[id]
			st.ActiveRequests++
			if st.TotalRequests < 1_000_000 {
				st.TotalRequests++
			}
			st.LastRequestTime = now.UnixMilli()
			next[id] = st
		}
	})
}

// RecordResponse applies the EWMA latency update and success/error
// counters for one peer's response.
func (ls *LoadState) RecordResponse(peerID string, latencyMs int64, success bool) {
	ls.replace(func(next map[string]model.AgentLoadState) {
		st := next[peerID]
		st.AverageLatency = 0.8*st.AverageLatency + 0.2*float64(latencyMs)
		if !success {
			st.TotalErrors++
		}
		if st.TotalRequests > 0 {
			st.SuccessRate = float64(st.TotalRequests-st.TotalErrors) / float64(st.TotalRequests)
		}
		next[peerID] = st
	})
}

// Finalize decrements activeRequests for every peer in peerIDs, never
// below zero. Always runs, even when the orchestration failed.
func (ls *LoadState) Finalize(peerIDs []string) {
	ls.replace(func(next map[string]model.AgentLoadState) {
		for _, id := range peerIDs {
			st := next[id]
			if st.ActiveRequests > 0 {
				st.ActiveRequests--
			}
			next[id] = st
		}
	})
}

// Reset zeroes the load state for one peer.
func (ls *LoadState) Reset(peerID string) {
	ls.replace(func(next map[string]model.AgentLoadState) {
		next[peerID] = model.AgentLoadState{}
	})
}

// Select filters matches and applies the requested strategy, returning up
// to FanoutCap peers.
func Select(matches []model.PeerMatch, ls *LoadState, opts Options) []model.PeerMatch {
	filtered := make([]model.PeerMatch, 0, len(matches))
	for _, m := range matches {
		if opts.StakeFilter != nil && !opts.StakeFilter(m) {
			continue
		}
		if opts.LatencyZone != nil && !opts.LatencyZone(m) {
			continue
		}
		if opts.StakeBonus != 0 && opts.StakeFilter != nil {
			m.MatchScore = clamp01(m.MatchScore + opts.StakeBonus)
		}
		filtered = append(filtered, m)
	}

	n := opts.N
	if n <= 0 || n > FanoutCap {
		n = FanoutCap
	}

	switch opts.Strategy {
	case TopN:
		return selectTopN(filtered, n)
	case RoundRobin:
		return selectRoundRobin(filtered, n, ls)
	case Random:
		return selectRandom(filtered, n)
	case Weighted:
		return selectWeighted(filtered, n, ls, opts.LoadBalance)
	case All, "":
		fallthrough
	default:
		if len(filtered) > FanoutCap {
			return append([]model.PeerMatch(nil), filtered[:FanoutCap]...)
		}
		return append([]model.PeerMatch(nil), filtered...)
	}
}

func selectTopN(matches []model.PeerMatch, n int) []model.PeerMatch {
	sorted := append([]model.PeerMatch(nil), matches...)
	// Stable insertion sort by descending score preserves overlay order on ties.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].MatchScore > sorted[j-1].MatchScore; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func selectRoundRobin(matches []model.PeerMatch, n int, ls *LoadState) []model.PeerMatch {
	sorted := append([]model.PeerMatch(nil), matches...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && lastRequestTime(sorted[j], ls) < lastRequestTime(sorted[j-1], ls); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func lastRequestTime(m model.PeerMatch, ls *LoadState) int64 {
	if ls == nil {
		return 0
	}
	return ls.Get(m.Peer.ID).LastRequestTime
}

// selectRandom implements a cryptographically-seeded Fisher-Yates shuffle.
// No library in the retrieved example pack implements a crypto-secure
// shuffle; crypto/rand is the minimal, standard way to do this in Go.
func selectRandom(matches []model.PeerMatch, n int) []model.PeerMatch {
	shuffled := append([]model.PeerMatch(nil), matches...)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := cryptoIntn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}

func cryptoIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// selectWeighted draws n candidates without replacement, weighting each by
// matchScore·(1-loadWeight) + loadFactor·loadWeight, loadFactor =
// 1/(activeRequests+1) when load balancing is enabled, else 1. Falls back
// to uniform pick when the total weight is zero.
func selectWeighted(matches []model.PeerMatch, n int, ls *LoadState, loadBalance bool) []model.PeerMatch {
	if len(matches) == 0 {
		return nil
	}
	if n > len(matches) {
		n = len(matches)
	}

	loadWeight := 0.0
	if loadBalance {
		loadWeight = 0.5
	}

	weights := make([]float64, len(matches))
	total := 0.0
	for i, m := range matches {
		loadFactor := 1.0
		if loadBalance {
			active := float64(0)
			if ls != nil {
				active = float64(ls.Get(m.Peer.ID).ActiveRequests)
			}
			loadFactor = 1.0 / (active + 1.0)
		}
		w := m.MatchScore*(1-loadWeight) + loadFactor*loadWeight
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}

	if total == 0 {
		return selectRandom(matches, n)
	}

	sampler := sampleuv.NewWeighted(weights, nil)
	out := make([]model.PeerMatch, 0, n)
	taken := make(map[int]bool, n)
	for len(out) < n {
		idx, ok := sampler.Take()
		if !ok || taken[idx] {
			break
		}
		taken[idx] = true
		out = append(out, matches[idx])
	}
	return out
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
