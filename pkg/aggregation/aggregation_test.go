package aggregation

import (
	"testing"

	"github.com/agentmesh-network/agentmesh/pkg/model"
)

func resp(text string, score float64, latencyMs int64, success bool) model.AgentResponse {
	return model.AgentResponse{Response: text, MatchScore: score, LatencyMs: latencyMs, Success: success}
}

func TestAggregateMajorityVote(t *testing.T) {
	responses := []model.AgentResponse{
		resp("yes", 0.5, 100, true),
		resp("yes", 0.4, 120, true),
		resp("no", 0.9, 80, true),
	}
	result, err := Aggregate(responses, Options{Strategy: MajorityVote})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if result.Value != "yes" {
		t.Fatalf("expected majority winner 'yes', got %q", result.Value)
	}
	if result.AgreementCount != 2 {
		t.Fatalf("expected agreement count 2, got %d", result.AgreementCount)
	}
	if !result.ConsensusMet {
		t.Fatalf("expected consensus met at default threshold, confidence=%f", result.Confidence)
	}
}

func TestAggregateWeightedVotePrefersHigherScoringMinority(t *testing.T) {
	responses := []model.AgentResponse{
		resp("a", 0.1, 0, true),
		resp("a", 0.1, 0, true),
		resp("b", 0.9, 0, true),
	}
	result, err := Aggregate(responses, Options{Strategy: WeightedVote})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if result.Value != "b" {
		t.Fatalf("expected weighted winner 'b', got %q", result.Value)
	}
}

func TestAggregateBestScore(t *testing.T) {
	responses := []model.AgentResponse{
		resp("a", 0.2, 0, true),
		resp("b", 0.95, 0, true),
	}
	result, err := Aggregate(responses, Options{Strategy: BestScore})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if result.Value != "b" || result.Confidence != 0.95 {
		t.Fatalf("unexpected best-score result: %+v", result)
	}
}

func TestAggregateFirstResponsePicksLowestLatency(t *testing.T) {
	responses := []model.AgentResponse{
		resp("slow", 0.5, 500, true),
		resp("fast", 0.5, 10, true),
	}
	result, err := Aggregate(responses, Options{Strategy: FirstResponse})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if result.Value != "fast" {
		t.Fatalf("expected fastest response to win, got %q", result.Value)
	}
}

func TestAggregateLongestPicksLongestText(t *testing.T) {
	responses := []model.AgentResponse{
		resp("short", 0.5, 0, true),
		resp("a much longer and more detailed answer", 0.5, 0, true),
	}
	result, err := Aggregate(responses, Options{Strategy: Longest})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if result.Value != "a much longer and more detailed answer" {
		t.Fatalf("expected longest response to win, got %q", result.Value)
	}
}

func TestAggregateEnsembleConcatenatesDistinctResponses(t *testing.T) {
	responses := []model.AgentResponse{
		resp("a", 0.9, 0, true),
		resp("b", 0.1, 0, true),
	}
	result, err := Aggregate(responses, Options{Strategy: Ensemble})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if result.Value != "a\n\nb" {
		t.Fatalf("expected ensemble to join by descending score, got %q", result.Value)
	}
}

func TestAggregateSynthesizedConsensusAppendsDissent(t *testing.T) {
	responses := []model.AgentResponse{
		resp("a", 0.5, 0, true),
		resp("a", 0.5, 0, true),
		resp("b", 0.5, 0, true),
	}
	result, err := Aggregate(responses, Options{Strategy: SynthesizedConsensus})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if result.Value != "a\n\n---\nb" {
		t.Fatalf("unexpected synthesized consensus: %q", result.Value)
	}
}

func TestAggregateCustomStrategyRequiresFunc(t *testing.T) {
	_, err := Aggregate([]model.AgentResponse{resp("a", 0.5, 0, true)}, Options{Strategy: Custom})
	if err == nil {
		t.Fatal("expected error for custom strategy without a CustomFunc")
	}
}

func TestAggregateCustomStrategyInvokesFunc(t *testing.T) {
	called := false
	fn := func(successful []model.AgentResponse) (string, float64, int) {
		called = true
		return "custom-result", 1.0, len(successful)
	}
	result, err := Aggregate([]model.AgentResponse{resp("a", 0.5, 0, true)}, Options{Strategy: Custom, Custom: fn})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if !called || result.Value != "custom-result" {
		t.Fatalf("expected custom func to be invoked, got %+v", result)
	}
}

func TestAggregateNoSuccessfulResponsesErrors(t *testing.T) {
	responses := []model.AgentResponse{resp("", 0, 0, false)}
	_, err := Aggregate(responses, Options{Strategy: MajorityVote})
	if err == nil {
		t.Fatal("expected error when no responses succeeded")
	}
}

func TestAggregateConsensusThresholdRespectsOverride(t *testing.T) {
	responses := []model.AgentResponse{
		resp("a", 0.5, 0, true),
		resp("b", 0.5, 0, true),
	}
	result, err := Aggregate(responses, Options{Strategy: MajorityVote, ConsensusThreshold: 0.9})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if result.ConsensusMet {
		t.Fatalf("expected consensus not met at a 0.9 threshold with a 50/50 split, got confidence=%f", result.Confidence)
	}
}
