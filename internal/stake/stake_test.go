package stake_test

import (
	"testing"

	"github.com/tenzoki/agenorc/internal/stake"
)

func TestStake_defaultsToOne(t *testing.T) {
	r := stake.New()
	if got := r.Stake("agent-a"); got != 1.0 {
		t.Fatalf("expected default stake 1.0, got %v", got)
	}
}

func TestBurn_saturatesAtMinStake(t *testing.T) {
	r := stake.New()
	r.Set("agent-a", 0.02)
	got := r.Burn("agent-a", 0.99)
	if got != 0.01 {
		t.Fatalf("expected saturation at 0.01, got %v", got)
	}
}

func TestBurn_reducesProportionally(t *testing.T) {
	r := stake.New()
	r.Set("agent-a", 1.0)
	got := r.Burn("agent-a", 0.10)
	if got != 0.9 {
		t.Fatalf("expected 0.9 after 10%% burn, got %v", got)
	}
}

func TestAccepted_belowThresholdRejected(t *testing.T) {
	r := stake.New()
	r.SetThreshold("promote:agent-a", 2.0)
	r.Set("agent-a", 1.0)
	if r.Accepted("promote:agent-a", "agent-a") {
		t.Fatal("expected rejection below threshold")
	}
}

func TestAccepted_meetsThreshold(t *testing.T) {
	r := stake.New()
	r.SetThreshold("promote:agent-a", 1.0)
	r.Set("agent-a", 1.0)
	if !r.Accepted("promote:agent-a", "agent-a") {
		t.Fatal("expected acceptance at threshold")
	}
}

func TestAccepted_noThresholdAutoAdmits(t *testing.T) {
	r := stake.New()
	if !r.Accepted("promote:unknown") {
		t.Fatal("expected auto-admit when no threshold set")
	}
}
