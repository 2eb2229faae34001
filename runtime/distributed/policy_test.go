package distributed

import (
	"testing"
	"time"
)

func TestRuntimePolicyBackoff(t *testing.T) {
	p := NormalizeRuntimePolicy(RuntimePolicy{BaseBackoff: 100 * time.Millisecond, MaxBackoff: 500 * time.Millisecond})
	cases := map[int]time.Duration{
		0: 100 * time.Millisecond,
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		8: 500 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := p.Backoff(attempt); got != want {
			t.Fatalf("backoff for attempt %d: got %v want %v", attempt, got, want)
		}
	}
}

func TestRuntimePolicyRetry(t *testing.T) {
	p := RuntimePolicy{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: time.Minute}
	if d, ok := p.Retry(1, 0); !ok || d != time.Second {
		t.Fatalf("expected retry after 1s, got %v %v", d, ok)
	}
	if _, ok := p.Retry(2, 0); ok {
		t.Fatalf("expected no retry once MaxAttempts is reached")
	}
	if _, ok := p.Retry(2, 4); !ok {
		t.Fatalf("expected task limit to override MaxAttempts")
	}
}

func TestNormalizeRuntimePolicy(t *testing.T) {
	p := NormalizeRuntimePolicy(RuntimePolicy{BaseBackoff: time.Minute, MaxBackoff: time.Second, ClaimBlock: -time.Second})
	if p.MaxBackoff != time.Minute {
		t.Fatalf("expected MaxBackoff raised to BaseBackoff, got %v", p.MaxBackoff)
	}
	if p.ClaimBlock != 0 {
		t.Fatalf("expected negative ClaimBlock clamped to zero, got %v", p.ClaimBlock)
	}
	if p.MaxAttempts != defaultMaxAttempts || p.ResultBatch != defaultResultBatch {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestPolicyFromEnv(t *testing.T) {
	t.Setenv("CAMPAIGN_MAX_ATTEMPTS", "5")
	t.Setenv("CAMPAIGN_BASE_BACKOFF", "2s")
	p := PolicyFromEnv()
	if p.MaxAttempts != 5 || p.BaseBackoff != 2*time.Second {
		t.Fatalf("unexpected policy from env: %+v", p)
	}
	if p.HeartbeatInterval != defaultHeartbeatInterval {
		t.Fatalf("expected default heartbeat, got %v", p.HeartbeatInterval)
	}
}
