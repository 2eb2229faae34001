package distributed

import (
	"time"

	"github.com/PipeOpsHQ/uq-campaign-go/internal/config"
)

const (
	defaultMaxAttempts       = 3
	defaultBaseBackoff       = 500 * time.Millisecond
	defaultMaxBackoff        = 10 * time.Second
	defaultPollInterval      = 200 * time.Millisecond
	defaultClaimBlock        = 2 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultResultBatch       = 100
)

// RuntimePolicy governs how workers retry failed runs and how pools and
// workers poll the queue.
type RuntimePolicy struct {
	// MaxAttempts is the number of times a run is executed before it is
	// dead-lettered and reported FAILED.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	PollInterval      time.Duration
	ClaimBlock        time.Duration
	HeartbeatInterval time.Duration

	// ResultBatch caps how many results a pool reads per poll.
	ResultBatch int
}

func DefaultRuntimePolicy() RuntimePolicy {
	return RuntimePolicy{
		MaxAttempts:       defaultMaxAttempts,
		BaseBackoff:       defaultBaseBackoff,
		MaxBackoff:        defaultMaxBackoff,
		PollInterval:      defaultPollInterval,
		ClaimBlock:        defaultClaimBlock,
		HeartbeatInterval: defaultHeartbeatInterval,
		ResultBatch:       defaultResultBatch,
	}
}

// PolicyFromEnv starts from the defaults and applies the CAMPAIGN_* overrides.
func PolicyFromEnv() RuntimePolicy {
	p := DefaultRuntimePolicy()
	p.MaxAttempts = config.ParseIntEnv("CAMPAIGN_MAX_ATTEMPTS", p.MaxAttempts)
	p.BaseBackoff = config.GetenvDuration("CAMPAIGN_BASE_BACKOFF", p.BaseBackoff)
	p.MaxBackoff = config.GetenvDuration("CAMPAIGN_MAX_BACKOFF", p.MaxBackoff)
	p.PollInterval = config.GetenvDuration("CAMPAIGN_POLL_INTERVAL", p.PollInterval)
	p.ClaimBlock = config.GetenvDuration("CAMPAIGN_CLAIM_BLOCK", p.ClaimBlock)
	p.HeartbeatInterval = config.GetenvDuration("CAMPAIGN_HEARTBEAT_INTERVAL", p.HeartbeatInterval)
	return NormalizeRuntimePolicy(p)
}

// NormalizeRuntimePolicy replaces unset or out-of-range fields with defaults.
// A zero ClaimBlock is kept and means non-blocking reads.
func NormalizeRuntimePolicy(p RuntimePolicy) RuntimePolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = defaultBaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	p.MaxBackoff = max(p.MaxBackoff, p.BaseBackoff)
	if p.PollInterval <= 0 {
		p.PollInterval = defaultPollInterval
	}
	p.ClaimBlock = max(p.ClaimBlock, 0)
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = defaultHeartbeatInterval
	}
	if p.ResultBatch <= 0 {
		p.ResultBatch = defaultResultBatch
	}
	return p
}

// Backoff is the delay before the attempt after the given one: BaseBackoff
// doubled per previous attempt, capped at MaxBackoff.
func (p RuntimePolicy) Backoff(attempt int) time.Duration {
	p = NormalizeRuntimePolicy(p)
	backoff := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(backoff, p.MaxBackoff)
}

// Retry reports whether a run that failed its attempt-th execution gets
// another one, and after what delay. limit overrides MaxAttempts when
// positive.
func (p RuntimePolicy) Retry(attempt, limit int) (time.Duration, bool) {
	if limit <= 0 {
		limit = NormalizeRuntimePolicy(p).MaxAttempts
	}
	if attempt >= limit {
		return 0, false
	}
	return p.Backoff(attempt), true
}
