package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfmd/findmygo/internal/account"
)

// Adaptive TTL learning constants. The interval jitter and the shorten
// threshold are empirically tuned values carried over from observed server
// behavior; they are named here so deployments can override them via Policy,
// but their optimality is an open tuning question.
const (
	// DefaultTTLMargin is subtracted from the best-known TTL when deciding
	// whether to refresh proactively before a request.
	DefaultTTLMargin = 120 * time.Second

	// DefaultTTLJitter randomizes the proactive refresh point so a fleet of
	// clients does not refresh in lockstep.
	DefaultTTLJitter = 90 * time.Second

	// DefaultProbeInterval schedules deliberate TTL measurements.
	DefaultProbeInterval = 6 * time.Hour

	// DefaultProbeIntervalJitter is the fractional jitter applied to the
	// probe interval.
	DefaultProbeIntervalJitter = 0.10

	// DefaultShortenThreshold gates unplanned downward TTL revisions: an
	// observed age only replaces the best estimate when it is below this
	// fraction of it.
	DefaultShortenThreshold = 0.90

	// DefaultStartupProbeBudget forces early TTL measurements on a fresh
	// account before the first scheduled probe.
	DefaultStartupProbeBudget = 3
)

// Policy holds the tunable constants of the TTL probe state machine.
type Policy struct {
	Margin              time.Duration
	Jitter              time.Duration
	ProbeInterval       time.Duration
	ProbeIntervalJitter float64
	ShortenThreshold    float64
	StartupProbeBudget  int
}

// DefaultPolicy returns the production tuning.
func DefaultPolicy() Policy {
	return Policy{
		Margin:              DefaultTTLMargin,
		Jitter:              DefaultTTLJitter,
		ProbeInterval:       DefaultProbeInterval,
		ProbeIntervalJitter: DefaultProbeIntervalJitter,
		ShortenThreshold:    DefaultShortenThreshold,
		StartupProbeBudget:  DefaultStartupProbeBudget,
	}
}

// probeState is the persisted per-account, per-scope TTL model.
type probeState struct {
	BestTTLSeconds     float64 `json:"best_ttl_seconds,omitempty"`
	StartupProbeBudget int     `json:"startup_probe_budget"`
	NextProbeAt        int64   `json:"next_probe_at,omitempty"`
	Armed              bool    `json:"armed,omitempty"`
}

func ttlStateKey(acct account.Context, scope Scope) string {
	return acct.Key("ttl_state_" + scope.Name())
}

func (m *Manager) loadProbeState(ctx context.Context, acct account.Context, scope Scope) probeState {
	st := probeState{StartupProbeBudget: m.policy.StartupProbeBudget}
	raw, ok, err := acct.Cache.Get(ctx, ttlStateKey(acct, scope))
	if err != nil || !ok {
		return st
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		m.logger.Warn().Err(err).Str("scope", scope.Name()).Msg("discarding corrupt ttl state")
		return probeState{StartupProbeBudget: m.policy.StartupProbeBudget}
	}
	return st
}

func (m *Manager) saveProbeState(ctx context.Context, acct account.Context, scope Scope, st probeState) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := acct.Cache.Set(ctx, ttlStateKey(acct, scope), string(raw)); err != nil {
		m.logger.Warn().Err(err).Str("scope", scope.Name()).Msg("failed to persist ttl state")
	}
}

// shouldArm reports whether the next request should carry a deliberately
// possibly-expired token so the resulting 401 measures the real TTL.
func (m *Manager) shouldArm(st probeState, now time.Time) bool {
	if st.Armed {
		return false
	}
	if st.StartupProbeBudget > 0 {
		return true
	}
	return st.NextProbeAt > 0 && now.Unix() >= st.NextProbeAt
}

// shouldRefreshProactively reports whether the token's age is close enough
// to the learned TTL that presenting it risks a 401.
func (m *Manager) shouldRefreshProactively(st probeState, age time.Duration) bool {
	if st.Armed || st.BestTTLSeconds <= 0 {
		return false
	}
	threshold := time.Duration(st.BestTTLSeconds*float64(time.Second)) - m.policy.Margin
	threshold += time.Duration((m.rand.Float64()*2 - 1) * float64(m.policy.Jitter))
	return age >= threshold
}

// recordMeasurement folds an observed 401 into the TTL model. planned 401s
// (armed probes) overwrite the estimate in either direction; unplanned ones
// only shorten it when the observed age plus the refresh margin is still
// clearly below the current best, so a 401 just inside the proactive-refresh
// window cannot erode the estimate.
// Armed is always cleared so concurrent 401s cannot each revise the model.
func (m *Manager) recordMeasurement(st *probeState, age time.Duration, now time.Time) {
	observed := age.Seconds()
	if st.Armed {
		st.BestTTLSeconds = observed
		if st.StartupProbeBudget > 0 {
			st.StartupProbeBudget--
		}
		st.NextProbeAt = m.nextProbeTime(now)
	} else if st.BestTTLSeconds > 0 &&
		observed+m.policy.Margin.Seconds() < st.BestTTLSeconds*m.policy.ShortenThreshold {
		st.BestTTLSeconds = observed
	}
	st.Armed = false
}

func (m *Manager) nextProbeTime(now time.Time) int64 {
	jitter := 1 + (m.rand.Float64()*2-1)*m.policy.ProbeIntervalJitter
	return now.Add(time.Duration(float64(m.policy.ProbeInterval) * jitter)).Unix()
}
