package token

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfmd/findmygo/internal/account"
	"github.com/openfmd/findmygo/internal/cache"
	"github.com/openfmd/findmygo/internal/gauth"
)

type fakeExchanger struct {
	mu            sync.Mutex
	exchangeCalls int32
	oauthCalls    int32
	exchangeErr   error
	oauthErr      error
	oauthErrLeft  int
}

func (f *fakeExchanger) ExchangeToken(_ context.Context, email, oauthToken string, _ uint64) (string, error) {
	atomic.AddInt32(&f.exchangeCalls, 1)
	if f.exchangeErr != nil {
		return "", f.exchangeErr
	}
	return "aas_et/" + email, nil
}

func (f *fakeExchanger) PerformOAuth(_ context.Context, email, aasToken string, _ uint64, scope, app string) (gauth.ScopedToken, error) {
	n := atomic.AddInt32(&f.oauthCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.oauthErr != nil && f.oauthErrLeft > 0 {
		f.oauthErrLeft--
		return gauth.ScopedToken{}, f.oauthErr
	}
	return gauth.ScopedToken{Token: fmt.Sprintf("ya29.%s.%s.%d", scope, email, n)}, nil
}

type fixedRand struct{ v float64 }

func (r fixedRand) Float64() float64 { return r.v }

func newTestManager(t *testing.T) (*Manager, account.Context, *fakeExchanger) {
	t.Helper()
	ex := &fakeExchanger{}
	m := NewManager(ex, zerolog.Nop())
	m.sleep = func(context.Context, time.Duration) error { return nil }
	m.rand = fixedRand{v: 0.5}
	acct := account.New("user@gmail.com", cache.NewMemory())
	require.NoError(t, acct.Cache.Set(context.Background(), acct.Key("oauth_token"), "oauth2_4/root"))
	return m, acct, ex
}

func TestScopedTokenSingleGeneration(t *testing.T) {
	m, acct, ex := newTestManager(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.ScopedToken(ctx, acct, ScopeADM)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ex.oauthCalls), "generator must run once")
	for i := 1; i < callers; i++ {
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestScopedTokenRetriesThenSucceeds(t *testing.T) {
	m, acct, ex := newTestManager(t)
	ex.oauthErr = fmt.Errorf("transient upstream failure")
	ex.oauthErrLeft = 2

	tok, err := m.ScopedToken(context.Background(), acct, ScopeSpot)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.Equal(t, int32(3), ex.oauthCalls)
}

func TestScopedTokenExhaustsRetries(t *testing.T) {
	m, acct, ex := newTestManager(t)
	ex.oauthErr = fmt.Errorf("permanent failure")
	ex.oauthErrLeft = 100

	_, err := m.ScopedToken(context.Background(), acct, ScopeADM)
	require.Error(t, err)
	assert.Equal(t, int32(scopedTokenRetries+1), ex.oauthCalls)
}

func TestAndroidIDStable(t *testing.T) {
	m, acct, _ := newTestManager(t)
	ctx := context.Background()

	id1, err := m.AndroidID(ctx, acct)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id1, androidIDMin)

	id2, err := m.AndroidID(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "android id must never change once generated")
}

func TestAndroidIDFromPushCredentials(t *testing.T) {
	m, acct, _ := newTestManager(t)
	ctx := context.Background()

	creds := `{"gcm":{"androidId":"4482950660021969561","securityToken":"123"}}`
	require.NoError(t, acct.Cache.Set(ctx, acct.Key("fcm_credentials"), creds))

	id, err := m.AndroidID(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, uint64(4482950660021969561), id)
}

func seedToken(t *testing.T, m *Manager, acct account.Context, scope Scope, issuedAt time.Time) {
	t.Helper()
	rec, err := json.Marshal(tokenRecord{Token: "ya29.seeded", IssuedAt: issuedAt.Unix()})
	require.NoError(t, err)
	require.NoError(t, acct.Cache.Set(context.Background(), acct.Key(scope.cachePrefix()), string(rec)))
}

func seedState(t *testing.T, m *Manager, acct account.Context, scope Scope, st probeState) {
	t.Helper()
	m.saveProbeState(context.Background(), acct, scope, st)
}

func TestOnUnauthorizedPlannedProbeOverwrites(t *testing.T) {
	m, acct, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	// Prior best of 3600s; planned probe observes only 1800s. Planned
	// measurements overwrite in either direction.
	seedState(t, m, acct, ScopeADM, probeState{BestTTLSeconds: 3600, StartupProbeBudget: 2, Armed: true})
	seedToken(t, m, acct, ScopeADM, base.Add(-30*time.Minute))

	tok, err := m.OnUnauthorized(ctx, acct, ScopeADM)
	require.NoError(t, err)
	assert.NotEqual(t, "ya29.seeded", tok)

	st := m.loadProbeState(ctx, acct, ScopeADM)
	assert.InDelta(t, 1800, st.BestTTLSeconds, 1)
	assert.Equal(t, 1, st.StartupProbeBudget)
	assert.False(t, st.Armed)
	assert.Greater(t, st.NextProbeAt, base.Unix())
}

func TestOnUnauthorizedPlannedProbeAcceptsLonger(t *testing.T) {
	m, acct, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	seedState(t, m, acct, ScopeADM, probeState{BestTTLSeconds: 1800, Armed: true})
	seedToken(t, m, acct, ScopeADM, base.Add(-2*time.Hour))

	_, err := m.OnUnauthorized(ctx, acct, ScopeADM)
	require.NoError(t, err)

	st := m.loadProbeState(ctx, acct, ScopeADM)
	assert.InDelta(t, 7200, st.BestTTLSeconds, 1)
}

func TestOnUnauthorizedUnplannedOnlyClearlyShorter(t *testing.T) {
	m, acct, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	// Age 3500s against best 3600s is within the 90% threshold: keep best.
	seedState(t, m, acct, ScopeADM, probeState{BestTTLSeconds: 3600})
	seedToken(t, m, acct, ScopeADM, base.Add(-3500*time.Second))

	_, err := m.OnUnauthorized(ctx, acct, ScopeADM)
	require.NoError(t, err)
	st := m.loadProbeState(ctx, acct, ScopeADM)
	assert.InDelta(t, 3600, st.BestTTLSeconds, 1)

	// Age 1000s is clearly shorter: revise down. Move past the coalesce
	// window so the second 401 performs a real refresh.
	base = base.Add(time.Minute)
	seedToken(t, m, acct, ScopeADM, base.Add(-1000*time.Second))
	_, err = m.OnUnauthorized(ctx, acct, ScopeADM)
	require.NoError(t, err)
	st = m.loadProbeState(ctx, acct, ScopeADM)
	assert.InDelta(t, 1000, st.BestTTLSeconds, 1)
}

func TestOnUnauthorizedUnplannedInsideMarginKeepsBest(t *testing.T) {
	m, acct, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	// Age 860s against best 1000s: 860 is below the 90% threshold on its
	// own, but adding the 120s refresh margin (980 > 900) keeps it inside
	// the normal refresh window, so the estimate must not shrink.
	seedState(t, m, acct, ScopeADM, probeState{BestTTLSeconds: 1000})
	seedToken(t, m, acct, ScopeADM, base.Add(-860*time.Second))

	_, err := m.OnUnauthorized(ctx, acct, ScopeADM)
	require.NoError(t, err)
	st := m.loadProbeState(ctx, acct, ScopeADM)
	assert.InDelta(t, 1000, st.BestTTLSeconds, 1)

	// Age 700s clears the margin too (820 < 900): revise down.
	base = base.Add(time.Minute)
	seedToken(t, m, acct, ScopeADM, base.Add(-700*time.Second))
	_, err = m.OnUnauthorized(ctx, acct, ScopeADM)
	require.NoError(t, err)
	st = m.loadProbeState(ctx, acct, ScopeADM)
	assert.InDelta(t, 700, st.BestTTLSeconds, 1)
}

func TestProactiveRefreshJitterIsSymmetric(t *testing.T) {
	m, _, _ := newTestManager(t)
	st := probeState{BestTTLSeconds: 3600}

	// rand=0.5 is zero jitter: threshold sits at best-margin (3480s).
	m.rand = fixedRand{v: 0.5}
	assert.False(t, m.shouldRefreshProactively(st, 3479*time.Second))
	assert.True(t, m.shouldRefreshProactively(st, 3481*time.Second))

	// rand=0 pulls the threshold a full jitter earlier (3390s).
	m.rand = fixedRand{v: 0}
	assert.True(t, m.shouldRefreshProactively(st, 3391*time.Second))

	// rand=1 pushes it a full jitter later (3570s).
	m.rand = fixedRand{v: 1}
	assert.False(t, m.shouldRefreshProactively(st, 3569*time.Second))
	assert.True(t, m.shouldRefreshProactively(st, 3571*time.Second))
}

func TestOnUnauthorizedCoalescesRecentRefresh(t *testing.T) {
	m, acct, ex := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	seedToken(t, m, acct, ScopeADM, base.Add(-time.Hour))

	tok1, err := m.OnUnauthorized(ctx, acct, ScopeADM)
	require.NoError(t, err)
	callsAfterFirst := atomic.LoadInt32(&ex.oauthCalls)

	// A second 401 handler arriving within the window reuses the token.
	base = base.Add(refreshCoalesceWindow / 2)
	tok2, err := m.OnUnauthorized(ctx, acct, ScopeADM)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, callsAfterFirst, atomic.LoadInt32(&ex.oauthCalls))
}

func TestPreRequestArmsStartupProbe(t *testing.T) {
	m, acct, _ := newTestManager(t)
	ctx := context.Background()

	m.PreRequest(ctx, acct, ScopeSpot)
	st := m.loadProbeState(ctx, acct, ScopeSpot)
	assert.True(t, st.Armed)
	assert.Equal(t, DefaultStartupProbeBudget, st.StartupProbeBudget)
}

func TestPreRequestProactiveRefresh(t *testing.T) {
	m, acct, ex := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	// Budget exhausted, next probe far away, token old enough that
	// best-margin-jitter has passed.
	seedState(t, m, acct, ScopeADM, probeState{
		BestTTLSeconds: 3600,
		NextProbeAt:    base.Add(5 * time.Hour).Unix(),
	})
	seedToken(t, m, acct, ScopeADM, base.Add(-3550*time.Second))

	m.PreRequest(ctx, acct, ScopeADM)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ex.oauthCalls), "token near learned ttl must refresh")

	st := m.loadProbeState(ctx, acct, ScopeADM)
	assert.False(t, st.Armed)
}

func TestPreRequestFreshTokenUntouched(t *testing.T) {
	m, acct, ex := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	seedState(t, m, acct, ScopeADM, probeState{
		BestTTLSeconds: 3600,
		NextProbeAt:    base.Add(5 * time.Hour).Unix(),
	})
	seedToken(t, m, acct, ScopeADM, base.Add(-10*time.Minute))

	m.PreRequest(ctx, acct, ScopeADM)
	assert.Zero(t, atomic.LoadInt32(&ex.oauthCalls))
	assert.False(t, m.loadProbeState(ctx, acct, ScopeADM).Armed)
}

func TestInvalidateSpotClearsAAS(t *testing.T) {
	m, acct, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.AASToken(ctx, acct)
	require.NoError(t, err)
	seedToken(t, m, acct, ScopeSpot, time.Now())

	require.NoError(t, m.Invalidate(ctx, acct, ScopeSpot))

	_, ok, err := acct.Cache.Get(ctx, acct.Key("spot_token"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = acct.Cache.Get(ctx, acct.Key("aas_token"))
	require.NoError(t, err)
	assert.False(t, ok, "spot invalidation clears the aas token too")
}

func TestAASTokenFallsBackToCachedADMToken(t *testing.T) {
	m, acct, ex := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, acct.Cache.Delete(ctx, acct.Key("oauth_token")))
	seedToken(t, m, acct, ScopeADM, time.Now())

	tok, err := m.AASToken(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, "aas_et/user@gmail.com", tok)
	assert.Equal(t, int32(1), ex.exchangeCalls)
}

func TestAASTokenNoRootCredential(t *testing.T) {
	m, acct, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, acct.Cache.Delete(ctx, acct.Key("oauth_token")))

	_, err := m.AASToken(ctx, acct)
	require.Error(t, err)
}

func TestScopeNames(t *testing.T) {
	assert.Equal(t, "android_device_manager", ScopeADM.Name())
	assert.Equal(t, "spot", ScopeSpot.Name())
	assert.Equal(t, gauth.AppADM, ScopeADM.App())
	assert.Equal(t, gauth.AppGMS, ScopeSpot.App())
	assert.Equal(t, "adm_token", ScopeADM.cachePrefix())
	assert.Equal(t, "spot_token", ScopeSpot.cachePrefix())
}
