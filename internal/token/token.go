// Package token manages the layered credential chain for one or more
// accounts: a root OAuth token is exchanged for a long-lived AAS token,
// which in turn mints short-lived scoped tokens. Because the scoped tokens
// carry no reliable expiry, the package learns each scope's real TTL by
// observing 401s and deliberately probing with aged tokens.
package token

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	mathrand "math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfmd/findmygo/internal/account"
	"github.com/openfmd/findmygo/internal/errors"
	"github.com/openfmd/findmygo/internal/gauth"
	"github.com/openfmd/findmygo/internal/metrics"
)

// Scope identifies which API family a scoped token is minted for.
type Scope int

const (
	// ScopeADM covers the Android Device Manager API.
	ScopeADM Scope = iota
	// ScopeSpot covers the Spot (Find My Device) gRPC API.
	ScopeSpot
)

// Name returns the bare OAuth scope name.
func (s Scope) Name() string {
	switch s {
	case ScopeSpot:
		return "spot"
	default:
		return "android_device_manager"
	}
}

// App returns the package name the scope's tokens are minted for.
func (s Scope) App() string {
	switch s {
	case ScopeSpot:
		return gauth.AppGMS
	default:
		return gauth.AppADM
	}
}

func (s Scope) cachePrefix() string {
	switch s {
	case ScopeSpot:
		return "spot_token"
	default:
		return "adm_token"
	}
}

// Generation retry tuning for scoped tokens.
const (
	scopedTokenRetries = 2
	scopedTokenBackoff = time.Second
)

// refreshCoalesceWindow is how recently another caller's refresh must have
// completed for a 401 handler to skip its own refresh and just retry.
const refreshCoalesceWindow = 2 * time.Second

// androidIDMin is the lower bound of generated device identifiers; values
// below 2^60 collide with real hardware-derived ids.
const androidIDMin = uint64(1) << 60

// Exchanger is the auth endpoint surface the manager needs. *gauth.Client
// satisfies it.
type Exchanger interface {
	ExchangeToken(ctx context.Context, email, oauthToken string, androidID uint64) (string, error)
	PerformOAuth(ctx context.Context, email, aasToken string, androidID uint64, scope, app string) (gauth.ScopedToken, error)
}

// tokenRecord is the persisted form of one scoped token.
type tokenRecord struct {
	Token    string `json:"token"`
	IssuedAt int64  `json:"issued_at"`
}

// Manager implements the credential lifecycle. Safe for concurrent use.
type Manager struct {
	exchanger Exchanger
	policy    Policy
	logger    zerolog.Logger

	mu          sync.Mutex
	refreshMu   map[string]*sync.Mutex
	lastRefresh map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  interface{ Float64() float64 }
}

// NewManager creates a credential manager backed by the given auth client.
func NewManager(exchanger Exchanger, logger zerolog.Logger) *Manager {
	return &Manager{
		exchanger:   exchanger,
		policy:      DefaultPolicy(),
		logger:      logger.With().Str("component", "token").Logger(),
		refreshMu:   make(map[string]*sync.Mutex),
		lastRefresh: make(map[string]time.Time),
		now:         time.Now,
		sleep:       sleepCtx,
		rand:        mathrand.New(mathrand.NewPCG(mathrand.Uint64(), mathrand.Uint64())),
	}
}

// SetPolicy replaces the TTL tuning. Call before first use.
func (m *Manager) SetPolicy(p Policy) { m.policy = p }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AASToken returns the account's AAS token, exchanging the root OAuth token
// on first use. Concurrent callers collapse into one exchange.
func (m *Manager) AASToken(ctx context.Context, acct account.Context) (string, error) {
	return acct.Cache.GetOrSet(ctx, acct.Key("aas_token"), func(ctx context.Context) (string, error) {
		oauthToken, ok, err := acct.Cache.Get(ctx, acct.Key("oauth_token"))
		if err != nil {
			return "", err
		}
		if !ok || oauthToken == "" {
			// A previously-minted ADM token can stand in for the root OAuth
			// token on re-exchange.
			if rec, recErr := m.cachedRecord(ctx, acct, ScopeADM); recErr == nil && rec.Token != "" {
				oauthToken = rec.Token
			} else {
				return "", errors.NewRequestError(errors.KindToken, "aas_token", "",
					fmt.Errorf("no oauth token cached for account"))
			}
		}

		androidID, err := m.AndroidID(ctx, acct)
		if err != nil {
			return "", err
		}

		aas, err := m.exchanger.ExchangeToken(ctx, acct.Email, oauthToken, androidID)
		if err != nil {
			return "", errors.NewRequestError(errors.KindToken, "aas_token", "", err)
		}
		m.logger.Info().Str("email", acct.Email).Msg("obtained aas token")
		return aas, nil
	})
}

// ScopedToken returns a cached scoped token or mints one from the AAS token,
// retrying generation with exponential backoff. Concurrent callers for the
// same account and scope trigger at most one generation.
func (m *Manager) ScopedToken(ctx context.Context, acct account.Context, scope Scope) (string, error) {
	raw, err := acct.Cache.GetOrSet(ctx, acct.Key(scope.cachePrefix()), func(ctx context.Context) (string, error) {
		return m.generateScoped(ctx, acct, scope)
	})
	if err != nil {
		return "", err
	}
	var rec tokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", errors.NewRequestError(errors.KindToken, "scoped_token", scope.Name(),
			fmt.Errorf("corrupt cached token record: %w", err))
	}
	return rec.Token, nil
}

func (m *Manager) generateScoped(ctx context.Context, acct account.Context, scope Scope) (string, error) {
	var lastErr error
	backoff := scopedTokenBackoff
	for attempt := 0; attempt <= scopedTokenRetries; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, backoff); err != nil {
				return "", err
			}
			backoff *= 2
		}

		aas, err := m.AASToken(ctx, acct)
		if err != nil {
			lastErr = err
			continue
		}
		androidID, err := m.AndroidID(ctx, acct)
		if err != nil {
			return "", err
		}

		minted, err := m.exchanger.PerformOAuth(ctx, acct.Email, aas, androidID, scope.Name(), scope.App())
		if err != nil {
			lastErr = err
			m.logger.Warn().Err(err).
				Str("email", acct.Email).
				Str("scope", scope.Name()).
				Int("attempt", attempt+1).
				Msg("scoped token generation failed")
			continue
		}

		rec := tokenRecord{Token: minted.Token, IssuedAt: m.now().Unix()}
		raw, err := json.Marshal(rec)
		if err != nil {
			return "", err
		}
		m.logger.Info().Str("email", acct.Email).Str("scope", scope.Name()).Msg("minted scoped token")
		metrics.TokenRefreshesTotal.WithLabelValues(scope.Name(), "mint").Inc()
		return string(raw), nil
	}
	return "", errors.NewRequestError(errors.KindToken, "scoped_token", scope.Name(), lastErr).
		WithAttempts(scopedTokenRetries + 1)
}

func (m *Manager) cachedRecord(ctx context.Context, acct account.Context, scope Scope) (tokenRecord, error) {
	raw, ok, err := acct.Cache.Get(ctx, acct.Key(scope.cachePrefix()))
	if err != nil {
		return tokenRecord{}, err
	}
	if !ok {
		return tokenRecord{}, errors.ErrTokenUnavailable
	}
	var rec tokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return tokenRecord{}, err
	}
	return rec, nil
}

// AndroidID returns the account's stable device identifier. Absent a cached
// value it tries the push-registration credentials, then generates a random
// id. A generated id is persisted and never silently replaced.
func (m *Manager) AndroidID(ctx context.Context, acct account.Context) (uint64, error) {
	key := acct.Key("android_id")
	if raw, ok, err := acct.Cache.Get(ctx, key); err != nil {
		return 0, err
	} else if ok {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err == nil && id != 0 {
			return id, nil
		}
		m.logger.Warn().Str("email", acct.Email).Msg("cached android id unreadable, regenerating")
	}

	if id := m.androidIDFromPushCredentials(ctx, acct); id != 0 {
		if err := acct.Cache.Set(ctx, key, strconv.FormatUint(id, 10)); err != nil {
			return 0, err
		}
		return id, nil
	}

	id, err := randomAndroidID()
	if err != nil {
		return 0, err
	}
	if err := acct.Cache.Set(ctx, key, strconv.FormatUint(id, 10)); err != nil {
		return 0, err
	}
	m.logger.Warn().Str("email", acct.Email).Msg("generated new android id for account")
	return id, nil
}

func (m *Manager) androidIDFromPushCredentials(ctx context.Context, acct account.Context) uint64 {
	raw, ok, err := acct.Cache.Get(ctx, acct.Key("fcm_credentials"))
	if err != nil || !ok {
		return 0
	}
	var creds struct {
		GCM struct {
			AndroidID string `json:"androidId"`
		} `json:"gcm"`
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return 0
	}
	id, err := strconv.ParseUint(creds.GCM.AndroidID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func randomAndroidID() (uint64, error) {
	span := new(big.Int).SetUint64(^uint64(0) - androidIDMin)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, fmt.Errorf("generate android id: %w", err)
	}
	var buf [8]byte
	n.FillBytes(buf[:])
	return androidIDMin + binary.BigEndian.Uint64(buf[:]), nil
}

// PreRequest runs the TTL policy before an outbound request: it either arms
// a measurement probe (letting the next 401 record the scope's real TTL) or
// proactively refreshes a token that is close to its learned expiry.
func (m *Manager) PreRequest(ctx context.Context, acct account.Context, scope Scope) {
	now := m.now()
	st := m.loadProbeState(ctx, acct, scope)

	if m.shouldArm(st, now) {
		st.Armed = true
		m.saveProbeState(ctx, acct, scope, st)
		m.logger.Debug().
			Str("email", acct.Email).
			Str("scope", scope.Name()).
			Int("startup_budget", st.StartupProbeBudget).
			Msg("armed ttl probe")
		return
	}

	rec, err := m.cachedRecord(ctx, acct, scope)
	if err != nil || rec.IssuedAt == 0 {
		return
	}
	age := now.Sub(time.Unix(rec.IssuedAt, 0))
	if m.shouldRefreshProactively(st, age) {
		m.logger.Debug().
			Str("email", acct.Email).
			Str("scope", scope.Name()).
			Dur("age", age).
			Float64("best_ttl_seconds", st.BestTTLSeconds).
			Msg("proactive token refresh")
		metrics.TokenRefreshesTotal.WithLabelValues(scope.Name(), "proactive").Inc()
		if _, err := m.refresh(ctx, acct, scope); err != nil {
			m.logger.Warn().Err(err).Str("scope", scope.Name()).Msg("proactive refresh failed")
		}
	}
}

// OnUnauthorized handles a 401 for the given scope: it folds the observed
// token age into the TTL model, refreshes the token, and returns the new
// one. Overlapping callers coalesce on a per-account-and-scope lock; a
// caller that finds a refresh completed within the last two seconds returns
// the already-refreshed token without its own refresh.
func (m *Manager) OnUnauthorized(ctx context.Context, acct account.Context, scope Scope) (string, error) {
	lockKey := acct.Key(scope.cachePrefix() + "_refresh")
	lock := m.refreshLock(lockKey)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	last := m.lastRefresh[lockKey]
	m.mu.Unlock()
	now := m.now()
	if !last.IsZero() && now.Sub(last) < refreshCoalesceWindow {
		if rec, err := m.cachedRecord(ctx, acct, scope); err == nil && rec.Token != "" {
			m.logger.Debug().Str("scope", scope.Name()).Msg("reusing just-refreshed token")
			return rec.Token, nil
		}
	}

	st := m.loadProbeState(ctx, acct, scope)
	if rec, err := m.cachedRecord(ctx, acct, scope); err == nil && rec.IssuedAt > 0 {
		age := now.Sub(time.Unix(rec.IssuedAt, 0))
		planned := st.Armed
		before := st.BestTTLSeconds
		m.recordMeasurement(&st, age, now)
		if st.BestTTLSeconds != before {
			m.logger.Info().
				Str("email", acct.Email).
				Str("scope", scope.Name()).
				Bool("planned", planned).
				Float64("prev_ttl_seconds", before).
				Float64("best_ttl_seconds", st.BestTTLSeconds).
				Msg("revised learned token ttl")
		}
	} else {
		st.Armed = false
	}
	m.saveProbeState(ctx, acct, scope, st)

	metrics.TokenRefreshesTotal.WithLabelValues(scope.Name(), "unauthorized").Inc()
	tok, err := m.refresh(ctx, acct, scope)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.lastRefresh[lockKey] = m.now()
	m.mu.Unlock()
	return tok, nil
}

// Invalidate drops the cached token for a scope. Spot invalidation also
// clears the AAS token, because Spot 16/7 statuses usually mean the whole
// chain is stale.
func (m *Manager) Invalidate(ctx context.Context, acct account.Context, scope Scope) error {
	if err := acct.Cache.Delete(ctx, acct.Key(scope.cachePrefix())); err != nil {
		return err
	}
	if scope == ScopeSpot {
		return acct.Cache.Delete(ctx, acct.Key("aas_token"))
	}
	return nil
}

func (m *Manager) refresh(ctx context.Context, acct account.Context, scope Scope) (string, error) {
	if err := acct.Cache.Delete(ctx, acct.Key(scope.cachePrefix())); err != nil {
		return "", err
	}
	return m.ScopedToken(ctx, acct, scope)
}

func (m *Manager) refreshLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.refreshMu[key]
	if !ok {
		lock = &sync.Mutex{}
		m.refreshMu[key] = lock
	}
	return lock
}
