package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ridesync/internal/faults"
	"ridesync/internal/logger"
	"ridesync/internal/observability"
	"ridesync/internal/retry"
)

// RefreshFunc exchanges a refresh token for a new token pair. Backed by the
// REST client's refresh-token call.
type RefreshFunc func(ctx context.Context, refreshToken string) (access, refresh string, err error)

// TokenSource owns the access/refresh token pair and the bounded-backoff
// refresh policy. Refreshes are single-flight: concurrent callers share one
// network attempt.
type TokenSource struct {
	mu      sync.Mutex
	access  string
	refresh string
	gen     uint64

	refreshMu sync.Mutex
	refreshFn RefreshFunc
	policy    retry.Policy
	log       *slog.Logger
}

func NewTokenSource(access, refreshToken string, policy retry.Policy, log *slog.Logger) *TokenSource {
	return &TokenSource{
		access:  access,
		refresh: refreshToken,
		policy:  policy,
		log:     log,
	}
}

// SetRefreshFunc wires the REST refresh call in after construction; the REST
// client itself needs the token source, so the two are tied together at
// composition time.
func (ts *TokenSource) SetRefreshFunc(fn RefreshFunc) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.refreshFn = fn
}

// AccessToken returns the current access token. Empty until first set.
func (ts *TokenSource) AccessToken() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.access
}

// ExpiresSoon reports whether the access token is missing, unparseable, or
// within skew of its exp claim. The token is not signature-checked here; the
// server remains the authority, this is only used to refresh proactively
// instead of burning a connection attempt on a dead token.
func (ts *TokenSource) ExpiresSoon(skew time.Duration) bool {
	ts.mu.Lock()
	access := ts.access
	ts.mu.Unlock()

	if access == "" {
		return true
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(access, claims); err != nil {
		return true
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return time.Until(exp.Time) < skew
}

// Refresh runs the bounded-backoff refresh cycle. Transient failures retry
// up to the policy budget; exhaustion and non-transient failures surface as
// typed faults so callers never loop forever against a down auth server.
func (ts *TokenSource) Refresh(ctx context.Context) error {
	ts.mu.Lock()
	fn := ts.refreshFn
	refreshToken := ts.refresh
	genAtEntry := ts.gen
	ts.mu.Unlock()

	if fn == nil {
		return faults.Newf(faults.KindValidationFailure, "token source has no refresh function")
	}

	ts.refreshMu.Lock()
	defer ts.refreshMu.Unlock()

	// another caller finished a refresh while we waited for the flight lock
	ts.mu.Lock()
	if ts.gen != genAtEntry {
		ts.mu.Unlock()
		return nil
	}
	ts.mu.Unlock()

	err := ts.policy.Do(ctx, func(ctx context.Context) error {
		observability.TokenRefreshAttemptsTotal.Inc()

		access, refresh, err := fn(ctx, refreshToken)
		if err != nil {
			observability.TokenRefreshFailuresTotal.Inc()
			return err
		}

		ts.mu.Lock()
		ts.access = access
		if refresh != "" {
			ts.refresh = refresh
		}
		ts.gen++
		ts.mu.Unlock()
		return nil
	})
	if err != nil {
		logger.Error(ctx, ts.log, "token_refresh_failed", "Token refresh gave up", err)
		return err
	}

	logger.Info(ctx, ts.log, "token_refreshed", "Access token refreshed")
	return nil
}
