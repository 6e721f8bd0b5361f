package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/kitemail/kite/consts"
	"github.com/kitemail/kite/db"
	"github.com/kitemail/kite/logger"
	"github.com/kitemail/kite/pkg/metrics"
)

// Store is the slice of the database the authenticator needs.
type Store interface {
	// GetActiveCredentials returns the account id and non-revoked
	// credentials for a username, or consts.ErrUserNotFound.
	GetActiveCredentials(ctx context.Context, username string) (int64, []db.Credential, error)
	TouchCredentialLastUsed(ctx context.Context, credentialID string) error
	RecordAuthAttempt(ctx context.Context, ipAddress, username, protocol string, success bool) error
}

// Result is the outcome of one authentication call. Errors never cross
// this boundary; front-ends map FailureReason to protocol responses and
// keep the connection open on failure.
type Result struct {
	Authenticated bool
	AccountID     int64
	CredentialID  string
	FailureReason string
}

// Err maps the failure reason to its sentinel for callers that classify
// with errors.Is. Nil on success.
func (r Result) Err() error {
	if r.Authenticated {
		return nil
	}
	switch r.FailureReason {
	case ReasonRateLimited:
		return consts.ErrRateLimited
	case ReasonUserNotFound:
		return consts.ErrUserNotFound
	case ReasonMissingScope:
		return consts.ErrMissingScope
	default:
		return consts.ErrInvalidCredential
	}
}

// Authenticator runs the shared authentication pipeline for exactly one
// protocol. The cache, rate limiter and task queue are shared across the
// authenticators of all protocols; construct them once at startup.
type Authenticator struct {
	protocol Protocol
	store    Store
	cache    *Cache
	limiter  *RateLimiter
	tasks    *TaskQueue
}

// NewAuthenticator binds the pipeline to one protocol front-end.
func NewAuthenticator(protocol Protocol, store Store, cache *Cache, limiter *RateLimiter, tasks *TaskQueue) *Authenticator {
	return &Authenticator{
		protocol: protocol,
		store:    store,
		cache:    cache,
		limiter:  limiter,
		tasks:    tasks,
	}
}

// Authenticate answers whether (username, password) is valid for this
// authenticator's protocol. Pipeline order: rate limiter, result cache,
// credential verification with scope enforcement, background write-back
// of usage metadata.
func (a *Authenticator) Authenticate(ctx context.Context, username, password, clientAddr string) Result {
	normalized := strings.ToLower(strings.TrimSpace(username))

	// A blocked client gets the same answer as a failed check without
	// touching credential state, so timing cannot distinguish "blocked"
	// from "checked and failed".
	if a.limiter.CheckRateLimit(clientAddr, a.protocol.Name) {
		a.recordAudit(clientAddr, normalized, false)
		return a.fail(ReasonRateLimited)
	}

	fingerprint := a.cache.Fingerprint(normalized, password)
	if outcome, ok := a.cache.Get(fingerprint); ok {
		return a.replayCached(clientAddr, normalized, outcome)
	}

	accountID, creds, err := a.store.GetActiveCredentials(ctx, normalized)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			a.limiter.RecordFailure(clientAddr, a.protocol.Name)
			a.cache.Set(fingerprint, Outcome{Reason: ReasonUserNotFound})
			a.recordAudit(clientAddr, normalized, false)
			return a.fail(ReasonUserNotFound)
		}
		// Store trouble is not the client's fault: no negative cache,
		// no rate-limit debit.
		logger.ErrorContext(ctx, "Auth: store lookup failed",
			"protocol", a.protocol.Name, "username", normalized, "error", err)
		metrics.AuthAttemptsTotal.WithLabelValues(a.protocol.Name, "error").Inc()
		return Result{}
	}

	for i := range creds {
		cred := &creds[i]
		if db.VerifySecret(cred.SecretHash, password) != nil {
			continue
		}

		// First matching credential decides. A match without the
		// protocol scope is a failure; control never falls through to
		// another credential.
		if !cred.HasScope(a.protocol.RequiredScope) {
			a.limiter.RecordFailure(clientAddr, a.protocol.Name)
			a.cache.Set(fingerprint, Outcome{Reason: ReasonMissingScope})
			a.recordAudit(clientAddr, normalized, false)
			return a.fail(ReasonMissingScope)
		}

		a.limiter.RecordSuccess(clientAddr, a.protocol.Name)
		a.cache.Set(fingerprint, Outcome{
			Authenticated: true,
			AccountID:     accountID,
			CredentialID:  cred.ID,
		})
		a.enqueueLastUsed(cred.ID)
		a.recordAudit(clientAddr, normalized, true)
		metrics.AuthAttemptsTotal.WithLabelValues(a.protocol.Name, "success").Inc()
		return Result{Authenticated: true, AccountID: accountID, CredentialID: cred.ID}
	}

	a.limiter.RecordFailure(clientAddr, a.protocol.Name)
	a.cache.Set(fingerprint, Outcome{Reason: ReasonInvalidKey})
	a.recordAudit(clientAddr, normalized, false)
	return a.fail(ReasonInvalidKey)
}

// replayCached reproduces a cached outcome. Usage metadata is still
// refreshed so that cached authentications keep last-used current, and
// the limiter still sees the attempt.
func (a *Authenticator) replayCached(clientAddr, username string, outcome Outcome) Result {
	if outcome.Authenticated {
		a.limiter.RecordSuccess(clientAddr, a.protocol.Name)
		a.enqueueLastUsed(outcome.CredentialID)
		a.recordAudit(clientAddr, username, true)
		metrics.AuthAttemptsTotal.WithLabelValues(a.protocol.Name, "success").Inc()
		return Result{
			Authenticated: true,
			AccountID:     outcome.AccountID,
			CredentialID:  outcome.CredentialID,
		}
	}

	a.limiter.RecordFailure(clientAddr, a.protocol.Name)
	a.recordAudit(clientAddr, username, false)
	return a.fail(outcome.Reason)
}

func (a *Authenticator) fail(reason string) Result {
	metrics.AuthAttemptsTotal.WithLabelValues(a.protocol.Name, "failure").Inc()
	metrics.AuthFailuresTotal.WithLabelValues(a.protocol.Name, reason).Inc()
	return Result{FailureReason: reason}
}

func (a *Authenticator) enqueueLastUsed(credentialID string) {
	if credentialID == "" {
		return
	}
	a.tasks.Enqueue(Task{
		Name: "credential-last-used",
		Run: func(ctx context.Context) error {
			return a.store.TouchCredentialLastUsed(ctx, credentialID)
		},
	})
}

func (a *Authenticator) recordAudit(clientAddr, username string, success bool) {
	protocol := a.protocol.Name
	a.tasks.Enqueue(Task{
		Name: "auth-audit",
		Run: func(ctx context.Context) error {
			return a.store.RecordAuthAttempt(ctx, clientAddr, username, protocol, success)
		},
	})
}
