// Package auth implements the authentication pipeline shared by every
// protocol front-end: rate limiting, result caching, credential
// verification, scope enforcement and the background write-back of usage
// metadata.
package auth

// Protocol describes the front-end an Authenticator serves. The shared
// pipeline takes this as a small capability value instead of per-protocol
// subtypes.
type Protocol struct {
	// Name tags metrics, rate-limit accounting and audit rows.
	Name string
	// RequiredScope is the scope a credential must carry to
	// authenticate against this protocol.
	RequiredScope string
}

// The fixed set of protocol front-ends and their required scopes.
var (
	ProtocolSMTP = Protocol{Name: "smtp", RequiredScope: ScopeSMTP}
	ProtocolPOP3 = Protocol{Name: "pop3", RequiredScope: ScopePOP3}
	ProtocolIMAP = Protocol{Name: "imap", RequiredScope: ScopeIMAP}
)

// Scope strings attachable to credentials.
const (
	ScopeSMTP     = "smtp"
	ScopePOP3     = "pop3"
	ScopeIMAP     = "imap"
	ScopeAPIRead  = "api:read"
	ScopeAPIWrite = "api:write"
)

// Failure reasons surfaced in results, metrics and log lines.
const (
	ReasonRateLimited  = "rate_limited"
	ReasonUserNotFound = "user_not_found"
	ReasonMissingScope = "missing_scope"
	ReasonInvalidKey   = "invalid_key"
)
