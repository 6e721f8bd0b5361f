package consts

import "errors"

var (
	// Authentication outcomes. These cross package boundaries as values,
	// never as panics, so protocol front-ends can map them to wire
	// responses without closing the connection.
	ErrRateLimited       = errors.New("too many authentication attempts")
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrMissingScope      = errors.New("credential lacks required scope")

	// Session and framing errors. ErrLineTooLong and
	// ErrConnectionLimitExceeded are fatal to the connection attempt.
	ErrLineTooLong             = errors.New("line exceeds maximum length")
	ErrConnectionLimitExceeded = errors.New("connection limit exceeded")
	ErrSessionStateViolation   = errors.New("command not valid in current session state")
	ErrDeletionLimitExceeded   = errors.New("deletion limit exceeded")

	// Delivery classification. ErrDNSTemporary is retryable,
	// ErrNoMailExchanger is terminal for the recipient.
	ErrDNSTemporary    = errors.New("temporary DNS resolution failure")
	ErrNoMailExchanger = errors.New("no mail exchanger for domain")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBCommitTransactionFailed = errors.New("commit failed")

	ErrMessageNotQueued = errors.New("message is not in a queueable state")
)
