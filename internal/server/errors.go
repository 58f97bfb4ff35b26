package server

import (
	"errors"

	"github.com/memalerts/backend/internal/auth"
	"github.com/memalerts/backend/internal/friends"
	"github.com/memalerts/backend/internal/session"
)

// Error codes carried in the errorCode field of failure responses.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeDuplicateIdentity  = "duplicate_identity"
	CodeWeakPassword       = "weak_password"
	CodePasswordTooLong    = "password_too_long"
	CodeMissingCredentials = "missing_credentials"
	CodeInvalidEmail       = "invalid_email"
	CodeInvalidToken       = "invalid_token"
	CodeRateLimited        = "rate_limited"

	CodeAlreadyFriends   = "already_friends"
	CodeRequestPending   = "request_pending"
	CodeSelfRequest      = "self_request"
	CodeUserNotFound     = "user_not_found"
	CodeNotFound         = "not_found"
	CodeAlreadyProcessed = "already_processed"
	CodeCannotAcceptOwn  = "cannot_accept_own"
	CodeUnauthorized     = "unauthorized"

	CodeNotAuthenticated = "not_authenticated"
	CodeInternal         = "internal"
)

var errRateLimited = errors.New("too many attempts, try again later")

type errorMapping struct {
	err  error
	code string
}

var knownErrors = []errorMapping{
	{auth.ErrInvalidCredentials, CodeInvalidCredentials},
	{auth.ErrDuplicateIdentity, CodeDuplicateIdentity},
	{auth.ErrWeakPassword, CodeWeakPassword},
	{auth.ErrPasswordTooLong, CodePasswordTooLong},
	{auth.ErrMissingCredentials, CodeMissingCredentials},
	{auth.ErrInvalidEmail, CodeInvalidEmail},
	{auth.ErrInvalidToken, CodeInvalidToken},
	{errRateLimited, CodeRateLimited},
	{friends.ErrAlreadyFriends, CodeAlreadyFriends},
	{friends.ErrRequestAlreadyPending, CodeRequestPending},
	{friends.ErrSelfRequest, CodeSelfRequest},
	{friends.ErrUserNotFound, CodeUserNotFound},
	{friends.ErrNotFound, CodeNotFound},
	{friends.ErrAlreadyProcessed, CodeAlreadyProcessed},
	{friends.ErrCannotAcceptOwnRequest, CodeCannotAcceptOwn},
	{friends.ErrUnauthorized, CodeUnauthorized},
	{session.ErrNotAuthenticated, CodeNotAuthenticated},
}

// describeError maps err to a wire code and a message safe to show the peer.
// Unknown errors are reported as internal without leaking their text.
func describeError(err error) (code, message string) {
	for _, m := range knownErrors {
		if errors.Is(err, m.err) {
			return m.code, m.err.Error()
		}
	}
	return CodeInternal, "internal server error"
}
