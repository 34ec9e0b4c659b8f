package grantd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/grantd/grantd/users"
)

// Domain errors produced by the core flows. The HTTP boundary maps them to
// wire responses; none propagates as an unhandled fault except a storage
// failure (storage.ErrUnavailable).
var (
	// ErrClientNotRegistered indicates no client matches the client_id.
	ErrClientNotRegistered = errors.New("client not registered")

	// ErrRedirectURINotAllowed indicates the redirect_uri is not in the
	// client's registered set.
	ErrRedirectURINotAllowed = errors.New("redirect URI not allowed for client")

	// ErrSecretMismatch indicates the presented client secret is wrong.
	ErrSecretMismatch = errors.New("client secret mismatch")

	// ErrDuplicateTransaction indicates a pending transaction already exists
	// under the client-supplied correlation value.
	ErrDuplicateTransaction = errors.New("duplicate authorization transaction")

	// ErrTransactionExpired indicates the pending transaction is expired,
	// unknown, or already consumed. The resource owner must restart the flow.
	ErrTransactionExpired = errors.New("authorization transaction expired or unknown")

	// ErrCodeExpired indicates the authorization code is expired, unknown,
	// or already exchanged.
	ErrCodeExpired = errors.New("authorization code expired or unknown")

	// ErrClientMismatch indicates a code or refresh token presented by a
	// client other than the one it was issued to.
	ErrClientMismatch = errors.New("client mismatch")

	// ErrTokenNotLive indicates the refresh token is expired, revoked,
	// already rotated, or otherwise not honored.
	ErrTokenNotLive = errors.New("refresh token expired or unknown")

	// ErrInvalidCredentials merges unknown-user and wrong-password failures
	// so the response never reveals which one occurred.
	ErrInvalidCredentials = errors.New("incorrect username or password")
)

// OAuth error codes used on the wire.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// OAuthError is an OAuth 2.0 error response.
type OAuthError struct {
	Code        string // OAuth error code (e.g. "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// asOAuthError maps a domain error to its wire representation. Descriptions
// stay generic where the taxonomy demands it: client-auth failures collapse
// to one message, and credential failures never say which part was wrong.
func asOAuthError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}

	switch {
	case errors.Is(err, ErrClientNotRegistered),
		errors.Is(err, ErrSecretMismatch):
		return NewOAuthError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
	case errors.Is(err, ErrRedirectURINotAllowed):
		return NewOAuthError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
	case errors.Is(err, ErrDuplicateTransaction):
		return NewOAuthError(ErrorCodeInvalidRequest, "Authorization already in progress", http.StatusConflict)
	case errors.Is(err, ErrTransactionExpired):
		return NewOAuthError(ErrorCodeAccessDenied, "Authentication time expired. Try again", http.StatusGone)
	case errors.Is(err, ErrCodeExpired):
		return NewOAuthError(ErrorCodeInvalidGrant, "Code expired", http.StatusGone)
	case errors.Is(err, ErrTokenNotLive):
		return NewOAuthError(ErrorCodeInvalidGrant, "Token expired", http.StatusGone)
	case errors.Is(err, ErrClientMismatch):
		return NewOAuthError(ErrorCodeInvalidGrant, "Invalid client id", http.StatusUnauthorized)
	case errors.Is(err, ErrInvalidCredentials):
		return NewOAuthError(ErrorCodeAccessDenied, "Incorrect username or password", http.StatusUnauthorized)
	case errors.Is(err, users.ErrNonUnique):
		return NewOAuthError(ErrorCodeInvalidRequest, "Username or email already in use", http.StatusConflict)
	default:
		return NewOAuthError(ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
	}
}
