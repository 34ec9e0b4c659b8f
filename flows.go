package grantd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/grantd/grantd/storage"
	"github.com/grantd/grantd/token"
	"github.com/grantd/grantd/users"
)

// Record field names for transactions and codes. The refresh-token marker
// stores an empty record.
const (
	fieldClientID    = "client_id"
	fieldRedirectURI = "redirect_uri"
	fieldState       = "state"
	fieldUserID      = "user_id"
)

// authTransaction is a pending authorization: the parameters of the
// /authorize request, parked until the resource owner authenticates.
type authTransaction struct {
	ClientID    string
	RedirectURI string
	State       string
}

func (t authTransaction) record() storage.Record {
	return storage.Record{
		fieldClientID:    t.ClientID,
		fieldRedirectURI: t.RedirectURI,
		fieldState:       t.State,
	}
}

func transactionFromRecord(rec storage.Record) authTransaction {
	return authTransaction{
		ClientID:    rec[fieldClientID],
		RedirectURI: rec[fieldRedirectURI],
		State:       rec[fieldState],
	}
}

// newOpaqueID returns a 128-bit random identifier, hex-encoded. Used for
// authorization codes and transaction keys; collision is treated as
// negligible, not defended against.
func newOpaqueID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// ============================================================
// Authorization transactions
// ============================================================

// Authorize validates the client and opens a pending authorization
// transaction under a server-generated opaque key. The key is handed back to
// the browser and correlates the login step with this request; since the
// server generated it, collision is negligible and a plain write suffices.
func (s *Server) Authorize(ctx context.Context, responseType, clientID, redirectURI, state string) (string, error) {
	if responseType != "code" {
		return "", NewOAuthError(ErrorCodeInvalidRequest, "response_type must be \"code\"", http.StatusBadRequest)
	}

	if _, err := s.checkRedirectURI(ctx, clientID, redirectURI); err != nil {
		return "", err
	}

	key := newOpaqueID()
	txn := authTransaction{ClientID: clientID, RedirectURI: redirectURI, State: state}
	if err := s.store.Put(ctx, storage.KindAuthInfo, key, txn.record(), s.config.PendingAuthTTL); err != nil {
		return "", err
	}

	s.metrics.AuthorizationStarted.Add(ctx, 1)
	s.logger.Info("Opened authorization transaction", "client_id", clientID)

	return key, nil
}

// AuthorizeWithState opens the transaction under the client-supplied state
// value instead of a server-generated key. Because the key is
// attacker-chosen, creation is conditional: a second request reusing a
// pending state fails with ErrDuplicateTransaction instead of silently
// overwriting the first. The state doubles as the auth key for Login/Signup.
func (s *Server) AuthorizeWithState(ctx context.Context, responseType, clientID, redirectURI, state string) (string, error) {
	if responseType != "code" {
		return "", NewOAuthError(ErrorCodeInvalidRequest, "response_type must be \"code\"", http.StatusBadRequest)
	}
	if state == "" {
		return "", NewOAuthError(ErrorCodeInvalidRequest, "state is required", http.StatusBadRequest)
	}

	if _, err := s.checkRedirectURI(ctx, clientID, redirectURI); err != nil {
		return "", err
	}

	txn := authTransaction{ClientID: clientID, RedirectURI: redirectURI, State: state}
	err := s.store.PutIfAbsent(ctx, storage.KindAuthInfo, state, txn.record(), s.config.PendingAuthTTL)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return "", ErrDuplicateTransaction
		}
		return "", err
	}

	s.metrics.AuthorizationStarted.Add(ctx, 1)
	s.logger.Info("Opened authorization transaction", "client_id", clientID)

	return state, nil
}

// peekTransaction reads the pending transaction without consuming it, so a
// failed credential check leaves the transaction intact for a retry.
func (s *Server) peekTransaction(ctx context.Context, authKey string) (authTransaction, error) {
	rec, err := s.store.Get(ctx, storage.KindAuthInfo, authKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return authTransaction{}, ErrTransactionExpired
		}
		return authTransaction{}, err
	}
	return transactionFromRecord(rec), nil
}

// consumeTransaction atomically takes the pending transaction. At most one
// caller succeeds; later callers observe ErrTransactionExpired and must
// restart the flow.
func (s *Server) consumeTransaction(ctx context.Context, authKey string) (authTransaction, error) {
	rec, err := s.store.TakeAndDelete(ctx, storage.KindAuthInfo, authKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return authTransaction{}, ErrTransactionExpired
		}
		return authTransaction{}, err
	}
	return transactionFromRecord(rec), nil
}

// ============================================================
// Login and signup
// ============================================================

// Login authenticates the resource owner against the pending transaction
// and, on success, consumes the transaction and issues an authorization
// code. Returns the redirect target carrying code and state back to the
// client. Unknown usernames and wrong passwords produce the same error.
func (s *Server) Login(ctx context.Context, authKey, username, password string) (string, error) {
	if _, err := s.peekTransaction(ctx, authKey); err != nil {
		return "", err
	}

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			// Burn the same bcrypt cost as a real verification so a missing
			// username is not distinguishable by timing.
			_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(password))
			s.metrics.LoginFailed.Add(ctx, 1)
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("%w: user lookup: %v", storage.ErrUnavailable, err)
	}

	if !users.VerifyPassword(user.PasswordHash, password) {
		s.metrics.LoginFailed.Add(ctx, 1)
		s.logger.Info("Login failed", "username", username)
		return "", ErrInvalidCredentials
	}

	txn, err := s.consumeTransaction(ctx, authKey)
	if err != nil {
		return "", err
	}

	s.metrics.LoginSucceeded.Add(ctx, 1)
	return s.completeAuthentication(ctx, txn, user)
}

// Signup creates the resource owner's account mid-flow and continues exactly
// like a successful login. A username or email collision surfaces as
// users.ErrNonUnique and leaves the transaction pending.
func (s *Server) Signup(ctx context.Context, authKey, username, email, password string) (string, error) {
	if _, err := s.peekTransaction(ctx, authKey); err != nil {
		return "", err
	}

	user, err := s.RegisterUser(ctx, username, email, password)
	if err != nil {
		return "", err
	}

	txn, err := s.consumeTransaction(ctx, authKey)
	if err != nil {
		return "", err
	}

	return s.completeAuthentication(ctx, txn, user)
}

// RegisterUser hashes the password and creates the user. Fails with
// users.ErrNonUnique when username or email collide.
func (s *Server) RegisterUser(ctx context.Context, username, email, password string) (*users.User, error) {
	hash, err := users.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user, err := s.users.Create(ctx, username, email, hash)
	if err != nil {
		if errors.Is(err, users.ErrNonUnique) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: user create: %v", storage.ErrUnavailable, err)
	}

	s.logger.Info("Registered user", "username", username)
	return user, nil
}

// completeAuthentication issues the single-use code bound to the
// transaction's client and the authenticated user, and builds the redirect
// back to the client.
func (s *Server) completeAuthentication(ctx context.Context, txn authTransaction, user *users.User) (string, error) {
	code, err := s.issueCode(ctx, txn.ClientID, user.ID)
	if err != nil {
		return "", err
	}

	redirect, err := buildRedirectURL(txn.RedirectURI, code, txn.State)
	if err != nil {
		return "", err
	}

	s.logger.Info("Issued authorization code",
		"client_id", txn.ClientID,
		"user_id", user.ID)

	return redirect, nil
}

// buildRedirectURL appends code and state to the client's redirect URI,
// preserving any query parameters it already carries.
func buildRedirectURL(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}

	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ============================================================
// Authorization codes
// ============================================================

// issueCode stores a single-use code bound to the client and user. The code
// is server-generated and unguessable, so a plain write suffices.
func (s *Server) issueCode(ctx context.Context, clientID string, userID int64) (string, error) {
	code := newOpaqueID()
	rec := storage.Record{
		fieldClientID: clientID,
		fieldUserID:   strconv.FormatInt(userID, 10),
	}
	if err := s.store.Put(ctx, storage.KindAuthCode, code, rec, s.config.AuthCodeTTL); err != nil {
		return "", err
	}

	s.metrics.CodeIssued.Add(ctx, 1)
	return code, nil
}

// exchangeCode consumes the code and returns the bound user id. Consumption
// is atomic, so of any number of concurrent exchanges exactly one succeeds.
// A client-binding mismatch still consumes the code: authorization codes are
// single-use regardless of outcome, which keeps a leaked code from being
// probed repeatedly.
func (s *Server) exchangeCode(ctx context.Context, code, requestingClientID string) (int64, error) {
	rec, err := s.store.TakeAndDelete(ctx, storage.KindAuthCode, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, ErrCodeExpired
		}
		return 0, err
	}

	if rec[fieldClientID] != requestingClientID {
		s.logger.Warn("Authorization code presented by wrong client",
			"client_id", requestingClientID)
		return 0, ErrClientMismatch
	}

	userID, err := strconv.ParseInt(rec[fieldUserID], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt authorization code record: %w", err)
	}

	return userID, nil
}

// ============================================================
// Token endpoint grants
// ============================================================

// Exchange redeems an authorization code for a token pair. The client must
// authenticate, and the code must have been issued to that client.
func (s *Server) Exchange(ctx context.Context, clientID, clientSecret, code string) (*token.Pair, error) {
	ctx, span := s.tracer.Start(ctx, "grant.code_exchange",
		trace.WithAttributes(attribute.String("client_id", clientID)))
	defer span.End()

	if _, err := s.checkClientSecret(ctx, clientID, clientSecret); err != nil {
		s.recordGrantFailure(ctx, "authorization_code")
		return nil, err
	}

	userID, err := s.exchangeCode(ctx, code, clientID)
	if err != nil {
		s.recordGrantFailure(ctx, "authorization_code")
		return nil, err
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		s.recordGrantFailure(ctx, "authorization_code")
		if errors.Is(err, users.ErrNotFound) {
			// Account deleted after the code was issued; the code is spent
			// either way.
			return nil, ErrCodeExpired
		}
		return nil, fmt.Errorf("%w: user lookup: %v", storage.ErrUnavailable, err)
	}

	pair, err := s.issuer.IssuePair(ctx, clientID, user)
	if err != nil {
		s.recordGrantFailure(ctx, "authorization_code")
		return nil, err
	}

	s.metrics.CodeExchanged.Add(ctx, 1)
	s.logger.Info("Exchanged authorization code",
		"client_id", clientID,
		"user_id", user.ID)

	return pair, nil
}

// Refresh rotates a refresh token: the presented token's existence marker is
// consumed atomically, its claims are verified, and a fresh pair is issued.
// Consuming before verifying means a crash mid-rotation can only leave the
// user re-authenticating, never two live tokens.
func (s *Server) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*token.Pair, error) {
	ctx, span := s.tracer.Start(ctx, "grant.token_refresh",
		trace.WithAttributes(attribute.String("client_id", clientID)))
	defer span.End()

	if _, err := s.checkClientSecret(ctx, clientID, clientSecret); err != nil {
		s.recordGrantFailure(ctx, "refresh_token")
		return nil, err
	}

	if _, err := s.store.TakeAndDelete(ctx, storage.KindRefreshToken, refreshToken); err != nil {
		s.recordGrantFailure(ctx, "refresh_token")
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTokenNotLive
		}
		return nil, err
	}

	claims, err := s.issuer.ParseRefreshClaims(refreshToken)
	if err != nil {
		// Signature mismatch and expiry collapse to the same outcome; only
		// the log distinguishes them.
		s.recordGrantFailure(ctx, "refresh_token")
		s.logger.Info("Rejected refresh token", "error", err)
		return nil, ErrTokenNotLive
	}

	if claims.ClientID != clientID {
		s.recordGrantFailure(ctx, "refresh_token")
		return nil, ErrClientMismatch
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		s.recordGrantFailure(ctx, "refresh_token")
		return nil, ErrTokenNotLive
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		s.recordGrantFailure(ctx, "refresh_token")
		if errors.Is(err, users.ErrNotFound) {
			return nil, ErrTokenNotLive
		}
		return nil, fmt.Errorf("%w: user lookup: %v", storage.ErrUnavailable, err)
	}

	pair, err := s.issuer.IssuePair(ctx, clientID, user)
	if err != nil {
		s.recordGrantFailure(ctx, "refresh_token")
		return nil, err
	}

	s.metrics.TokenRefreshed.Add(ctx, 1)
	s.logger.Info("Rotated refresh token",
		"client_id", clientID,
		"user_id", user.ID)

	return pair, nil
}

// Revoke deletes the refresh token's existence marker. Revoking an unknown
// token is not an error, per RFC 7009 semantics.
func (s *Server) Revoke(ctx context.Context, clientID, clientSecret, refreshToken string) error {
	if _, err := s.checkClientSecret(ctx, clientID, clientSecret); err != nil {
		return err
	}

	if err := s.store.Delete(ctx, storage.KindRefreshToken, refreshToken); err != nil {
		return err
	}

	s.metrics.TokenRevoked.Add(ctx, 1)
	s.logger.Info("Revoked refresh token", "client_id", clientID)
	return nil
}

// RefreshTokenActive reports whether the refresh token's existence marker is
// still present, i.e. the token has not been rotated, revoked, or expired.
func (s *Server) RefreshTokenActive(ctx context.Context, refreshToken string) (bool, error) {
	return s.store.Exists(ctx, storage.KindRefreshToken, refreshToken)
}

func (s *Server) recordGrantFailure(ctx context.Context, grantType string) {
	s.metrics.GrantFailed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("grant_type", grantType)))
}
