// Package token builds and verifies the signed access/refresh token pair.
// Claims are flat, expiry is an absolute timestamp, and the access and
// refresh tokens are signed with distinct keys so compromise of one does not
// expose the other. Claims are never persisted; the only server-side state
// is the refresh-token existence marker registered in the ephemeral store.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/grantd/grantd/storage"
	"github.com/grantd/grantd/users"
)

var (
	// ErrInvalidToken indicates a signature mismatch or malformed token.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired indicates the token's expiry has passed. Callers
	// normally collapse this with ErrInvalidToken; the distinction exists
	// for logging.
	ErrTokenExpired = errors.New("token expired")
)

// AccessClaims is the claim set embedded in access tokens. Subject is the
// stringified user id.
type AccessClaims struct {
	ClientID string `json:"client_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// RefreshClaims is the claim set embedded in refresh tokens.
type RefreshClaims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Pair is an issued access/refresh token pair. The ExpiresIn values are the
// issuer-configured TTLs in seconds, not the tokens' embedded expiries, so
// no clock skew leaks to the caller.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresIn  int64
	RefreshExpiresIn int64
	TokenType        string
}

// Config holds token issuance settings.
type Config struct {
	// AccessTokenTTL is the access token lifetime. Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime. Default: 30 days.
	RefreshTokenTTL time.Duration

	// AccessSigningKey signs access tokens (HS256, required).
	AccessSigningKey []byte

	// RefreshSigningKey signs refresh tokens (HS256, required, must differ
	// from AccessSigningKey).
	RefreshSigningKey []byte
}

// Issuer mints signed token pairs and verifies presented refresh tokens.
// Every issued refresh token is registered as an existence marker in the
// ephemeral store; rotation and revocation remove the marker.
type Issuer struct {
	config Config
	store  storage.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewIssuer creates a token issuer. The signing keys must be non-empty and
// distinct.
func NewIssuer(config Config, store storage.Store, logger *slog.Logger) (*Issuer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(config.AccessSigningKey) == 0 || len(config.RefreshSigningKey) == 0 {
		return nil, fmt.Errorf("access and refresh signing keys are required")
	}
	if string(config.AccessSigningKey) == string(config.RefreshSigningKey) {
		return nil, fmt.Errorf("access and refresh signing keys must differ")
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Issuer{
		config: config,
		store:  store,
		now:    time.Now,
		logger: logger,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (i *Issuer) SetClock(now func() time.Time) {
	if now != nil {
		i.now = now
	}
}

// IssuePair builds, signs, and registers a new token pair for the user on
// behalf of the client.
func (i *Issuer) IssuePair(ctx context.Context, clientID string, user *users.User) (*Pair, error) {
	if user == nil {
		return nil, fmt.Errorf("user is required")
	}

	now := i.now()
	subject := strconv.FormatInt(user.ID, 10)

	accessClaims := AccessClaims{
		ClientID: clientID,
		Email:    user.Email,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.AccessTokenTTL)),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).
		SignedString(i.config.AccessSigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshClaims := RefreshClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.RefreshTokenTTL)),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).
		SignedString(i.config.RefreshSigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	// The marker is what makes the refresh token honored later; without it
	// a structurally valid token is dead.
	if err := i.store.Put(ctx, storage.KindRefreshToken, refreshToken, storage.Record{}, i.config.RefreshTokenTTL); err != nil {
		return nil, fmt.Errorf("failed to register refresh token: %w", err)
	}

	i.logger.Debug("Issued token pair",
		"client_id", clientID,
		"subject", subject)

	return &Pair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresIn:  int64(i.config.AccessTokenTTL.Seconds()),
		RefreshExpiresIn: int64(i.config.RefreshTokenTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

// ParseRefreshClaims verifies the refresh token's signature and expiry and
// returns its claims. Returns ErrTokenExpired on expiry and ErrInvalidToken
// on any other verification failure.
func (i *Issuer) ParseRefreshClaims(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			return i.config.RefreshSigningKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
