package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/grantd/grantd/internal/testutil"
	"github.com/grantd/grantd/storage"
	"github.com/grantd/grantd/storage/memory"
	"github.com/grantd/grantd/users"
)

func testIssuer(t *testing.T) (*Issuer, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	access, refresh := testutil.SigningKeys()
	issuer, err := NewIssuer(Config{
		AccessSigningKey:  access,
		RefreshSigningKey: refresh,
	}, store, nil)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return issuer, store
}

func testUser() *users.User {
	return &users.User{
		ID:       42,
		Username: "alice",
		Email:    "alice@example.com",
	}
}

func TestNewIssuer_Validation(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	access, refresh := testutil.SigningKeys()

	tests := []struct {
		name   string
		config Config
	}{
		{"missing access key", Config{RefreshSigningKey: refresh}},
		{"missing refresh key", Config{AccessSigningKey: access}},
		{"identical keys", Config{AccessSigningKey: access, RefreshSigningKey: access}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewIssuer(tt.config, store, nil); err == nil {
				t.Error("NewIssuer() should return error")
			}
		})
	}

	if _, err := NewIssuer(Config{AccessSigningKey: access, RefreshSigningKey: refresh}, nil, nil); err == nil {
		t.Error("NewIssuer() with nil store should return error")
	}
}

func TestIssuer_IssuePair(t *testing.T) {
	issuer, store := testIssuer(t)
	ctx := context.Background()

	pair, err := issuer.IssuePair(ctx, "acme", testUser())
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}

	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("IssuePair() returned empty tokens")
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Error("access and refresh tokens are identical")
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", pair.TokenType, "Bearer")
	}
	if pair.AccessExpiresIn != 3600 {
		t.Errorf("AccessExpiresIn = %d, want 3600", pair.AccessExpiresIn)
	}
	if pair.RefreshExpiresIn != int64((30 * 24 * time.Hour).Seconds()) {
		t.Errorf("RefreshExpiresIn = %d, want %d", pair.RefreshExpiresIn, int64((30*24*time.Hour).Seconds()))
	}

	// The refresh token must be registered as live.
	exists, err := store.Exists(ctx, storage.KindRefreshToken, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Error("refresh token marker not registered")
	}
}

func TestIssuer_IssuePair_NilUser(t *testing.T) {
	issuer, _ := testIssuer(t)

	if _, err := issuer.IssuePair(context.Background(), "acme", nil); err == nil {
		t.Error("IssuePair() with nil user should return error")
	}
}

func TestIssuer_AccessClaims(t *testing.T) {
	issuer, _ := testIssuer(t)

	pair, err := issuer.IssuePair(context.Background(), "acme", testUser())
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}

	access, _ := testutil.SigningKeys()
	claims := &AccessClaims{}
	_, err = jwt.ParseWithClaims(pair.AccessToken, claims, func(*jwt.Token) (any, error) {
		return access, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("parsing access token: %v", err)
	}

	if claims.ClientID != "acme" {
		t.Errorf("ClientID = %q, want %q", claims.ClientID, "acme")
	}
	if claims.Subject != "42" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "42")
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("Email = %q, want %q", claims.Email, "alice@example.com")
	}
	if claims.Username != "alice" {
		t.Errorf("Username = %q, want %q", claims.Username, "alice")
	}
}

func TestIssuer_ParseRefreshClaims(t *testing.T) {
	issuer, _ := testIssuer(t)

	pair, err := issuer.IssuePair(context.Background(), "acme", testUser())
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}

	claims, err := issuer.ParseRefreshClaims(pair.RefreshToken)
	if err != nil {
		t.Fatalf("ParseRefreshClaims() error = %v", err)
	}
	if claims.ClientID != "acme" {
		t.Errorf("ClientID = %q, want %q", claims.ClientID, "acme")
	}
	if claims.Subject != "42" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "42")
	}
}

func TestIssuer_ParseRefreshClaims_WrongKey(t *testing.T) {
	issuer, _ := testIssuer(t)

	pair, err := issuer.IssuePair(context.Background(), "acme", testUser())
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}

	// The access token is signed with the other key, so the refresh parser
	// must reject it.
	if _, err := issuer.ParseRefreshClaims(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ParseRefreshClaims(access token) error = %v, want ErrInvalidToken", err)
	}
}

func TestIssuer_ParseRefreshClaims_Garbage(t *testing.T) {
	issuer, _ := testIssuer(t)

	if _, err := issuer.ParseRefreshClaims("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ParseRefreshClaims() error = %v, want ErrInvalidToken", err)
	}
}

func TestIssuer_ParseRefreshClaims_Expired(t *testing.T) {
	issuer, _ := testIssuer(t)

	clock := testutil.NewMockClock(time.Now())
	issuer.SetClock(clock.Now)

	pair, err := issuer.IssuePair(context.Background(), "acme", testUser())
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}

	clock.Advance(31 * 24 * time.Hour)

	if _, err := issuer.ParseRefreshClaims(pair.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("ParseRefreshClaims() after expiry error = %v, want ErrTokenExpired", err)
	}
}
