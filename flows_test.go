package grantd

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grantd/grantd/clients"
	"github.com/grantd/grantd/internal/testutil"
	"github.com/grantd/grantd/storage"
	"github.com/grantd/grantd/storage/memory"
	"github.com/grantd/grantd/users"
)

const (
	testClientID     = "acme"
	testClientSecret = "acme-secret"
	testRedirectURI  = "https://acme.example/cb"
	testState        = "state-xyz"
	testUsername     = "alice"
	testEmail        = "alice@example.com"
	testPassword     = "correct horse battery staple"
)

// testServer builds a server backed by an in-memory store with one
// registered client and one registered user.
func testServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	registry := clients.NewMemoryRegistry()
	if err := registry.Add(testutil.NewTestClient(t, testClientID, testClientSecret, testRedirectURI)); err != nil {
		t.Fatalf("failed to register client: %v", err)
	}

	userStore := users.NewMemoryStore()
	testutil.CreateTestUser(t, userStore, testUsername, testEmail, testPassword)

	access, refresh := testutil.SigningKeys()
	server, err := NewServer(store, registry, userStore, &Config{
		AccessTokenKey:  access,
		RefreshTokenKey: refresh,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(server.Stop)

	return server, store
}

// authorizeAndLogin runs the front half of the flow and returns the issued
// authorization code.
func authorizeAndLogin(t *testing.T, server *Server) string {
	t.Helper()
	ctx := context.Background()

	authKey, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, testState)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	redirect, err := server.Login(ctx, authKey, testUsername, testPassword)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	return extractCode(t, redirect)
}

func extractCode(t *testing.T, redirect string) string {
	t.Helper()
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("invalid redirect %q: %v", redirect, err)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", redirect)
	}
	return code
}

// ============================================================
// Authorize
// ============================================================

func TestServer_Authorize(t *testing.T) {
	server, store := testServer(t)
	ctx := context.Background()

	authKey, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, testState)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if authKey == "" {
		t.Fatal("Authorize() returned empty key")
	}

	rec, err := store.Get(ctx, storage.KindAuthInfo, authKey)
	if err != nil {
		t.Fatalf("transaction not stored: %v", err)
	}
	if rec["client_id"] != testClientID {
		t.Errorf("stored client_id = %q, want %q", rec["client_id"], testClientID)
	}
	if rec["state"] != testState {
		t.Errorf("stored state = %q, want %q", rec["state"], testState)
	}
}

func TestServer_Authorize_UnknownClient(t *testing.T) {
	server, _ := testServer(t)

	_, err := server.Authorize(context.Background(), "code", "nonexistent", testRedirectURI, testState)
	if !errors.Is(err, ErrClientNotRegistered) {
		t.Errorf("Authorize() error = %v, want ErrClientNotRegistered", err)
	}
}

func TestServer_Authorize_RedirectURINotAllowed(t *testing.T) {
	server, _ := testServer(t)

	_, err := server.Authorize(context.Background(), "code", testClientID, "https://evil.example/cb", testState)
	if !errors.Is(err, ErrRedirectURINotAllowed) {
		t.Errorf("Authorize() error = %v, want ErrRedirectURINotAllowed", err)
	}
}

func TestServer_Authorize_BadResponseType(t *testing.T) {
	server, _ := testServer(t)

	_, err := server.Authorize(context.Background(), "token", testClientID, testRedirectURI, testState)
	if err == nil {
		t.Fatal("Authorize() with response_type=token should return error")
	}
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != ErrorCodeInvalidRequest {
		t.Errorf("Authorize() error = %v, want invalid_request", err)
	}
}

func TestServer_Authorize_DistinctKeys(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	// Two concurrent authorizations from the same client must not collide.
	key1, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, "state-1")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	key2, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, "state-2")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if key1 == key2 {
		t.Error("two authorizations share one transaction key")
	}
}

func TestServer_AuthorizeWithState(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	authKey, err := server.AuthorizeWithState(ctx, "code", testClientID, testRedirectURI, testState)
	if err != nil {
		t.Fatalf("AuthorizeWithState() error = %v", err)
	}
	if authKey != testState {
		t.Errorf("auth key = %q, want the state %q", authKey, testState)
	}

	// Reusing a pending state must fail instead of overwriting.
	_, err = server.AuthorizeWithState(ctx, "code", testClientID, testRedirectURI, testState)
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Errorf("second AuthorizeWithState() error = %v, want ErrDuplicateTransaction", err)
	}
}

func TestServer_AuthorizeWithState_RequiresState(t *testing.T) {
	server, _ := testServer(t)

	_, err := server.AuthorizeWithState(context.Background(), "code", testClientID, testRedirectURI, "")
	if err == nil {
		t.Error("AuthorizeWithState() with empty state should return error")
	}
}

// ============================================================
// Login
// ============================================================

func TestServer_Login(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	authKey, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, testState)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	redirect, err := server.Login(ctx, authKey, testUsername, testPassword)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("invalid redirect %q: %v", redirect, err)
	}
	if !strings.HasPrefix(redirect, testRedirectURI) {
		t.Errorf("redirect %q does not target %q", redirect, testRedirectURI)
	}
	if u.Query().Get("code") == "" {
		t.Error("redirect carries no code")
	}
	if got := u.Query().Get("state"); got != testState {
		t.Errorf("redirect state = %q, want %q", got, testState)
	}
}

func TestServer_Login_WrongPassword(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	authKey, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, testState)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if _, err := server.Login(ctx, authKey, testUsername, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login() error = %v, want ErrInvalidCredentials", err)
	}

	// A failed attempt must leave the transaction pending for a retry.
	if _, err := server.Login(ctx, authKey, testUsername, testPassword); err != nil {
		t.Errorf("Login() retry after failure error = %v", err)
	}
}

func TestServer_Login_UnknownUser(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	authKey, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, testState)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	// Unknown username and wrong password are the same error.
	if _, err := server.Login(ctx, authKey, "nonexistent", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestServer_Login_ExpiredTransaction(t *testing.T) {
	server, store := testServer(t)
	ctx := context.Background()

	clock := testutil.NewMockClock(time.Now())
	store.SetClock(clock.Now)

	authKey, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, testState)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	clock.Advance(11 * time.Minute)

	if _, err := server.Login(ctx, authKey, testUsername, testPassword); !errors.Is(err, ErrTransactionExpired) {
		t.Errorf("Login() after expiry error = %v, want ErrTransactionExpired", err)
	}
}

func TestServer_Login_UnknownKey(t *testing.T) {
	server, _ := testServer(t)

	if _, err := server.Login(context.Background(), "nonexistent", testUsername, testPassword); !errors.Is(err, ErrTransactionExpired) {
		t.Errorf("Login() error = %v, want ErrTransactionExpired", err)
	}
}

func TestServer_Login_ConsumesTransaction(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	authKey, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, testState)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if _, err := server.Login(ctx, authKey, testUsername, testPassword); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	// The transaction is spent; a second login must restart the flow.
	if _, err := server.Login(ctx, authKey, testUsername, testPassword); !errors.Is(err, ErrTransactionExpired) {
		t.Errorf("second Login() error = %v, want ErrTransactionExpired", err)
	}
}

// ============================================================
// Signup
// ============================================================

func TestServer_Signup(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	authKey, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, testState)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	redirect, err := server.Signup(ctx, authKey, "bob", "bob@example.com", "bobs-password")
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	code := extractCode(t, redirect)

	// The code must exchange for the new account.
	pair, err := server.Exchange(ctx, testClientID, testClientSecret, code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if pair.AccessToken == "" {
		t.Error("Exchange() returned empty access token")
	}
}

func TestServer_Signup_DuplicateUsername(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	authKey, err := server.Authorize(ctx, "code", testClientID, testRedirectURI, testState)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if _, err := server.Signup(ctx, authKey, testUsername, "new@example.com", "pw"); !errors.Is(err, users.ErrNonUnique) {
		t.Fatalf("Signup() error = %v, want users.ErrNonUnique", err)
	}

	// The collision leaves the transaction pending; signup under a fresh
	// name succeeds.
	if _, err := server.Signup(ctx, authKey, "bob", "bob@example.com", "pw"); err != nil {
		t.Errorf("Signup() retry error = %v", err)
	}
}

// ============================================================
// Exchange
// ============================================================

func TestServer_Exchange(t *testing.T) {
	server, store := testServer(t)
	ctx := context.Background()

	code := authorizeAndLogin(t, server)

	pair, err := server.Exchange(ctx, testClientID, testClientSecret, code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("Exchange() returned empty tokens")
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", pair.TokenType, "Bearer")
	}

	// The refresh token is live and the code is spent.
	active, err := server.RefreshTokenActive(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokenActive() error = %v", err)
	}
	if !active {
		t.Error("issued refresh token is not live")
	}
	if _, err := store.Get(ctx, storage.KindAuthCode, code); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("code still stored after exchange: %v", err)
	}
}

func TestServer_Exchange_SingleUse(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	code := authorizeAndLogin(t, server)

	if _, err := server.Exchange(ctx, testClientID, testClientSecret, code); err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if _, err := server.Exchange(ctx, testClientID, testClientSecret, code); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("second Exchange() error = %v, want ErrCodeExpired", err)
	}
}

func TestServer_Exchange_SingleWinner(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	code := authorizeAndLogin(t, server)

	const workers = 20
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := server.Exchange(ctx, testClientID, testClientSecret, code)
			if err == nil {
				successes <- struct{}{}
			} else if !errors.Is(err, ErrCodeExpired) {
				t.Errorf("Exchange() error = %v", err)
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("concurrent Exchange() succeeded %d times, want exactly 1", count)
	}
}

func TestServer_Exchange_WrongClientConsumesCode(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	// Register a second client sharing no codes with the first.
	registry := server.clients.(*clients.MemoryRegistry)
	if err := registry.Add(testutil.NewTestClient(t, "globex", "globex-secret", "https://globex.example/cb")); err != nil {
		t.Fatalf("failed to register client: %v", err)
	}

	code := authorizeAndLogin(t, server)

	if _, err := server.Exchange(ctx, "globex", "globex-secret", code); !errors.Is(err, ErrClientMismatch) {
		t.Fatalf("Exchange() by wrong client error = %v, want ErrClientMismatch", err)
	}

	// The mismatch consumed the code; even the rightful client cannot use it.
	if _, err := server.Exchange(ctx, testClientID, testClientSecret, code); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("Exchange() after mismatch error = %v, want ErrCodeExpired", err)
	}
}

func TestServer_Exchange_BadSecret(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	code := authorizeAndLogin(t, server)

	if _, err := server.Exchange(ctx, testClientID, "wrong-secret", code); !errors.Is(err, ErrSecretMismatch) {
		t.Fatalf("Exchange() with wrong secret error = %v, want ErrSecretMismatch", err)
	}

	// Failed client authentication must not consume the code.
	if _, err := server.Exchange(ctx, testClientID, testClientSecret, code); err != nil {
		t.Errorf("Exchange() after failed auth error = %v", err)
	}
}

func TestServer_Exchange_UnknownClient(t *testing.T) {
	server, _ := testServer(t)

	_, err := server.Exchange(context.Background(), "nonexistent", "secret", "code")
	if !errors.Is(err, ErrClientNotRegistered) {
		t.Errorf("Exchange() error = %v, want ErrClientNotRegistered", err)
	}
}

func TestServer_Exchange_ExpiredCode(t *testing.T) {
	server, store := testServer(t)
	ctx := context.Background()

	clock := testutil.NewMockClock(time.Now())
	store.SetClock(clock.Now)

	code := authorizeAndLogin(t, server)

	clock.Advance(11 * time.Minute)

	if _, err := server.Exchange(ctx, testClientID, testClientSecret, code); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("Exchange() after code expiry error = %v, want ErrCodeExpired", err)
	}
}

// ============================================================
// Refresh
// ============================================================

func TestServer_Refresh(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	code := authorizeAndLogin(t, server)
	pair, err := server.Exchange(ctx, testClientID, testClientSecret, code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	next, err := server.Refresh(ctx, testClientID, testClientSecret, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("Refresh() did not rotate the refresh token")
	}

	// The old token is dead, the new one is live.
	active, err := server.RefreshTokenActive(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokenActive() error = %v", err)
	}
	if active {
		t.Error("old refresh token still live after rotation")
	}
	active, err = server.RefreshTokenActive(ctx, next.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokenActive() error = %v", err)
	}
	if !active {
		t.Error("new refresh token not live after rotation")
	}
}

func TestServer_Refresh_OldTokenRejected(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	code := authorizeAndLogin(t, server)
	pair, err := server.Exchange(ctx, testClientID, testClientSecret, code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if _, err := server.Refresh(ctx, testClientID, testClientSecret, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	// Replaying the rotated-out token fails.
	if _, err := server.Refresh(ctx, testClientID, testClientSecret, pair.RefreshToken); !errors.Is(err, ErrTokenNotLive) {
		t.Errorf("Refresh() with rotated token error = %v, want ErrTokenNotLive", err)
	}
}

func TestServer_Refresh_SingleWinner(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	code := authorizeAndLogin(t, server)
	pair, err := server.Exchange(ctx, testClientID, testClientSecret, code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := server.Refresh(ctx, testClientID, testClientSecret, pair.RefreshToken)
			if err == nil {
				successes <- struct{}{}
			} else if !errors.Is(err, ErrTokenNotLive) {
				t.Errorf("Refresh() error = %v", err)
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("concurrent Refresh() succeeded %d times, want exactly 1", count)
	}
}

func TestServer_Refresh_WrongClient(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	registry := server.clients.(*clients.MemoryRegistry)
	if err := registry.Add(testutil.NewTestClient(t, "globex", "globex-secret", "https://globex.example/cb")); err != nil {
		t.Fatalf("failed to register client: %v", err)
	}

	code := authorizeAndLogin(t, server)
	pair, err := server.Exchange(ctx, testClientID, testClientSecret, code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if _, err := server.Refresh(ctx, "globex", "globex-secret", pair.RefreshToken); !errors.Is(err, ErrClientMismatch) {
		t.Errorf("Refresh() by wrong client error = %v, want ErrClientMismatch", err)
	}
}

func TestServer_Refresh_UnknownToken(t *testing.T) {
	server, _ := testServer(t)

	_, err := server.Refresh(context.Background(), testClientID, testClientSecret, "not-a-live-token")
	if !errors.Is(err, ErrTokenNotLive) {
		t.Errorf("Refresh() error = %v, want ErrTokenNotLive", err)
	}
}

func TestServer_Refresh_ForgedToken(t *testing.T) {
	server, store := testServer(t)
	ctx := context.Background()

	// A marker planted for a token this issuer never signed must still be
	// rejected, and the marker must be consumed in the process.
	forged := "forged.token.value"
	if err := store.Put(ctx, storage.KindRefreshToken, forged, storage.Record{}, time.Hour); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := server.Refresh(ctx, testClientID, testClientSecret, forged); !errors.Is(err, ErrTokenNotLive) {
		t.Fatalf("Refresh() with forged token error = %v, want ErrTokenNotLive", err)
	}

	active, err := server.RefreshTokenActive(ctx, forged)
	if err != nil {
		t.Fatalf("RefreshTokenActive() error = %v", err)
	}
	if active {
		t.Error("forged token marker survived the rejected refresh")
	}
}

// ============================================================
// Revoke
// ============================================================

func TestServer_Revoke(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	code := authorizeAndLogin(t, server)
	pair, err := server.Exchange(ctx, testClientID, testClientSecret, code)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if err := server.Revoke(ctx, testClientID, testClientSecret, pair.RefreshToken); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	if _, err := server.Refresh(ctx, testClientID, testClientSecret, pair.RefreshToken); !errors.Is(err, ErrTokenNotLive) {
		t.Errorf("Refresh() after revocation error = %v, want ErrTokenNotLive", err)
	}
}

func TestServer_Revoke_UnknownToken(t *testing.T) {
	server, _ := testServer(t)

	// Revoking an unknown token is not an error.
	if err := server.Revoke(context.Background(), testClientID, testClientSecret, "nonexistent"); err != nil {
		t.Errorf("Revoke() for unknown token error = %v", err)
	}
}

func TestServer_Revoke_BadSecret(t *testing.T) {
	server, _ := testServer(t)

	err := server.Revoke(context.Background(), testClientID, "wrong-secret", "whatever")
	if !errors.Is(err, ErrSecretMismatch) {
		t.Errorf("Revoke() with wrong secret error = %v, want ErrSecretMismatch", err)
	}
}

// ============================================================
// NewServer
// ============================================================

func TestNewServer_Validation(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	registry := clients.NewMemoryRegistry()
	userStore := users.NewMemoryStore()
	access, refresh := testutil.SigningKeys()
	config := &Config{AccessTokenKey: access, RefreshTokenKey: refresh}

	if _, err := NewServer(nil, registry, userStore, config, nil); err == nil {
		t.Error("NewServer() with nil store should return error")
	}
	if _, err := NewServer(store, nil, userStore, config, nil); err == nil {
		t.Error("NewServer() with nil registry should return error")
	}
	if _, err := NewServer(store, registry, nil, config, nil); err == nil {
		t.Error("NewServer() with nil user store should return error")
	}
	if _, err := NewServer(store, registry, userStore, &Config{}, nil); err == nil {
		t.Error("NewServer() without signing keys should return error")
	}
	if _, err := NewServer(store, registry, userStore, &Config{
		AccessTokenKey:  access,
		RefreshTokenKey: access,
	}, nil); err == nil {
		t.Error("NewServer() with identical signing keys should return error")
	}
}
