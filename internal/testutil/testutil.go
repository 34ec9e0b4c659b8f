// Package testutil provides testing utilities and fixtures shared across
// the grantd test suites.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantd/grantd/clients"
	"github.com/grantd/grantd/users"
)

// MockClock provides a controllable time source for deterministic expiry
// tests.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a mock clock starting at the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the current mock time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the mock time forward by the given duration.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set sets the mock time to a specific value.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// HashSecret bcrypt-hashes a secret at minimum cost. Minimum cost keeps the
// suites fast; production hashing uses the default cost.
func HashSecret(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return string(hash)
}

// NewTestClient creates a registered client fixture.
func NewTestClient(t *testing.T, clientID, secret string, redirectURIs ...string) *clients.Client {
	t.Helper()
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"https://client.example/cb"}
	}
	return &clients.Client{
		ClientID:         clientID,
		ClientSecretHash: HashSecret(t, secret),
		RedirectURIs:     redirectURIs,
	}
}

// CreateTestUser stores a user with the given password and returns it.
func CreateTestUser(t *testing.T, store users.Store, username, email, password string) *users.User {
	t.Helper()
	user, err := store.Create(context.Background(), username, email, HashSecret(t, password))
	if err != nil {
		t.Fatalf("failed to create user %q: %v", username, err)
	}
	return user
}

// SigningKeys returns a distinct access/refresh signing key pair for tests.
func SigningKeys() (access, refresh []byte) {
	return []byte("test-access-signing-key-0123456789"),
		[]byte("test-refresh-signing-key-9876543210")
}
