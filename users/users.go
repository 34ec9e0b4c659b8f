// Package users defines the credential store the authorization server
// authenticates resource owners against, plus the bcrypt helpers used for
// password hashing. The store is an external collaborator to the core flows;
// an in-memory implementation is provided for the daemon and for tests.
package users

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user not found")

	// ErrNonUnique is returned by Create when the username or email is
	// already taken.
	ErrNonUnique = errors.New("username or email already in use")
)

// User is a resource-owner record. The core reads it to build token claims
// and writes it only during signup.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
}

// Store is the credential store contract.
type Store interface {
	// FindByUsername returns the user or ErrNotFound.
	FindByUsername(ctx context.Context, username string) (*User, error)

	// FindByID returns the user or ErrNotFound.
	FindByID(ctx context.Context, id int64) (*User, error)

	// Create stores a new user, failing with ErrNonUnique when the username
	// or email collides with an existing user.
	Create(ctx context.Context, username, email, passwordHash string) (*User, error)
}

// HashPassword hashes a password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether the password matches the stored hash.
// bcrypt comparison is constant-time with respect to the password.
func VerifyPassword(passwordHash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) == nil
}

// MemoryStore is an in-memory credential store.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[int64]*User
	byUsername map[string]*User
	byEmail    map[string]*User
	nextID     int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[int64]*User),
		byUsername: make(map[string]*User),
		byEmail:    make(map[string]*User),
		nextID:     1,
	}
}

// FindByUsername returns the user or ErrNotFound.
func (s *MemoryStore) FindByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byUsername[username]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *u
	return &copy, nil
}

// FindByID returns the user or ErrNotFound.
func (s *MemoryStore) FindByID(_ context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *u
	return &copy, nil
}

// Create stores a new user, assigning the next identifier. Uniqueness of
// username and email is checked under the write lock.
func (s *MemoryStore) Create(_ context.Context, username, email, passwordHash string) (*User, error) {
	if username == "" || email == "" {
		return nil, fmt.Errorf("username and email are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUsername[username]; ok {
		return nil, ErrNonUnique
	}
	if _, ok := s.byEmail[email]; ok {
		return nil, ErrNonUnique
	}

	u := &User{
		ID:           s.nextID,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
	}
	s.nextID++

	s.byID[u.ID] = u
	s.byUsername[u.Username] = u
	s.byEmail[u.Email] = u

	copy := *u
	return &copy, nil
}
