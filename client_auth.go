package grantd

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantd/grantd/clients"
	"github.com/grantd/grantd/storage"
)

// dummySecretHash is a valid bcrypt hash compared against when the client
// does not exist, so the bcrypt comparison always runs and lookup failures
// are not distinguishable from secret mismatches by timing.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// checkRedirectURI verifies the client exists and registered the redirect
// URI. No state is created before this check passes.
func (s *Server) checkRedirectURI(ctx context.Context, clientID, redirectURI string) (*clients.Client, error) {
	client, err := s.clients.FindByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return nil, ErrClientNotRegistered
		}
		return nil, fmt.Errorf("%w: client lookup: %v", storage.ErrUnavailable, err)
	}

	if !client.AllowsRedirectURI(redirectURI) {
		return nil, ErrRedirectURINotAllowed
	}

	return client, nil
}

// checkClientSecret authenticates a client by id and secret. The secret
// comparison runs even when the client is unknown, against a dummy hash, so
// the two failure modes take the same time.
func (s *Server) checkClientSecret(ctx context.Context, clientID, clientSecret string) (*clients.Client, error) {
	client, err := s.clients.FindByClientID(ctx, clientID)
	if err != nil && !errors.Is(err, clients.ErrNotFound) {
		return nil, fmt.Errorf("%w: client lookup: %v", storage.ErrUnavailable, err)
	}

	hashToCompare := dummySecretHash
	if err == nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	compareErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if err != nil {
		return nil, ErrClientNotRegistered
	}
	if compareErr != nil {
		return nil, ErrSecretMismatch
	}

	return client, nil
}
