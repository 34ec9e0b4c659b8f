// Package valkey provides a Valkey-backed implementation of the ephemeral
// record store, for deployments where multiple server instances share
// authorization state. Atomicity relies on Valkey primitives: SET NX for
// conditional creation and a Lua script for read-then-delete, so single-use
// consumption holds across processes without in-process locking.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/grantd/grantd/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "grantd:"

	// connectionVerifyTimeout is the timeout for initial connection verification.
	connectionVerifyTimeout = 5 * time.Second
)

// luaTakeAndDelete atomically reads and deletes a key. Returning the value
// and deleting in one script guarantees at most one caller observes it,
// which is what makes authorization codes and refresh-token markers
// single-use under concurrent redemption attempts.
const luaTakeAndDelete = `
local data = redis.call('GET', KEYS[1])
if not data then
    return false
end
redis.call('DEL', KEYS[1])
return data
`

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "grantd:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed ephemeral record store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed store. Returns an error if the connection
// cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// key builds the fully prefixed storage key.
func (s *Store) key(kind storage.Kind, id string) string {
	return s.prefix + kind.Key(id)
}

// Put unconditionally writes the record and resets its expiry.
func (s *Store) Put(ctx context.Context, kind storage.Kind, id string, rec storage.Record, ttl time.Duration) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	key := s.key(kind, id)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(data).Ex(ttl).Build(),
	).Error(); err != nil {
		return unavailable("put", err)
	}

	s.logger.Debug("Saved record", "kind", string(kind))
	return nil
}

// PutIfAbsent writes the record only if no live record exists under the key.
// SET NX is atomic on the server, so only one of any number of concurrent
// callers can succeed.
func (s *Store) PutIfAbsent(ctx context.Context, kind storage.Kind, id string, rec storage.Record, ttl time.Duration) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	key := s.key(kind, id)
	err = s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(data).Nx().Ex(ttl).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			// SET NX replies nil when the key already holds a value.
			return storage.ErrAlreadyExists
		}
		return unavailable("put-if-absent", err)
	}
	return nil
}

// Get returns the record or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, kind storage.Kind, id string) (storage.Record, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(kind, id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, unavailable("get", err)
	}
	return decodeRecord(data)
}

// TakeAndDelete atomically reads and removes the record via a Lua script.
func (s *Store) TakeAndDelete(ctx context.Context, kind storage.Kind, id string) (storage.Record, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTakeAndDelete).
			Numkeys(1).
			Key(s.key(kind, id)).
			Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, unavailable("take-and-delete", err)
	}

	s.logger.Debug("Consumed record", "kind", string(kind))
	return decodeRecord(data)
}

// Exists reports whether a live record is stored under the key.
func (s *Store) Exists(ctx context.Context, kind storage.Kind, id string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.key(kind, id)).Build()).AsInt64()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

// Delete removes the record. Absent records are ignored.
func (s *Store) Delete(ctx context.Context, kind storage.Kind, id string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(kind, id)).Build()).Error(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func encodeRecord(rec storage.Record) (string, error) {
	if rec == nil {
		rec = storage.Record{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(data), nil
}

func decodeRecord(data string) (storage.Record, error) {
	var rec storage.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

// unavailable wraps a backend failure in storage.ErrUnavailable so callers
// can map it to an infrastructure error without inspecting the client error.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", storage.ErrUnavailable, op, err)
}

// isNilError checks if the error indicates a nil/not-found result from
// Valkey. Uses the valkey-go library's built-in nil detection.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
