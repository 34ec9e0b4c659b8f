// Package storage defines the ephemeral record store used for transient
// authorization state: pending transactions, authorization codes, and live
// refresh-token markers. Records are keyed, namespaced by kind, and always
// carry a TTL. Backends must provide the atomic primitives (PutIfAbsent,
// TakeAndDelete) that make single-use consumption safe across concurrent
// requests and across server processes.
package storage

import (
	"context"
	"errors"
	"time"
)

// Kind namespaces record keys so different record types never collide in a
// shared backing store.
type Kind string

const (
	// KindAuthInfo holds pending authorization transactions.
	KindAuthInfo Kind = "auth_info"

	// KindAuthCode holds issued, not-yet-exchanged authorization codes.
	KindAuthCode Kind = "auth_code"

	// KindRefreshToken holds existence markers for live refresh tokens.
	KindRefreshToken Kind = "refresh_token"
)

// Key returns the namespaced storage key for an identifier.
func (k Kind) Key(id string) string {
	return string(k) + ":" + id
}

// Record is a flat field-to-string mapping. Refresh-token markers store an
// empty record; transactions and codes store their fields.
type Record map[string]string

// Clone returns a copy of the record so callers cannot mutate stored state.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

var (
	// ErrNotFound is returned when a record is absent or expired. Expired
	// records are never observed as present.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned by PutIfAbsent when a live record is
	// already stored under the key.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrUnavailable indicates the backing store could not be reached or
	// failed. It is never retried by callers; a timeout is treated the same
	// way.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is the ephemeral record store contract. Implementations must make
// PutIfAbsent and TakeAndDelete atomic with respect to concurrent calls on
// the same key, even when the backing store is shared across processes.
// A TakeAndDelete that observes absence must never be followed by a later
// call on the same key observing the record as present.
type Store interface {
	// Put unconditionally writes the record, overwriting any existing value
	// and resetting its expiry. Callers use it when they generated the key
	// themselves and collision is negligible.
	Put(ctx context.Context, kind Kind, id string, rec Record, ttl time.Duration) error

	// PutIfAbsent writes the record only if no live record exists under the
	// key, returning ErrAlreadyExists otherwise. Used for client-supplied
	// keys where a duplicate must be rejected, not overwritten.
	PutIfAbsent(ctx context.Context, kind Kind, id string, rec Record, ttl time.Duration) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, kind Kind, id string) (Record, error)

	// TakeAndDelete atomically reads and removes the record, guaranteeing it
	// is consumed by exactly one caller. Returns ErrNotFound when the record
	// is absent, expired, or already consumed.
	TakeAndDelete(ctx context.Context, kind Kind, id string) (Record, error)

	// Exists reports whether a live record is stored under the key.
	Exists(ctx context.Context, kind Kind, id string) (bool, error)

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, kind Kind, id string) error
}
