package model

import "time"

// APIKey represents an issued machine-to-machine API key. The raw secret is
// never stored; only its SHA-256 hash and the non-secret identifier used for
// lookup are persisted.
type APIKey struct {
	ID         int64      `json:"id" db:"id"`
	Identifier string     `json:"identifier" db:"identifier"` // non-secret lookup token, embedded in the key string
	Prefix     string     `json:"prefix" db:"prefix"`         // key prefix at issuance time
	SecretHash string     `json:"-" db:"secret_hash"`         // SHA-256 hash, never expose
	Owner      string     `json:"owner" db:"owner"`           // account the key acts on behalf of
	Label      string     `json:"label" db:"label"`           // human-readable label
	IsActive   bool       `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsed   *time.Time `json:"last_used,omitempty" db:"last_used"`
}

// Expired reports whether the key is past its expiry. Keys without an
// expiry never expire.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Usable reports whether the key may authenticate right now: it must be
// active and not expired.
func (k *APIKey) Usable(now time.Time) bool {
	return k.IsActive && !k.Expired(now)
}

// DisplayName returns the public portion of the key string
// (prefix_identifier), safe to show in listings and logs.
func (k *APIKey) DisplayName() string {
	return k.Prefix + "_" + k.Identifier
}
