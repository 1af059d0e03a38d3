package model

import "time"

// Outcome classifies an authentication/authorization attempt in the usage log.
type Outcome string

const (
	OutcomeAllowed    Outcome = "allowed"
	OutcomeDenied     Outcome = "denied"
	OutcomeInvalidKey Outcome = "invalid_key"
)

// Rejection reasons recorded alongside an outcome. These stay internal to
// the usage log; callers only ever see the collapsed unauthorized/forbidden
// signals.
const (
	ReasonInvalidFormat    = "invalid_format"
	ReasonUnknownKey       = "unknown_key"
	ReasonBadSecret        = "bad_secret"
	ReasonInactive         = "inactive"
	ReasonExpired          = "expired"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonNoScope          = "insufficient_scope"
)

// UsageEvent records one authenticated (or rejected) call. Events are
// immutable once written. KeyID is a weak reference: deleting a key nulls
// it out but keeps the history row, with KeyIdentifier preserving the
// public identity of the key that made the call.
type UsageEvent struct {
	ID            int64      `json:"id" db:"id"`
	KeyID         *int64     `json:"key_id,omitempty" db:"key_id"`
	KeyIdentifier string     `json:"key_identifier" db:"key_identifier"`
	OccurredAt    time.Time  `json:"occurred_at" db:"occurred_at"`
	ResourceType  string     `json:"resource_type,omitempty" db:"resource_type"`
	Operation     string     `json:"operation,omitempty" db:"operation"`
	Outcome       Outcome    `json:"outcome" db:"outcome"`
	Reason        string     `json:"reason,omitempty" db:"reason"`
	Endpoint      string     `json:"endpoint,omitempty" db:"endpoint"`
	RequestID     string     `json:"request_id,omitempty" db:"request_id"`
}

// UsageFilter narrows ListUsage queries. Zero values mean "no constraint".
type UsageFilter struct {
	KeyIdentifier string
	ResourceType  string
	Outcome       Outcome
	Since         time.Time
	Limit         int
	Offset        int
}
