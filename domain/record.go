package domain

import "time"

// SessionRecord is the durable control state of one resource's current
// grant. Exactly one authoritative record exists per resource at any
// instant; every writer writes a complete new record rather than patching
// fields, so concurrent writers from sibling contexts stay commutative
// (last write wins).
type SessionRecord struct {
	ResourceID      string        `json:"resource_id" bson:"_id"`
	SessionStart    time.Time     `json:"session_start" bson:"session_start"`
	TimeoutDuration time.Duration `json:"timeout_duration" bson:"timeout_duration"`
	SessionToken    string        `json:"session_token" bson:"session_token"`
	ExpiresAt       time.Time     `json:"expires_at" bson:"expires_at"`
}

// NewSessionRecord builds a complete record for a grant issued at start.
// ExpiresAt is derived here and only here: start plus the timeout of the
// most recent successful validation. No other event may advance it.
func NewSessionRecord(resourceID, token string, timeout time.Duration, start time.Time) *SessionRecord {
	return &SessionRecord{
		ResourceID:      resourceID,
		SessionStart:    start,
		TimeoutDuration: timeout,
		SessionToken:    token,
		ExpiresAt:       start.Add(timeout),
	}
}

// IsExpired reports whether the record is semantically absent: a record
// whose deadline has passed must be treated as expired by every reader,
// regardless of what is physically still stored.
func (r *SessionRecord) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Remaining returns the time left until the deadline, never negative.
func (r *SessionRecord) Remaining(now time.Time) time.Duration {
	if r.IsExpired(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}
