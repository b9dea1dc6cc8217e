package domain

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned by RecordStore.Get when no record exists
// for the resource. Callers treat it exactly like an expired record.
var ErrRecordNotFound = errors.New("session record not found")

// RecordStore is the shared persistent store holding one SessionRecord
// per resource. Implementations must store and load whole records;
// partial updates are not part of the contract. An unparsable stored
// record is reported as a RecordCorrupt error, never a panic.
type RecordStore interface {
	// Get loads the record for resourceID. Returns ErrRecordNotFound when
	// absent. Expiry is judged by the caller, not the store: a physically
	// present but expired record is still returned.
	Get(ctx context.Context, resourceID string) (*SessionRecord, error)
	// Put writes a complete record, replacing any previous one.
	Put(ctx context.Context, record *SessionRecord) error
	// Delete removes the record for a single resource.
	Delete(ctx context.Context, resourceID string) error
	// Clear removes every session record, used on full logout.
	Clear(ctx context.Context) error
}

// Subscription is an open handle on a resource-scoped broadcast channel.
type Subscription interface {
	Close() error
}

// Broadcaster is the shared ephemeral bus. Delivery is at-most-once and
// may be reordered or dropped; it only shortens convergence latency.
// Correctness is always backstopped by each context's own tick against
// the RecordStore.
type Broadcaster interface {
	// Publish sends an event to every open context subscribed to the
	// event's resource, including the publishing one.
	Publish(ctx context.Context, event *LifecycleEvent) error
	// Subscribe registers handler on the channel scoped to resourceID.
	// Channel identity is per resource, so cross-resource leakage is
	// impossible by construction.
	Subscribe(ctx context.Context, resourceID string, handler func(*LifecycleEvent)) (Subscription, error)
}

// Grant is what the external auth collaborator returns for a valid
// password. The token is opaque to the engine.
type Grant struct {
	SessionToken    string
	TimeoutDuration time.Duration
}

// Validator is the external auth collaborator's interface: it exchanges a
// resource password for a grant. Failures that permit a retry (wrong
// password, transient network error) are reported as an AuthError.
type Validator interface {
	Validate(ctx context.Context, resourceID, password string) (*Grant, error)
}
