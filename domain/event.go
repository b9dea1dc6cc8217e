package domain

// EventType tags a lifecycle event carried over the broadcast channel.
type EventType string

const (
	// EventUpdated announces a rewritten record without a new grant.
	EventUpdated EventType = "Updated"
	// EventRevalidated announces a renewed grant with a fresh deadline.
	EventRevalidated EventType = "Revalidated"
	// EventExpired announces that the session's deadline passed.
	EventExpired EventType = "Expired"
	// EventLoggedOut announces a user-initiated termination.
	EventLoggedOut EventType = "LoggedOut"
)

// LifecycleEvent is the transient broadcast message. It is never
// persisted. Events carry the full renewed record where one exists so
// receivers converge by replacement instead of re-querying; that is also
// what makes handlers idempotent under duplication and reordering.
type LifecycleEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	ResourceID string         `json:"resource_id"`
	Record     *SessionRecord `json:"record,omitempty"`
}

// Terminal reports whether the event forces the receiving context into
// the absorbing Terminated state.
func (e *LifecycleEvent) Terminal() bool {
	return e.Type == EventExpired || e.Type == EventLoggedOut
}
