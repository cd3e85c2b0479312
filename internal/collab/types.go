// Package collab holds the shared collaboration state for plans: who is
// currently viewing a plan and which elements are being edited. Entries
// expire on their own when heartbeats stop arriving.
package collab

import "time"

// ElementType identifies the kind of plan element an editing lock refers to.
type ElementType string

const (
	ElementEvent  ElementType = "event"
	ElementBranch ElementType = "branch"
	ElementPlan   ElementType = "plan"
)

func (t ElementType) Valid() bool {
	switch t {
	case ElementEvent, ElementBranch, ElementPlan:
		return true
	}
	return false
}

// PresenceEntry records that a user is actively viewing a plan. It is
// refreshed by heartbeats and disappears when the TTL lapses.
type PresenceEntry struct {
	PlanID       string    `json:"planId"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// EditingLock is an advisory marker that a user is editing one element of a
// plan. It is not a mutual-exclusion lock: any client may overwrite it, and
// consumers must treat it as a UI hint only.
type EditingLock struct {
	PlanID      string      `json:"planId"`
	ElementID   string      `json:"elementId"`
	UserID      string      `json:"userId"`
	ElementType ElementType `json:"elementType"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Snapshot is the combined view of a plan's collaboration state. It is the
// only shape ever sent to clients, and is always assembled fresh from the
// store, never cached.
type Snapshot struct {
	ActiveUsers   []PresenceEntry `json:"activeUsers"`
	EditingStates []EditingLock   `json:"editingStates"`
}

// EmptySnapshot returns a snapshot with allocated (non-nil) slices so it
// serializes as empty arrays rather than nulls.
func EmptySnapshot() Snapshot {
	return Snapshot{
		ActiveUsers:   []PresenceEntry{},
		EditingStates: []EditingLock{},
	}
}
