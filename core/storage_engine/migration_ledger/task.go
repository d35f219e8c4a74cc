// Package migrationledger durably tracks every hot-to-cold migration task.
// It is the only record of how far a key's migration has progressed and is
// what the tiering engine resumes from after a crash.
package migrationledger

import (
	"errors"
	"time"
)

// State is a migration task's position in its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateCopied     State = "copied"
	StateVerified   State = "verified"
	StateHotDeleted State = "hot_deleted" // terminal: record now lives only in cold
	StateFailed     State = "failed"      // terminal until manually reset: quarantined
	StateCancelled  State = "cancelled"   // terminal: record deleted while migrating
)

var (
	ErrTaskNotFound      = errors.New("migration task not found")
	ErrClaimLost         = errors.New("migration task claimed by another worker or no longer runnable")
	ErrIllegalTransition = errors.New("illegal migration state transition")
	ErrNotQuarantined    = errors.New("migration task is not quarantined")
)

// Active reports whether the task still expects work from the engine.
func (s State) Active() bool {
	return s == StatePending || s == StateCopied || s == StateVerified
}

// Terminal reports whether no automatic transition leaves s.
func (s State) Terminal() bool {
	return s == StateHotDeleted || s == StateFailed || s == StateCancelled
}

// CanAdvanceTo encodes the success path. HotDeleted is reachable only from
// Verified, which is what keeps a hot copy alive until its cold copy checks out.
func (s State) CanAdvanceTo(to State) bool {
	switch s {
	case StatePending:
		return to == StateCopied
	case StateCopied:
		return to == StateVerified
	case StateVerified:
		return to == StateHotDeleted
	}
	return false
}

// Task is one record's migration from the hot tier to the cold tier.
type Task struct {
	Key           string    `json:"key"`
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	Owner         string    `json:"owner,omitempty"`
	LeaseUntil    time.Time `json:"lease_until,omitempty"`
	// SizeBytes and Checksum describe the payload as read from hot at Copy time.
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

// Transition is a compare-and-set advance of one task along the success path.
type Transition struct {
	Key   string
	Owner string
	From  State
	To    State
	Now   time.Time
	// SizeBytes and Checksum are recorded when non-zero.
	SizeBytes int64
	Checksum  string
}
