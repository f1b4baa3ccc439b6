// Package recipient resolves participant exports into the candidate set for
// a dispatch run.
package recipient

import (
	"context"
	"strings"
)

type ApprovalState string

const (
	StatePending  ApprovalState = "pending"
	StateApproved ApprovalState = "approved"
	StateRejected ApprovalState = "rejected"
)

// ParseApprovalState normalizes free-form status text. Unknown values are
// pending so they are never sent to.
func ParseApprovalState(value string) ApprovalState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approved", "accepted", "confirmed":
		return StateApproved
	case "rejected", "declined", "denied":
		return StateRejected
	default:
		return StatePending
	}
}

// Record is a participant as seen by a dispatch run.
type Record struct {
	ID             string        `json:"id"`
	DisplayName    string        `json:"display_name"`
	ContactAddress string        `json:"contact_address"`
	ApprovalState  ApprovalState `json:"approval_state"`
}

// FirstName returns the first word of the display name, for greetings.
func (r Record) FirstName() string {
	fields := strings.Fields(r.DisplayName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Directory is the roster collaborator. Implementations return every
// participant, in a stable order, regardless of approval state.
type Directory interface {
	Recipients(ctx context.Context) ([]Record, error)
}
