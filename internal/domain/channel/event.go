package channel

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/DeskRelay/internal/domain"
)

// Kind is the mutation a DomainEvent reports.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// Valid reports whether k is one of the three mutation kinds.
func (k Kind) Valid() bool {
	return k == KindCreated || k == KindUpdated || k == KindDeleted
}

// Audience carries the routing attributes of the mutated resource.
// A nil DepartmentID means the resource is company-wide.
type Audience struct {
	UserID       int64  `json:"user_id,omitempty"`
	DepartmentID *int64 `json:"department_id,omitempty"`
}

// Event is a mutation notice produced by the CRUD backend.
// Payload holds the full resource for created/updated and is ignored for
// deleted, whose wire form only carries the resource id.
type Event struct {
	Channel    Name            `json:"channel"`
	Kind       Kind            `json:"kind"`
	ResourceID int64           `json:"resource_id"`
	Audience   Audience        `json:"audience"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Validate checks that the event can be routed.
func (e *Event) Validate() error {
	if !e.Channel.Valid() {
		return domain.Invalid(fmt.Sprintf("unknown channel %q", e.Channel))
	}
	if !e.Kind.Valid() {
		return domain.Invalid(fmt.Sprintf("unknown kind %q", e.Kind))
	}
	if e.ResourceID <= 0 {
		return domain.Invalid("resource_id is required")
	}
	if e.Kind != KindDeleted {
		if len(e.Payload) == 0 || !json.Valid(e.Payload) {
			return domain.Invalid(fmt.Sprintf("%s event requires a JSON payload", e.Kind))
		}
	}
	if e.Channel == Bookings && e.Audience.UserID <= 0 {
		return domain.Invalid("bookings events require audience.user_id")
	}
	return nil
}

// deletedPayload is the wire form of a deleted resource.
type deletedPayload struct {
	ID int64 `json:"id"`
}

// WirePayload returns the body pushed to clients: the resource itself, or
// {"id": N} for deletions.
func (e *Event) WirePayload() (json.RawMessage, error) {
	if e.Kind == KindDeleted {
		b, err := json.Marshal(deletedPayload{ID: e.ResourceID})
		if err != nil {
			return nil, fmt.Errorf("marshal deleted payload: %w", err)
		}
		return b, nil
	}
	return e.Payload, nil
}
