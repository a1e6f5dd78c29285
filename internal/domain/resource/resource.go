// Package resource defines the read-side views of the resources whose
// mutations the gateway broadcasts.
package resource

import (
	"encoding/json"
	"time"
)

// Announcement is a company-wide (nil DepartmentID) or department notice.
type Announcement struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	CreatorID      int64     `json:"creator_id"`
	CreatorName    string    `json:"creator_name"`
	DepartmentID   *int64    `json:"department_id"`
	DepartmentName *string   `json:"department_name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Amenity is a feature attached to a space.
type Amenity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// Space is a bookable room or desk with optional availability for a
// requested window.
type Space struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Capacity     int             `json:"capacity"`
	Location     *string         `json:"location"`
	OpeningHours json.RawMessage `json:"opening_hours,omitempty"`
	MaxDuration  *int            `json:"max_duration"`
	Status       string          `json:"status"`
	Amenities    []Amenity       `json:"amenities"`
	IsAvailable  bool            `json:"is_available"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Booking is a reservation of a space by a user.
type Booking struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	SpaceID      int64      `json:"space_id"`
	DepartmentID *int64     `json:"department_id,omitempty"`
	Status       string     `json:"status"`
	StartAt      time.Time  `json:"start_at"`
	EndAt        time.Time  `json:"end_at"`
	CheckinCode  string     `json:"checkin_code,omitempty"`
	CheckinAt    *time.Time `json:"checkin_at"`
	CheckoutAt   *time.Time `json:"checkout_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AnnouncementScope selects which announcements a reader sees.
// All overrides DepartmentID; a nil DepartmentID yields company-wide only.
type AnnouncementScope struct {
	All          bool
	DepartmentID *int64
}
