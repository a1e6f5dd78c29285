// Package readmodel defines the port to the resource store that answers the
// gateway's get_* queries.
package readmodel

import (
	"context"

	"github.com/Strob0t/DeskRelay/internal/domain/resource"
)

// Store is the read-only view of the CRUD backend's data.
type Store interface {
	// ListAnnouncements returns announcements visible under scope, newest first.
	ListAnnouncements(ctx context.Context, scope resource.AnnouncementScope) ([]resource.Announcement, error)
	// ListSpaces returns all spaces. When window is non-nil, IsAvailable
	// reflects whether an active booking overlaps it.
	ListSpaces(ctx context.Context, window *resource.Window) ([]resource.Space, error)
	// ListBookingsByUser returns the bookings owned by userID.
	ListBookingsByUser(ctx context.Context, userID int64) ([]resource.Booking, error)
	// ListBookingsByDepartment returns the bookings of every member of dept.
	ListBookingsByDepartment(ctx context.Context, dept int64) ([]resource.Booking, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
