package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/DeskRelay/internal/domain/resource"
)

// Store implements readmodel.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Announcements ---

const announcementColumns = `a.id, a.title, a.description, a.created_by,
	COALESCE(u.full_name, u.username, ''), a.department_id, d.name, a.created_at, a.updated_at
	FROM announcements a
	LEFT JOIN users u ON u.id = a.created_by
	LEFT JOIN departments d ON d.id = a.department_id`

func (s *Store) ListAnnouncements(ctx context.Context, scope resource.AnnouncementScope) ([]resource.Announcement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+announcementColumns+`
		 WHERE $1 OR a.department_id IS NULL OR a.department_id = $2
		 ORDER BY a.created_at DESC, a.id DESC`, scope.All, scope.DepartmentID)
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	defer rows.Close()

	var out []resource.Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return orEmpty(out), rows.Err()
}

func scanAnnouncement(row scannable) (resource.Announcement, error) {
	var a resource.Announcement
	err := row.Scan(&a.ID, &a.Title, &a.Description, &a.CreatorID, &a.CreatorName,
		&a.DepartmentID, &a.DepartmentName, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return resource.Announcement{}, fmt.Errorf("scan announcement: %w", err)
	}
	return a, nil
}

// --- Spaces ---

// ListSpaces returns every space with its amenities. Without a window every
// space is reported available; with one, a space is available when it is
// not out of service and no active booking overlaps the window.
func (s *Store) ListSpaces(ctx context.Context, window *resource.Window) ([]resource.Space, error) {
	var start, end any
	if window != nil {
		start, end = window.Start, window.End
	}

	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.name, s.type, s.capacity, f.name, s.opening_hours, s.max_duration, s.status,
		        s.created_at, s.updated_at,
		        $1::timestamptz IS NULL OR (
		            s.status = 'available' AND NOT EXISTS (
		                SELECT 1 FROM bookings b
		                WHERE b.space_id = s.id AND b.status = 'active'
		                  AND b.start_at < $2::timestamptz AND b.end_at > $1::timestamptz))
		 FROM spaces s
		 LEFT JOIN floors f ON f.id = s.floor_id
		 ORDER BY s.id`, start, end)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	var spaces []resource.Space
	index := make(map[int64]int)
	for rows.Next() {
		sp, err := scanSpace(rows)
		if err != nil {
			return nil, err
		}
		index[sp.ID] = len(spaces)
		spaces = append(spaces, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	if len(spaces) == 0 {
		return []resource.Space{}, nil
	}

	if err := s.attachAmenities(ctx, spaces, index); err != nil {
		return nil, err
	}
	return spaces, nil
}

func scanSpace(row scannable) (resource.Space, error) {
	var (
		sp    resource.Space
		hours []byte
	)
	err := row.Scan(&sp.ID, &sp.Name, &sp.Type, &sp.Capacity, &sp.Location, &hours,
		&sp.MaxDuration, &sp.Status, &sp.CreatedAt, &sp.UpdatedAt, &sp.IsAvailable)
	if err != nil {
		return resource.Space{}, fmt.Errorf("scan space: %w", err)
	}
	sp.OpeningHours = rawJSON(hours)
	sp.Amenities = []resource.Amenity{}
	return sp, nil
}

func (s *Store) attachAmenities(ctx context.Context, spaces []resource.Space, index map[int64]int) error {
	ids := make([]int64, 0, len(spaces))
	for _, sp := range spaces {
		ids = append(ids, sp.ID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT space_id, id, name, COALESCE(icon, '')
		 FROM amenities WHERE space_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("list amenities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			spaceID int64
			a       resource.Amenity
		)
		if err := rows.Scan(&spaceID, &a.ID, &a.Name, &a.Icon); err != nil {
			return fmt.Errorf("scan amenity: %w", err)
		}
		if i, ok := index[spaceID]; ok {
			spaces[i].Amenities = append(spaces[i].Amenities, a)
		}
	}
	return rows.Err()
}

// --- Bookings ---

const bookingColumns = `b.id, b.user_id, b.space_id, u.department_id, b.status, b.start_at, b.end_at,
	COALESCE(b.checkin_code, ''), b.checkin_at, b.checkout_at, b.created_at, b.updated_at
	FROM bookings b
	JOIN users u ON u.id = b.user_id`

func (s *Store) ListBookingsByUser(ctx context.Context, userID int64) ([]resource.Booking, error) {
	return s.listBookings(ctx, "list bookings by user",
		`SELECT `+bookingColumns+` WHERE b.user_id = $1 ORDER BY b.start_at DESC, b.id DESC`, userID)
}

func (s *Store) ListBookingsByDepartment(ctx context.Context, dept int64) ([]resource.Booking, error) {
	return s.listBookings(ctx, "list bookings by department",
		`SELECT `+bookingColumns+` WHERE u.department_id = $1 ORDER BY b.start_at DESC, b.id DESC`, dept)
}

func (s *Store) listBookings(ctx context.Context, op, query string, arg int64) ([]resource.Booking, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []resource.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return orEmpty(out), rows.Err()
}

func scanBooking(row scannable) (resource.Booking, error) {
	var b resource.Booking
	err := row.Scan(&b.ID, &b.UserID, &b.SpaceID, &b.DepartmentID, &b.Status, &b.StartAt, &b.EndAt,
		&b.CheckinCode, &b.CheckinAt, &b.CheckoutAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return resource.Booking{}, fmt.Errorf("scan booking: %w", err)
	}
	return b, nil
}
