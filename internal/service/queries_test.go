package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/DeskRelay/internal/domain"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
	"github.com/Strob0t/DeskRelay/internal/domain/resource"
	"github.com/Strob0t/DeskRelay/internal/resilience"
)

func strp(s string) *string { return &s }

func TestQueries_SpacesFilter(t *testing.T) {
	tests := []struct {
		name       string
		filter     resource.SpaceFilter
		wantErr    string
		wantWindow bool
	}{
		{name: "no filter"},
		{name: "partial filter ignored", filter: resource.SpaceFilter{Date: strp("2026-03-01")}},
		{
			name:       "complete filter",
			filter:     resource.SpaceFilter{Date: strp("2026-03-01"), StartTime: strp("09:00"), EndTime: strp("10:30")},
			wantWindow: true,
		},
		{
			name:    "bad date",
			filter:  resource.SpaceFilter{Date: strp("01/03/2026"), StartTime: strp("09:00"), EndTime: strp("10:00")},
			wantErr: "Invalid date/time format. Use YYYY-MM-DD for date and HH:MM for time",
		},
		{
			name:    "end before start",
			filter:  resource.SpaceFilter{Date: strp("2026-03-01"), StartTime: strp("11:00"), EndTime: strp("10:00")},
			wantErr: "End time must be after start time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{spaces: []resource.Space{{ID: 1, Name: "Room A"}, {ID: 2, Name: "Desk 4"}}}
			q := NewQueries(store, resilience.NewBreaker(3, time.Minute), nil, time.Minute, nil)

			got, err := q.Spaces(context.Background(), tt.filter)
			if tt.wantErr != "" {
				if !errors.Is(err, domain.ErrValidation) || err.Error() != tt.wantErr {
					t.Fatalf("Spaces error = %v, want validation error %q", err, tt.wantErr)
				}
				if store.count("spaces") != 0 {
					t.Fatal("store queried for invalid filter")
				}
				return
			}
			if err != nil {
				t.Fatalf("Spaces: %v", err)
			}
			if got.Count != 2 || len(got.Spaces) != 2 {
				t.Fatalf("got %d spaces, want 2", got.Count)
			}
			if (store.lastWindow != nil) != tt.wantWindow {
				t.Fatalf("window passed = %v, want %v", store.lastWindow, tt.wantWindow)
			}
			if tt.wantWindow {
				want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
				if !store.lastWindow.Start.Equal(want) || store.lastWindow.End.Sub(store.lastWindow.Start) != 90*time.Minute {
					t.Fatalf("window = %+v", *store.lastWindow)
				}
			}
		})
	}
}

func TestQueries_CachesUntilInvalidated(t *testing.T) {
	store := &mockStore{spaces: []resource.Space{{ID: 1}}}
	q := NewQueries(store, resilience.NewBreaker(3, time.Minute), newMockCache(), time.Minute, nil)
	ctx := context.Background()

	for range 3 {
		if _, err := q.Spaces(ctx, resource.SpaceFilter{}); err != nil {
			t.Fatal(err)
		}
	}
	if n := store.count("spaces"); n != 1 {
		t.Fatalf("store calls = %d, want 1", n)
	}

	q.Invalidate(channel.Bookings)
	if _, err := q.Spaces(ctx, resource.SpaceFilter{}); err != nil {
		t.Fatal(err)
	}
	if n := store.count("spaces"); n != 1 {
		t.Fatalf("unrelated invalidation refetched spaces (calls = %d)", n)
	}

	q.Invalidate(channel.Spaces)
	store.spaces = append(store.spaces, resource.Space{ID: 2})
	got, err := q.Spaces(ctx, resource.SpaceFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if store.count("spaces") != 2 || got.Count != 2 {
		t.Fatalf("after invalidation: calls = %d, count = %d", store.count("spaces"), got.Count)
	}
}

func TestQueries_EmptyResultIsEmptySlice(t *testing.T) {
	q := NewQueries(&mockStore{}, resilience.NewBreaker(3, time.Minute), nil, time.Minute, nil)
	got, err := q.Bookings(context.Background(), employeeA)
	if err != nil {
		t.Fatal(err)
	}
	if got.Bookings == nil || got.Count != 0 {
		t.Fatalf("Bookings = %+v, want empty non-nil slice", got)
	}
}

func TestQueries_BookingsScope(t *testing.T) {
	store := &mockStore{bookings: []resource.Booking{
		{ID: 1, UserID: employeeA.UserID, DepartmentID: deptID(10)},
		{ID: 2, UserID: managerB.UserID, DepartmentID: deptID(10)},
		{ID: 3, UserID: employeeC.UserID, DepartmentID: deptID(20)},
	}}
	q := NewQueries(store, resilience.NewBreaker(3, time.Minute), nil, time.Minute, nil)
	ctx := context.Background()

	own, err := q.Bookings(ctx, employeeA)
	if err != nil {
		t.Fatal(err)
	}
	if own.Count != 1 || own.Bookings[0].ID != 1 {
		t.Fatalf("employee bookings = %+v, want only #1", own.Bookings)
	}

	dept, err := q.Bookings(ctx, managerB)
	if err != nil {
		t.Fatal(err)
	}
	if dept.Count != 2 {
		t.Fatalf("manager bookings = %+v, want department 10", dept.Bookings)
	}
	if store.count("bookings_user") != 1 || store.count("bookings_dept") != 1 {
		t.Fatalf("calls = %v", store.calls)
	}
}

func TestQueries_AnnouncementScope(t *testing.T) {
	store := &mockStore{announcements: []resource.Announcement{
		{ID: 1},
		{ID: 2, DepartmentID: deptID(10)},
		{ID: 3, DepartmentID: deptID(20)},
	}}
	q := NewQueries(store, resilience.NewBreaker(3, time.Minute), nil, time.Minute, nil)

	noDept := managerB
	noDept.DepartmentID = nil

	tests := []struct {
		name string
		id   identity.Identity
		want int
	}{
		{name: "superadmin sees all", id: adminS, want: 3},
		{name: "department member", id: employeeA, want: 2},
		{name: "no department", id: noDept, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := q.Announcements(context.Background(), tt.id)
			if err != nil {
				t.Fatal(err)
			}
			if got.Count != tt.want {
				t.Fatalf("count = %d, want %d (scope %+v)", got.Count, tt.want, store.lastScope)
			}
		})
	}
}

func TestQueries_BreakerOpens(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	q := NewQueries(store, resilience.NewBreaker(2, time.Minute), nil, time.Minute, nil)
	ctx := context.Background()

	for range 2 {
		if _, err := q.Spaces(ctx, resource.SpaceFilter{}); err == nil {
			t.Fatal("expected store error")
		}
	}
	_, err := q.Spaces(ctx, resource.SpaceFilter{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("third call = %v, want ErrCircuitOpen", err)
	}
	if n := store.count("spaces"); n != 2 {
		t.Fatalf("store calls = %d, want 2", n)
	}
}

func TestQueries_ConcurrentMissesShareFetch(t *testing.T) {
	store := &mockStore{spaces: []resource.Space{{ID: 1}}, block: make(chan struct{})}
	q := NewQueries(store, resilience.NewBreaker(3, time.Minute), nil, time.Minute, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Spaces(context.Background(), resource.SpaceFilter{})
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(store.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := store.count("spaces"); n != 1 {
		t.Fatalf("store calls = %d, want 1", n)
	}
}

func TestQueries_ReplicasShareInvalidation(t *testing.T) {
	shared := newMockCache()
	store := &mockStore{spaces: []resource.Space{{ID: 1}}}
	ctx := context.Background()

	a := NewQueries(store, resilience.NewBreaker(3, time.Minute), shared, time.Minute, nil)
	if got, err := a.Spaces(ctx, resource.SpaceFilter{}); err != nil || got.Count != 1 {
		t.Fatalf("replica A Spaces = %+v, %v", got, err)
	}

	store.spaces = append(store.spaces, resource.Space{ID: 2})
	a.Invalidate(channel.Spaces)

	b := NewQueries(store, resilience.NewBreaker(3, time.Minute), shared, time.Minute, nil)
	got, err := b.Spaces(ctx, resource.SpaceFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 2 {
		t.Fatalf("replica B count = %d, want 2", got.Count)
	}

	// A fresh replica reuses a snapshot that is still current.
	c := NewQueries(store, resilience.NewBreaker(3, time.Minute), shared, time.Minute, nil)
	if _, err := c.Spaces(ctx, resource.SpaceFilter{}); err != nil {
		t.Fatal(err)
	}
	if n := store.count("spaces"); n != 2 {
		t.Fatalf("store calls = %d, want 2", n)
	}
}
