package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	drotel "github.com/Strob0t/DeskRelay/internal/adapter/otel"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
	"github.com/Strob0t/DeskRelay/internal/domain/resource"
	"github.com/Strob0t/DeskRelay/internal/port/cache"
	"github.com/Strob0t/DeskRelay/internal/port/readmodel"
	"github.com/Strob0t/DeskRelay/internal/resilience"
)

// SpacesData is the body of spaces_data.
type SpacesData struct {
	Spaces  []resource.Space     `json:"spaces"`
	Count   int                  `json:"count"`
	Filters resource.SpaceFilter `json:"filters"`
}

// BookingsData is the body of bookings_data.
type BookingsData struct {
	Bookings []resource.Booking `json:"bookings"`
	Count    int                `json:"count"`
}

// AnnouncementsData is the body of announcements_initial.
type AnnouncementsData struct {
	Announcements []resource.Announcement `json:"announcements"`
	Count         int                     `json:"count"`
}

// Queries answers the get_* requests from the read model. Results are
// cached under keys carrying a per-channel epoch that lives in the cache
// itself, so replicas sharing a cache agree on it. Invalidate replaces the
// epoch and every earlier snapshot of that channel is bypassed.
type Queries struct {
	store   readmodel.Store
	breaker *resilience.Breaker
	cache   cache.Cache
	ttl     time.Duration
	metrics *drotel.Metrics

	group singleflight.Group
	gens  map[channel.Name]*atomic.Uint64
}

// NewQueries creates a Queries service. c and metrics may be nil.
func NewQueries(store readmodel.Store, breaker *resilience.Breaker, c cache.Cache, ttl time.Duration, metrics *drotel.Metrics) *Queries {
	q := &Queries{
		store:   store,
		breaker: breaker,
		cache:   c,
		ttl:     ttl,
		metrics: metrics,
		gens:    make(map[channel.Name]*atomic.Uint64),
	}
	for _, ch := range channel.All() {
		q.gens[ch] = &atomic.Uint64{}
	}
	return q
}

// Invalidate marks every cached snapshot of ch stale.
func (q *Queries) Invalidate(ch channel.Name) {
	g, ok := q.gens[ch]
	if !ok {
		return
	}
	g.Add(1)
	if q.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	key := epochKey(ch)
	if err := q.cache.Set(ctx, key, []byte(uuid.NewString()), q.ttl); err != nil {
		slog.Warn("snapshot epoch rotate failed", "channel", ch, "error", err)
		if err := q.cache.Delete(ctx, key); err != nil {
			slog.Error("snapshot epoch delete failed", "channel", ch, "error", err)
		}
	}
}

// Generation returns how many times this process invalidated ch.
func (q *Queries) Generation(ch channel.Name) uint64 {
	if g, ok := q.gens[ch]; ok {
		return g.Load()
	}
	return 0
}

// Spaces lists every space; a complete filter also computes availability
// for the requested window. Partial filters are ignored.
func (q *Queries) Spaces(ctx context.Context, f resource.SpaceFilter) (SpacesData, error) {
	w, ok, err := f.Window()
	if err != nil {
		return SpacesData{}, err
	}
	var window *resource.Window
	if ok {
		window = &w
	}

	spaces, err := load(ctx, q, channel.Spaces, "spaces", f.Key(), func(ctx context.Context) ([]resource.Space, error) {
		return q.store.ListSpaces(ctx, window)
	})
	if err != nil {
		return SpacesData{}, err
	}
	return SpacesData{Spaces: spaces, Count: len(spaces), Filters: f}, nil
}

// Bookings lists the bookings id may see: the whole department for a
// manager with a department, otherwise the user's own.
func (q *Queries) Bookings(ctx context.Context, id identity.Identity) (BookingsData, error) {
	var (
		key   string
		fetch func(context.Context) ([]resource.Booking, error)
	)
	if id.Role == identity.RoleManager && id.DepartmentID != nil {
		dept := *id.DepartmentID
		key = fmt.Sprintf("dept:%d", dept)
		fetch = func(ctx context.Context) ([]resource.Booking, error) {
			return q.store.ListBookingsByDepartment(ctx, dept)
		}
	} else {
		key = fmt.Sprintf("user:%d", id.UserID)
		fetch = func(ctx context.Context) ([]resource.Booking, error) {
			return q.store.ListBookingsByUser(ctx, id.UserID)
		}
	}

	bookings, err := load(ctx, q, channel.Bookings, "bookings", key, fetch)
	if err != nil {
		return BookingsData{}, err
	}
	return BookingsData{Bookings: bookings, Count: len(bookings)}, nil
}

// Announcements lists the announcements id may see: all of them for a
// superadmin, company-wide plus the own department's otherwise.
func (q *Queries) Announcements(ctx context.Context, id identity.Identity) (AnnouncementsData, error) {
	scope := resource.AnnouncementScope{DepartmentID: id.DepartmentID}
	key := "company"
	switch {
	case id.Role == identity.RoleSuperadmin:
		scope = resource.AnnouncementScope{All: true}
		key = "all"
	case id.DepartmentID != nil:
		key = fmt.Sprintf("dept:%d", *id.DepartmentID)
	}

	anns, err := load(ctx, q, channel.Announcements, "announcements", key, func(ctx context.Context) ([]resource.Announcement, error) {
		return q.store.ListAnnouncements(ctx, scope)
	})
	if err != nil {
		return AnnouncementsData{}, err
	}
	return AnnouncementsData{Announcements: anns, Count: len(anns)}, nil
}

const invalidateTimeout = 2 * time.Second

func epochKey(ch channel.Name) string { return string(ch) + ":epoch" }

// epoch returns the current snapshot epoch of ch, minting one when the cache
// holds none. ok is false when the cache cannot be used.
func (q *Queries) epoch(ctx context.Context, ch channel.Name) (string, bool) {
	key := epochKey(ch)
	raw, ok, err := q.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("snapshot epoch get failed", "channel", ch, "error", err)
		return "", false
	}
	if ok && len(raw) > 0 {
		return string(raw), true
	}
	e := uuid.NewString()
	if err := q.cache.Set(ctx, key, []byte(e), q.ttl); err != nil {
		slog.Warn("snapshot epoch set failed", "channel", ch, "error", err)
		return "", false
	}
	return e, true
}

// load serves a snapshot from cache or fetches it through the breaker.
// Concurrent misses for the same key share one fetch.
func load[T any](ctx context.Context, q *Queries, ch channel.Name, name, key string, fetch func(context.Context) ([]T, error)) ([]T, error) {
	ctx, span := drotel.StartQuerySpan(ctx, name, key)
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("query", name))

	useCache := q.cache != nil
	cacheKey := string(ch) + "::" + key
	if useCache {
		e, ok := q.epoch(ctx, ch)
		useCache = ok
		cacheKey = fmt.Sprintf("%s:%s:%s", ch, e, key)
	}

	if useCache {
		if raw, ok, err := q.cache.Get(ctx, cacheKey); err != nil {
			slog.Warn("snapshot cache get failed", "key", cacheKey, "error", err)
		} else if ok {
			var out []T
			if err := json.Unmarshal(raw, &out); err == nil {
				if q.metrics != nil {
					q.metrics.SnapshotCacheHits.Add(ctx, 1, attrs)
				}
				return out, nil
			}
			slog.Warn("snapshot cache entry corrupt", "key", cacheKey)
		}
		if q.metrics != nil {
			q.metrics.SnapshotCacheMiss.Add(ctx, 1, attrs)
		}
	}

	v, err, _ := q.group.Do(cacheKey, func() (any, error) {
		start := time.Now()
		var out []T
		err := q.breaker.Do(ctx, func(ctx context.Context) error {
			var ferr error
			out, ferr = fetch(ctx)
			return ferr
		})
		if q.metrics != nil {
			q.metrics.QueryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil {
			return nil, fmt.Errorf("%s query: %w", name, err)
		}
		if out == nil {
			out = []T{}
		}
		if useCache {
			if raw, err := json.Marshal(out); err == nil {
				if err := q.cache.Set(ctx, cacheKey, raw, q.ttl); err != nil {
					slog.Warn("snapshot cache set failed", "key", cacheKey, "error", err)
				}
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]T), nil
}
