package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/DeskRelay/internal/domain"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
)

func announcement(id int64, dept *int64) channel.Event {
	return channel.Event{
		Channel:    channel.Announcements,
		Kind:       channel.KindCreated,
		ResourceID: id,
		Audience:   channel.Audience{DepartmentID: dept},
		Payload:    json.RawMessage(fmt.Sprintf(`{"id":%d,"title":"notice %d"}`, id, id)),
	}
}

func booking(kind channel.Kind, id, owner int64, dept *int64) channel.Event {
	return channel.Event{
		Channel:    channel.Bookings,
		Kind:       kind,
		ResourceID: id,
		Audience:   channel.Audience{UserID: owner, DepartmentID: dept},
		Payload:    json.RawMessage(fmt.Sprintf(`{"id":%d,"user_id":%d}`, id, owner)),
	}
}

func notifications(p *mockPeer, kind channel.Kind) []Notification {
	var out []Notification
	for _, raw := range p.byEvent(string(kind)) {
		out = append(out, raw.(Notification))
	}
	return out
}

func TestDispatcher_AnnouncementScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, px := h.login(t, channel.Announcements, "tok-a")
	_, py := h.login(t, channel.Announcements, "tok-c")

	if err := h.dispatcher.OnDomainEvent(ctx, announcement(42, nil)); err != nil {
		t.Fatalf("OnDomainEvent: %v", err)
	}
	waitFor(t, "X and Y to receive the announcement", func() bool {
		return len(px.byEvent("created")) == 1 && len(py.byEvent("created")) == 1
	})

	x := notifications(px, channel.KindCreated)[0]
	y := notifications(py, channel.KindCreated)[0]
	if x.Channel != channel.Announcements || string(x.Data) != string(y.Data) {
		t.Fatalf("X got %+v, Y got %+v; want identical announcements payloads", x, y)
	}

	_, pz := h.login(t, channel.Announcements, "tok-s")
	h.settle()
	if n := len(pz.byEvent("created")); n != 0 {
		t.Fatalf("late joiner received %d replayed events", n)
	}
}

func TestDispatcher_NothingBeforeAuthentication(t *testing.T) {
	h := newHarness(t)
	_, pending := h.connect(t, channel.Spaces)
	rejected, prej := h.connect(t, channel.Spaces)
	_, _ = h.auth.Authenticate(context.Background(), rejected, "forged")

	ev := channel.Event{Channel: channel.Spaces, Kind: channel.KindUpdated, ResourceID: 3, Payload: json.RawMessage(`{"id":3}`)}
	if err := h.dispatcher.OnDomainEvent(context.Background(), ev); err != nil {
		t.Fatalf("OnDomainEvent: %v", err)
	}
	h.settle()

	if len(pending.byEvent("updated")) != 0 || len(prej.byEvent("updated")) != 0 {
		t.Fatal("unauthenticated session received a push")
	}
}

func TestDispatcher_BookingVisibility(t *testing.T) {
	h := newHarness(t)
	_, pa := h.login(t, channel.Bookings, "tok-a")
	_, pb := h.login(t, channel.Bookings, "tok-b")
	_, pc := h.login(t, channel.Bookings, "tok-c")
	_, ps := h.login(t, channel.Bookings, "tok-s")

	ctx := context.Background()
	if err := h.dispatcher.OnDomainEvent(ctx, booking(channel.KindCreated, 100, employeeA.UserID, deptID(10))); err != nil {
		t.Fatal(err)
	}
	if err := h.dispatcher.OnDomainEvent(ctx, booking(channel.KindDeleted, 100, employeeA.UserID, deptID(10))); err != nil {
		t.Fatal(err)
	}
	h.settle()

	for name, p := range map[string]*mockPeer{"owner": pa, "manager": pb} {
		if len(p.byEvent("created")) != 1 || len(p.byEvent("deleted")) != 1 {
			t.Errorf("%s frames = %+v, want one created and one deleted", name, p.all())
		}
	}
	for name, p := range map[string]*mockPeer{"other department": pc, "superadmin": ps} {
		if len(p.byEvent("created"))+len(p.byEvent("deleted")) != 0 {
			t.Errorf("%s received a booking it may not see", name)
		}
	}

	del := notifications(pa, channel.KindDeleted)[0]
	if string(del.Data) != `{"id":100}` {
		t.Fatalf("deleted payload = %s, want {\"id\":100}", del.Data)
	}
}

func TestDispatcher_FIFOPerChannel(t *testing.T) {
	h := newHarness(t)
	_, p := h.login(t, channel.Announcements, "tok-a")

	const n = 40
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		if err := h.dispatcher.OnDomainEvent(ctx, announcement(int64(i), nil)); err != nil {
			t.Fatal(err)
		}
	}
	h.settle()

	got := notifications(p, channel.KindCreated)
	if len(got) != n {
		t.Fatalf("received %d events, want %d", len(got), n)
	}
	for i, nt := range got {
		var body struct{ ID int64 }
		if err := json.Unmarshal(nt.Data, &body); err != nil {
			t.Fatal(err)
		}
		if body.ID != int64(i+1) {
			t.Fatalf("event %d has id %d; order not preserved", i, body.ID)
		}
	}
}

func TestDispatcher_PanicIsolatedToChannel(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.visible = func(ev *channel.Event) Predicate {
		if ev.Channel == channel.Announcements {
			return func(identity.Identity) bool { panic("boom") }
		}
		return Visible(ev)
	}
	_, p := h.login(t, "", "tok-a")

	ctx := context.Background()
	_ = h.dispatcher.OnDomainEvent(ctx, announcement(1, nil))
	_ = h.dispatcher.OnDomainEvent(ctx, channel.Event{Channel: channel.Spaces, Kind: channel.KindCreated, ResourceID: 2, Payload: json.RawMessage(`{"id":2}`)})
	_ = h.dispatcher.OnDomainEvent(ctx, announcement(3, nil))
	h.settle()

	got := notifications(p, channel.KindCreated)
	if len(got) != 1 || got[0].Channel != channel.Spaces {
		t.Fatalf("received %+v, want only the spaces event", got)
	}
}

func TestDispatcher_RejectsInvalidEvents(t *testing.T) {
	h := newHarness(t)
	err := h.dispatcher.OnDomainEvent(context.Background(), channel.Event{Channel: channel.Spaces, Kind: "archived", ResourceID: 1})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("OnDomainEvent = %v, want ErrValidation", err)
	}
}

func TestDispatcher_ClosedRejectsEvents(t *testing.T) {
	h := newHarness(t)
	h.settle()
	err := h.dispatcher.OnDomainEvent(context.Background(), announcement(1, nil))
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("OnDomainEvent after Close = %v, want ErrDispatcherClosed", err)
	}
}

func TestDispatcher_FullQueueBlocksUntilContextDone(t *testing.T) {
	d := NewDispatcher(NewRouter(nil), 1, nil)
	defer d.Close()
	// Not started: the queue fills up.
	if err := d.OnDomainEvent(context.Background(), announcement(1, nil)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.OnDomainEvent(ctx, announcement(2, nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("OnDomainEvent on full queue = %v, want DeadlineExceeded", err)
	}
	if d.Pending(channel.Announcements) != 1 {
		t.Fatalf("Pending = %d, want 1", d.Pending(channel.Announcements))
	}
}

func TestDispatcher_InvalidatesSnapshotsBeforeFanout(t *testing.T) {
	h := newHarness(t)
	before := h.queries.Generation(channel.Spaces)
	ev := channel.Event{Channel: channel.Spaces, Kind: channel.KindUpdated, ResourceID: 1, Payload: json.RawMessage(`{"id":1}`)}
	_ = h.dispatcher.OnDomainEvent(context.Background(), ev)
	h.settle()

	if h.queries.Generation(channel.Spaces) != before+1 {
		t.Fatal("spaces generation not bumped")
	}
	if h.queries.Generation(channel.Bookings) != 0 {
		t.Fatal("unrelated channel generation bumped")
	}
}

func TestNotification_WireFormIsResource(t *testing.T) {
	tests := []struct {
		name string
		n    Notification
		want string
	}{
		{"deleted", Notification{Channel: channel.Spaces, Data: json.RawMessage(`{"id":7}`)}, `{"id":7}`},
		{"created", Notification{Channel: channel.Announcements, Data: json.RawMessage(`{"id":1,"title":"Hi"}`)}, `{"id":1,"title":"Hi"}`},
		{"empty", Notification{Channel: channel.Spaces}, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.n)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Fatalf("Marshal = %s, want %s", got, tt.want)
			}
			if tt.n.ScopeChannel() != tt.n.Channel {
				t.Fatalf("ScopeChannel = %q, want %q", tt.n.ScopeChannel(), tt.n.Channel)
			}
		})
	}
}

func TestDispatcher_DeletedPushCarriesOnlyID(t *testing.T) {
	h := newHarness(t)
	_, p := h.login(t, channel.Spaces, "tok-a")

	ev := channel.Event{Channel: channel.Spaces, Kind: channel.KindDeleted, ResourceID: 7, Payload: json.RawMessage(`{"id":7,"name":"Room A"}`)}
	if err := h.dispatcher.OnDomainEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	h.settle()

	got := notifications(p, channel.KindDeleted)
	if len(got) != 1 {
		t.Fatalf("received %d deleted pushes, want 1", len(got))
	}
	raw, err := json.Marshal(got[0])
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.ID != 7 {
		t.Fatalf("client reading data.id gets %d (%v), want 7", body.ID, err)
	}
}

func TestDispatcher_AcceptedEventsSurviveClose(t *testing.T) {
	for round := range 20 {
		h := newHarness(t)
		_, p := h.login(t, channel.Announcements, "tok-s")

		var (
			accepted atomic.Int64
			wg       sync.WaitGroup
		)
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := h.dispatcher.OnDomainEvent(context.Background(), announcement(int64(i+1), nil))
				switch {
				case err == nil:
					accepted.Add(1)
				case !errors.Is(err, ErrDispatcherClosed):
					t.Errorf("OnDomainEvent = %v", err)
				}
			}()
		}
		h.settle()
		wg.Wait()

		if got, want := len(p.byEvent("created")), int(accepted.Load()); got != want {
			t.Fatalf("round %d: delivered %d events, accepted %d", round, got, want)
		}
	}
}

func TestDispatcher_ContextCancelDrainsAndCloses(t *testing.T) {
	router := NewRouter(nil)
	d := NewDispatcher(router, 16, nil)
	var dispatched atomic.Int64
	d.OnDispatch(func(channel.Name) { dispatched.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	for i := range 5 {
		if err := d.OnDomainEvent(context.Background(), announcement(int64(i+1), nil)); err != nil {
			t.Fatal(err)
		}
	}
	cancel()
	d.Close()

	if n := dispatched.Load(); n != 5 {
		t.Fatalf("dispatched %d events after cancel, want 5", n)
	}
	if err := d.OnDomainEvent(context.Background(), announcement(9, nil)); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("OnDomainEvent after cancel = %v, want ErrDispatcherClosed", err)
	}
}
