package eventsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake remote service
// ============================================================================

type fakeServer struct {
	mu         sync.Mutex
	events     map[string]Event
	users      map[string]User
	nextID     int
	failTitles map[string]bool
	eventGets  map[string]int

	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		events:     make(map[string]Event),
		users:      make(map[string]User),
		failTitles: make(map[string]bool),
		eventGets:  make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) seedEvent(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.ID] = ev
}

func (f *fakeServer) seedUser(u User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

func (f *fakeServer) getCount(eventID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eventGets[eventID]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	writeJSON(w, APIError{Code: "NOT_FOUND", Message: "no such entity"})
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/api/health":
		writeJSON(w, map[string]string{"status": "ok"})

	case path == "/api/events" && r.Method == http.MethodGet:
		list := make([]Event, 0, len(f.events))
		for _, ev := range f.events {
			list = append(list, ev)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		writeJSON(w, list)

	case path == "/api/events" && r.Method == http.MethodPost:
		var payload EventPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if f.failTitles[payload.Title] {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, APIError{Code: "INTERNAL", Message: "create rejected"})
			return
		}
		f.nextID++
		now := time.Now().UTC()
		ev := Event{
			ID:          fmt.Sprintf("srv-%d", f.nextID),
			Title:       payload.Title,
			Description: payload.Description,
			Date:        payload.Date,
			Location:    payload.Location,
			Capacity:    payload.Capacity,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		f.events[ev.ID] = ev
		writeJSON(w, ev)

	case strings.HasPrefix(path, "/api/events/") && strings.HasSuffix(path, "/register") && r.Method == http.MethodPost:
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/events/"), "/register")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		ev, ok := f.events[id]
		if !ok {
			writeNotFound(w)
			return
		}
		u, ok := f.users[body["userId"]]
		if !ok {
			writeNotFound(w)
			return
		}
		ev.Attendees = append(ev.Attendees, u.ID)
		u.RegisteredEvents = append(u.RegisteredEvents, ev.ID)
		f.events[ev.ID] = ev
		f.users[u.ID] = u
		writeJSON(w, map[string]interface{}{"event": ev, "user": u})

	case strings.HasPrefix(path, "/api/events/") && r.Method == http.MethodGet:
		id := strings.TrimPrefix(path, "/api/events/")
		f.eventGets[id]++
		ev, ok := f.events[id]
		if !ok {
			writeNotFound(w)
			return
		}
		writeJSON(w, ev)

	case strings.HasPrefix(path, "/api/events/") && r.Method == http.MethodPut:
		id := strings.TrimPrefix(path, "/api/events/")
		ev, ok := f.events[id]
		if !ok {
			writeNotFound(w)
			return
		}
		var patch EventPatch
		_ = json.NewDecoder(r.Body).Decode(&patch)
		patch.apply(&ev)
		ev.UpdatedAt = time.Now().UTC()
		f.events[id] = ev
		writeJSON(w, ev)

	case strings.HasPrefix(path, "/api/events/") && r.Method == http.MethodDelete:
		id := strings.TrimPrefix(path, "/api/events/")
		delete(f.events, id)
		writeJSON(w, map[string]string{"status": "deleted"})

	case path == "/api/users" && r.Method == http.MethodGet:
		list := make([]User, 0, len(f.users))
		for _, u := range f.users {
			list = append(list, u)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		writeJSON(w, list)

	case strings.HasPrefix(path, "/api/users/") && r.Method == http.MethodGet:
		u, ok := f.users[strings.TrimPrefix(path, "/api/users/")]
		if !ok {
			writeNotFound(w)
			return
		}
		writeJSON(w, u)

	case strings.HasPrefix(path, "/api/users/") && r.Method == http.MethodPut:
		id := strings.TrimPrefix(path, "/api/users/")
		u, ok := f.users[id]
		if !ok {
			writeNotFound(w)
			return
		}
		var patch UserPatch
		_ = json.NewDecoder(r.Body).Decode(&patch)
		if patch.Name != nil {
			u.Name = *patch.Name
		}
		if patch.Email != nil {
			u.Email = *patch.Email
		}
		u.UpdatedAt = time.Now().UTC()
		f.users[id] = u
		writeJSON(w, u)

	default:
		writeNotFound(w)
	}
}

func newTestService(t *testing.T, online bool) (*Service, *fakeServer, *Connectivity) {
	t.Helper()
	fake := newFakeServer(t)
	store := newTestStore(t)
	bus := newTestBus(t)
	conn := NewConnectivity(online)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	svc := New(NewClient(fake.srv.URL), store, bus, conn, &Options{Logger: log})
	return svc, fake, conn
}

// ============================================================================
// Read path
// ============================================================================

func TestService_AllEventsMirrorsIntoCache(t *testing.T) {
	svc, fake, conn := newTestService(t, true)
	ctx := context.Background()

	fake.seedEvent(testEvent("srv-a"))
	fake.seedEvent(testEvent("srv-b"))

	events, err := svc.AllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)

	conn.SetOnline(false)
	cached, err := svc.AllEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, cached, 2, "offline reads serve the last mirrored snapshot")
}

func TestService_ReadsNeverHardFailOffline(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()

	events, err := svc.AllEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	users, err := svc.AllUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	_, err = svc.EventByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.UserByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_EventByIDSkipsNetworkForLocalIDs(t *testing.T) {
	svc, fake, _ := newTestService(t, true)
	ctx := context.Background()

	local := testEvent("local-pending")
	require.NoError(t, svc.Store().SaveEvents(ctx, []Event{local}))

	got, err := svc.EventByID(ctx, "local-pending")
	require.NoError(t, err)
	assert.Equal(t, "local-pending", got.ID)
	assert.Zero(t, fake.getCount("local-pending"), "provisional ids are never asked of the server")
}

// ============================================================================
// Write path
// ============================================================================

func TestService_OfflineCreateQueuesExactlyOne(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()

	payload := EventPayload{Title: "Offsite", Date: time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC)}
	ev, err := svc.CreateEvent(ctx, payload)
	require.NoError(t, err)
	assert.True(t, IsLocalID(ev.ID), "offline create hands out a provisional id")

	cached, err := svc.Store().EventByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Offsite", cached.Title)

	ops, err := svc.Store().Queue(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpCreateEvent, ops[0].Kind)
	require.NotNil(t, ops[0].Create)
	assert.Equal(t, ev.ID, ops[0].Create.LocalID)
	assert.Equal(t, "Offsite", ops[0].Create.Payload.Title)
}

func TestService_OfflineUpdateMergesOntoCache(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()

	require.NoError(t, svc.Store().SaveEvents(ctx, []Event{testEvent("srv-1")}))

	title := "Renamed"
	capacity := 50
	ev, err := svc.UpdateEvent(ctx, "srv-1", EventPatch{Title: &title, Capacity: &capacity})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", ev.Title)
	assert.Equal(t, 50, ev.Capacity)
	assert.Equal(t, "Pier 9", ev.Location, "unpatched fields stay as cached")

	cached, err := svc.Store().EventByID(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", cached.Title)

	ops, err := svc.Store().Queue(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpUpdateEvent, ops[0].Kind)
}

func TestService_OfflineUpdateUncachedFails(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()

	title := "Renamed"
	_, err := svc.UpdateEvent(ctx, "never-seen", EventPatch{Title: &title})
	assert.ErrorIs(t, err, ErrNotCached)

	ops, qerr := svc.Store().Queue(ctx)
	require.NoError(t, qerr)
	assert.Empty(t, ops, "a rejected update must not be queued")
}

func TestService_OfflineDeleteQueuesWithoutEviction(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()

	require.NoError(t, svc.Store().SaveEvents(ctx, []Event{testEvent("srv-1")}))
	require.NoError(t, svc.DeleteEvent(ctx, "srv-1"))

	_, err := svc.Store().EventByID(ctx, "srv-1")
	assert.NoError(t, err, "the cached entity stays until replay confirms the delete")

	ops, err := svc.Store().Queue(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpDeleteEvent, ops[0].Kind)
}

func TestService_OfflineRegistrationIsPending(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()

	res, err := svc.RegisterForEvent(ctx, "srv-1", "user-1")
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Nil(t, res.Event)
	assert.Nil(t, res.User)
	assert.NotEmpty(t, res.Message)

	ops, err := svc.Store().Queue(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpRegisterEvent, ops[0].Kind)
}

func TestService_OnlineCreateBroadcastsAndSkipsQueue(t *testing.T) {
	svc, _, _ := newTestService(t, true)
	ctx := context.Background()

	var got []Message
	svc.Bus().Subscribe(MsgEventCreated, func(m Message) { got = append(got, m) })

	ev, err := svc.CreateEvent(ctx, EventPayload{Title: "Online", Date: time.Now().UTC()})
	require.NoError(t, err)
	assert.False(t, IsLocalID(ev.ID))

	require.Len(t, got, 1)
	var published Event
	require.NoError(t, got[0].Decode(&published))
	assert.Equal(t, ev.ID, published.ID)

	ops, err := svc.Store().Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops, "online writes bypass the queue")
}

func TestService_OnlineWriteFailureIsNotQueued(t *testing.T) {
	svc, fake, _ := newTestService(t, true)
	ctx := context.Background()

	fake.failTitles["boom"] = true
	_, err := svc.CreateEvent(ctx, EventPayload{Title: "boom", Date: time.Now().UTC()})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INTERNAL", apiErr.Code)

	ops, qerr := svc.Store().Queue(ctx)
	require.NoError(t, qerr)
	assert.Empty(t, ops, "online failures surface to the caller instead of queueing")
}

func TestService_OnlineRegistrationBroadcastsBothEntities(t *testing.T) {
	svc, fake, _ := newTestService(t, true)
	ctx := context.Background()

	fake.seedEvent(testEvent("srv-1"))
	fake.seedUser(User{ID: "user-1", Name: "Ada", Email: "ada@example.com"})

	eventMsgs := 0
	userMsgs := 0
	svc.Bus().Subscribe(MsgEventUpdated, func(Message) { eventMsgs++ })
	svc.Bus().Subscribe(MsgUserUpdated, func(Message) { userMsgs++ })

	res, err := svc.RegisterForEvent(ctx, "srv-1", "user-1")
	require.NoError(t, err)
	assert.False(t, res.Pending)
	require.NotNil(t, res.Event)
	assert.Contains(t, res.Event.Attendees, "user-1")
	assert.Equal(t, 1, eventMsgs)
	assert.Equal(t, 1, userMsgs)
}

func TestService_UpdateUserRequiresConnectivity(t *testing.T) {
	svc, fake, conn := newTestService(t, false)
	ctx := context.Background()

	name := "Grace"
	_, err := svc.UpdateUser(ctx, "user-1", UserPatch{Name: &name})
	assert.ErrorIs(t, err, ErrOffline)

	fake.seedUser(User{ID: "user-1", Name: "Ada", Email: "ada@example.com"})
	conn.SetOnline(true)
	u, err := svc.UpdateUser(ctx, "user-1", UserPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Grace", u.Name)
}

// ============================================================================
// Drain
// ============================================================================

func TestService_DrainRemovesOnSuccessKeepsFailures(t *testing.T) {
	svc, fake, conn := newTestService(t, false)
	ctx := context.Background()

	for _, title := range []string{"one", "boom", "two"} {
		_, err := svc.CreateEvent(ctx, EventPayload{Title: title, Date: time.Now().UTC()})
		require.NoError(t, err)
	}
	fake.failTitles["boom"] = true

	conn.SetOnline(true)
	require.NoError(t, svc.Drain(ctx))

	ops, err := svc.Store().Queue(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1, "only the failed entry survives the pass")
	require.NotNil(t, ops[0].Create)
	assert.Equal(t, "boom", ops[0].Create.Payload.Title)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.NotEmpty(t, ops[0].LastError)
}

func TestService_DrainDeadLettersUnknownKind(t *testing.T) {
	svc, _, conn := newTestService(t, false)
	ctx := context.Background()

	entry := syncEntry{Kind: "bogus", Data: []byte("{}"), EnqueuedAt: time.Now().UTC(), MaxAttempts: 5}
	require.NoError(t, svc.Store().db.Create(&entry).Error)

	conn.SetOnline(true)
	require.NoError(t, svc.Drain(ctx))

	ops, err := svc.Store().Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	dead, err := svc.Store().DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, OpKind("bogus"), dead[0].Kind)
	assert.NotEmpty(t, dead[0].LastError)
}

func TestService_DrainEmptyQueueIsNoop(t *testing.T) {
	svc, _, conn := newTestService(t, true)
	conn.SetOnline(true)
	assert.NoError(t, svc.Drain(context.Background()))
}

func TestService_OfflineCreateThenReconnect(t *testing.T) {
	svc, _, conn := newTestService(t, false)
	ctx := context.Background()

	ev, err := svc.CreateEvent(ctx, EventPayload{Title: "Offsite", Date: time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.True(t, IsLocalID(ev.ID))

	// The provisional entity is immediately visible.
	got, err := svc.EventByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Offsite", got.Title)

	ops, err := svc.Store().Queue(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, OpCreateEvent, ops[0].Kind)

	var created []Event
	svc.Bus().Subscribe(MsgEventCreated, func(m Message) {
		var e Event
		if err := m.Decode(&e); err == nil {
			created = append(created, e)
		}
	})

	conn.SetOnline(true)
	require.NoError(t, svc.Drain(ctx))

	ops, err = svc.Store().Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops, "the queue empties once replay succeeds")

	require.Len(t, created, 1)
	assert.Equal(t, "srv-1", created[0].ID, "the broadcast carries the server-assigned id")

	_, err = svc.EventByID(ctx, ev.ID)
	assert.ErrorIs(t, err, ErrNotFound, "the provisional entity is evicted after replay")

	confirmed, err := svc.Store().EventByID(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "Offsite", confirmed.Title)
}

func TestService_BindConnectivityDrainsOnReconnect(t *testing.T) {
	svc, _, conn := newTestService(t, false)
	ctx := context.Background()

	_, err := svc.CreateEvent(ctx, EventPayload{Title: "Offsite", Date: time.Now().UTC()})
	require.NoError(t, err)

	unbind := svc.BindConnectivity()
	defer unbind()

	conn.SetOnline(true)
	assert.Eventually(t, func() bool {
		ops, err := svc.Store().Queue(ctx)
		return err == nil && len(ops) == 0
	}, 2*time.Second, 10*time.Millisecond, "reconnecting should trigger a drain")
}

func TestService_DrainReplaysDeleteAndEvicts(t *testing.T) {
	svc, fake, conn := newTestService(t, false)
	ctx := context.Background()

	fake.seedEvent(testEvent("srv-1"))
	require.NoError(t, svc.Store().SaveEvents(ctx, []Event{testEvent("srv-1")}))
	require.NoError(t, svc.DeleteEvent(ctx, "srv-1"))

	deleted := 0
	svc.Bus().Subscribe(MsgEventDeleted, func(Message) { deleted++ })

	conn.SetOnline(true)
	require.NoError(t, svc.Drain(ctx))

	_, err := svc.Store().EventByID(ctx, "srv-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, deleted)

	ops, err := svc.Store().Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
