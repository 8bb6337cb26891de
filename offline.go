package eventsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// localIDPrefix marks entities created while offline. The server never issues
// ids with this prefix, so callers can always tell a provisional entity from
// a confirmed one.
const localIDPrefix = "local-"

const defaultQueueMaxAttempts = 5

// ErrNotCached is returned when an offline mutation targets an entity that
// was never mirrored into the local store; there is nothing to merge onto.
var ErrNotCached = errors.New("entity not present in local cache")

// ErrOffline is returned by operations that have no offline path.
var ErrOffline = errors.New("operation requires connectivity")

// IsLocalID reports whether id is a provisional client-assigned id.
func IsLocalID(id string) bool {
	return len(id) > len(localIDPrefix) && id[:len(localIDPrefix)] == localIDPrefix
}

// ============================================================================
// Service
// ============================================================================

// Options tunes the facade.
type Options struct {
	// QueueMaxAttempts bounds replay attempts per queued operation before it
	// is dead-lettered. 0 means the default of 5.
	QueueMaxAttempts int
	Logger           logrus.FieldLogger
}

// Service is the single entry point the application calls. Per operation it
// decides between the network path and the local store, applies optimistic
// local writes, enqueues durable operations while offline, and publishes
// results on the bus.
type Service struct {
	client *Client
	store  *Store
	bus    *Bus
	conn   *Connectivity
	log    logrus.FieldLogger

	maxAttempts int

	mu       sync.Mutex
	draining bool
}

// New wires the facade. All collaborators are required except opts.
func New(client *Client, store *Store, bus *Bus, conn *Connectivity, opts *Options) *Service {
	s := &Service{
		client:      client,
		store:       store,
		bus:         bus,
		conn:        conn,
		log:         logrus.StandardLogger(),
		maxAttempts: defaultQueueMaxAttempts,
	}
	if opts != nil {
		if opts.QueueMaxAttempts > 0 {
			s.maxAttempts = opts.QueueMaxAttempts
		}
		if opts.Logger != nil {
			s.log = opts.Logger
		}
	}
	return s
}

// Bus exposes the broadcast bus so application code can subscribe to
// entity-change notifications.
func (s *Service) Bus() *Bus {
	return s.bus
}

// Store exposes the local persistent store for inspection and maintenance.
func (s *Service) Store() *Store {
	return s.store
}

// Online reports the current connectivity flag.
func (s *Service) Online() bool {
	return s.conn.Online()
}

// BindConnectivity drains the queue whenever connectivity transitions to
// online, mirroring the platform "online" event. Returns the unbind function.
func (s *Service) BindConnectivity() func() {
	return s.conn.OnChange(func(online bool) {
		if !online {
			return
		}
		go func() {
			if err := s.Drain(context.Background()); err != nil {
				s.log.WithError(err).Warn("sync: drain after reconnect failed")
			}
		}()
	})
}

// ============================================================================
// Read path
// ============================================================================

// AllEvents returns events from the network when online (mirroring them into
// the local store), falling back to the possibly stale cache otherwise. It
// never hard-fails: a broken cache yields an empty slice.
func (s *Service) AllEvents(ctx context.Context) ([]Event, error) {
	if s.conn.Online() {
		events, err := s.client.Events(ctx)
		if err == nil {
			if serr := s.store.SaveEvents(ctx, events); serr != nil {
				s.log.WithError(serr).Warn("cache: failed to mirror events")
			}
			return events, nil
		}
		s.log.WithError(err).Debug("network read failed, falling back to cache")
	}

	events, err := s.store.Events(ctx)
	if err != nil {
		s.log.WithError(err).Warn("cache: read failed, returning empty result")
		return []Event{}, nil
	}
	return events, nil
}

// EventByID returns one event, network-first. A missing entity (or a broken
// cache, which is treated as "no cache") yields ErrNotFound.
func (s *Service) EventByID(ctx context.Context, id string) (*Event, error) {
	if s.conn.Online() && !IsLocalID(id) {
		ev, err := s.client.Event(ctx, id)
		if err == nil {
			if serr := s.store.SaveEvents(ctx, []Event{*ev}); serr != nil {
				s.log.WithError(serr).Warn("cache: failed to mirror event")
			}
			return ev, nil
		}
		s.log.WithError(err).Debug("network read failed, falling back to cache")
	}

	ev, err := s.store.EventByID(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.WithError(err).Warn("cache: read failed")
		}
		return nil, ErrNotFound
	}
	return ev, nil
}

// AllUsers mirrors AllEvents for the user collection.
func (s *Service) AllUsers(ctx context.Context) ([]User, error) {
	if s.conn.Online() {
		users, err := s.client.Users(ctx)
		if err == nil {
			if serr := s.store.SaveUsers(ctx, users); serr != nil {
				s.log.WithError(serr).Warn("cache: failed to mirror users")
			}
			return users, nil
		}
		s.log.WithError(err).Debug("network read failed, falling back to cache")
	}

	users, err := s.store.Users(ctx)
	if err != nil {
		s.log.WithError(err).Warn("cache: read failed, returning empty result")
		return []User{}, nil
	}
	return users, nil
}

// UserByID returns one user, network-first.
func (s *Service) UserByID(ctx context.Context, id string) (*User, error) {
	if s.conn.Online() {
		u, err := s.client.User(ctx, id)
		if err == nil {
			if serr := s.store.SaveUser(ctx, *u); serr != nil {
				s.log.WithError(serr).Warn("cache: failed to mirror user")
			}
			return u, nil
		}
		s.log.WithError(err).Debug("network read failed, falling back to cache")
	}

	u, err := s.store.UserByID(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.WithError(err).Warn("cache: read failed")
		}
		return nil, ErrNotFound
	}
	return u, nil
}

// ============================================================================
// Write path
// ============================================================================

// CreateEvent creates an event. Online, the write goes straight to the
// service and the authoritative entity is broadcast. Offline, a provisional
// entity with a local- id is cached for immediate visibility and the create
// is queued; attachment bytes are not queued (see Attachment).
func (s *Service) CreateEvent(ctx context.Context, payload EventPayload) (*Event, error) {
	if s.conn.Online() {
		ev, err := s.client.CreateEvent(ctx, payload)
		if err != nil {
			return nil, err
		}
		s.bus.Broadcast(MsgEventCreated, ev)
		return ev, nil
	}

	now := time.Now().UTC()
	ev := &Event{
		ID:          localIDPrefix + uuid.NewString(),
		Title:       payload.Title,
		Description: payload.Description,
		Date:        payload.Date,
		Location:    payload.Location,
		Capacity:    payload.Capacity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveEvents(ctx, []Event{*ev}); err != nil {
		return nil, fmt.Errorf("failed to cache provisional event: %w", err)
	}

	op := &QueuedOp{
		Kind:        OpCreateEvent,
		Create:      &CreateEventOp{LocalID: ev.ID, Payload: payload},
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Enqueue(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to queue create: %w", err)
	}
	return ev, nil
}

// UpdateEvent applies a partial update. Offline, the patch is merged onto the
// cached entity for immediate visibility and queued for replay; an entity that
// was never cached cannot be patched and yields ErrNotCached.
func (s *Service) UpdateEvent(ctx context.Context, id string, patch EventPatch) (*Event, error) {
	if s.conn.Online() {
		ev, err := s.client.UpdateEvent(ctx, id, patch)
		if err != nil {
			return nil, err
		}
		s.bus.Broadcast(MsgEventUpdated, ev)
		return ev, nil
	}

	cached, err := s.store.EventByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotCached
		}
		return nil, err
	}
	patch.apply(cached)
	cached.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveEvents(ctx, []Event{*cached}); err != nil {
		return nil, fmt.Errorf("failed to cache updated event: %w", err)
	}

	op := &QueuedOp{
		Kind:        OpUpdateEvent,
		Update:      &UpdateEventOp{EventID: id, Patch: patch},
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Enqueue(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to queue update: %w", err)
	}
	return cached, nil
}

// DeleteEvent deletes an event. Offline, the deletion is queued and reported
// as successful; the cached entity stays in place until replay confirms it.
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	if s.conn.Online() {
		if err := s.client.DeleteEvent(ctx, id); err != nil {
			return err
		}
		s.bus.Broadcast(MsgEventDeleted, DeletedPayload{ID: id})
		return nil
	}

	op := &QueuedOp{
		Kind:        OpDeleteEvent,
		Delete:      &DeleteEventOp{EventID: id},
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("failed to queue delete: %w", err)
	}
	return nil
}

// RegisterForEvent registers a user. Online, both the updated event and the
// updated user are broadcast. Offline, the registration is queued without any
// optimistic mutation of the cached entities, and the caller gets a pending
// result.
func (s *Service) RegisterForEvent(ctx context.Context, eventID, userID string) (*RegistrationResult, error) {
	if s.conn.Online() {
		ev, u, err := s.client.Register(ctx, eventID, userID)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			s.bus.Broadcast(MsgEventUpdated, ev)
		}
		if u != nil {
			s.bus.Broadcast(MsgUserUpdated, u)
		}
		return &RegistrationResult{Event: ev, User: u}, nil
	}

	op := &QueuedOp{
		Kind:        OpRegisterEvent,
		Register:    &RegisterEventOp{EventID: eventID, UserID: userID},
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Enqueue(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to queue registration: %w", err)
	}
	return &RegistrationResult{
		Pending: true,
		Message: "registration saved locally and will sync when back online",
	}, nil
}

// UpdateUser updates the user profile. Profile edits are not part of the sync
// queue's operation set, so there is no offline path.
func (s *Service) UpdateUser(ctx context.Context, id string, patch UserPatch) (*User, error) {
	if !s.conn.Online() {
		return nil, ErrOffline
	}
	u, err := s.client.UpdateUser(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if serr := s.store.SaveUser(ctx, *u); serr != nil {
		s.log.WithError(serr).Warn("cache: failed to mirror user")
	}
	s.bus.Broadcast(MsgUserUpdated, u)
	return u, nil
}
