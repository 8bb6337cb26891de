package eventsync

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the remote event service.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Entities
// ============================================================================

// Event is a domain record cached locally and authoritative on the remote
// service. IDs are server-assigned except for entities created while offline,
// which carry a "local-" prefixed id until replay.
type Event struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Date        time.Time `json:"date"`
	Location    string    `json:"location,omitempty"`
	Capacity    int       `json:"capacity,omitempty"`
	Attendees   []string  `json:"attendees,omitempty" gorm:"serializer:json"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// User is the account record attached to registrations.
type User struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	RegisteredEvents []string  `json:"registeredEvents,omitempty" gorm:"serializer:json"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ============================================================================
// Write payloads
// ============================================================================

// Attachment is an optional image attached to an event create or update.
//
// Data is deliberately excluded from JSON encoding: a queued offline operation
// persists only the attachment's name and content type, never its bytes, so an
// attachment created offline does not survive a process restart. Callers that
// need the upload to happen must retry it once online.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"-"`
}

// EventPayload is the input to event creation.
type EventPayload struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Date        time.Time   `json:"date"`
	Location    string      `json:"location,omitempty"`
	Capacity    int         `json:"capacity,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
}

// EventPatch is a partial event update. Nil fields are left untouched.
type EventPatch struct {
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	Date        *time.Time  `json:"date,omitempty"`
	Location    *string     `json:"location,omitempty"`
	Capacity    *int        `json:"capacity,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
}

func (p *EventPatch) apply(ev *Event) {
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Description != nil {
		ev.Description = *p.Description
	}
	if p.Date != nil {
		ev.Date = *p.Date
	}
	if p.Location != nil {
		ev.Location = *p.Location
	}
	if p.Capacity != nil {
		ev.Capacity = *p.Capacity
	}
}

// UserPatch is a partial user update.
type UserPatch struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

// RegistrationResult is returned by RegisterForEvent. When the registration was
// performed offline, Pending is true and Event/User are nil: the server has not
// yet been informed, and the caller only learns the eventual outcome through a
// later broadcast.
type RegistrationResult struct {
	Event   *Event `json:"event,omitempty"`
	User    *User  `json:"user,omitempty"`
	Pending bool   `json:"pending"`
	Message string `json:"message,omitempty"`
}

// ============================================================================
// Sync queue operations
// ============================================================================

// OpKind tags a queued offline operation.
type OpKind string

const (
	OpCreateEvent   OpKind = "createEvent"
	OpUpdateEvent   OpKind = "updateEvent"
	OpDeleteEvent   OpKind = "deleteEvent"
	OpRegisterEvent OpKind = "registerEvent"
)

// CreateEventOp replays an offline event creation. LocalID is the temporary id
// handed to the caller; the drain evicts it once the server assigns a real one.
type CreateEventOp struct {
	LocalID string       `json:"localId"`
	Payload EventPayload `json:"payload"`
}

// UpdateEventOp replays an offline partial update.
type UpdateEventOp struct {
	EventID string     `json:"eventId"`
	Patch   EventPatch `json:"patch"`
}

// DeleteEventOp replays an offline deletion.
type DeleteEventOp struct {
	EventID string `json:"eventId"`
}

// RegisterEventOp replays an offline registration.
type RegisterEventOp struct {
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
}

// QueuedOp is one durable sync-queue entry. Exactly one of the payload fields
// matching Kind is non-nil; the drain dispatches on Kind and treats an unknown
// kind as a permanent failure rather than guessing.
type QueuedOp struct {
	ID           uint64           `json:"id"`
	Kind         OpKind           `json:"kind"`
	Create       *CreateEventOp   `json:"create,omitempty"`
	Update       *UpdateEventOp   `json:"update,omitempty"`
	Delete       *DeleteEventOp   `json:"delete,omitempty"`
	Register     *RegisterEventOp `json:"register,omitempty"`
	EnqueuedAt   time.Time        `json:"enqueuedAt"`
	Attempts     int              `json:"attempts"`
	MaxAttempts  int              `json:"maxAttempts"`
	LastError    string           `json:"lastError,omitempty"`
	DeadLettered bool             `json:"deadLettered"`
}

// ============================================================================
// Broadcast message types
// ============================================================================

const (
	MsgEventCreated = "event-created"
	MsgEventUpdated = "event-updated"
	MsgEventDeleted = "event-deleted"
	MsgUserUpdated  = "user-updated"
)

// DeletedPayload is the broadcast body for MsgEventDeleted.
type DeletedPayload struct {
	ID string `json:"id"`
}
