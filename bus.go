package eventsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultBusChannel = "eventsync:bus"

// ============================================================================
// Messages
// ============================================================================

// Message is an ephemeral change notification. It is never persisted; it
// exists only for the duration of delivery to current subscribers.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Handler receives broadcast messages.
type Handler func(Message)

type subscriber struct {
	token uint64
	fn    Handler
}

// ============================================================================
// Bus
// ============================================================================

// Bus delivers change notifications to every subscriber in this process
// synchronously, and to sibling processes asynchronously over a shared Redis
// channel. One bus instance is created at application start and passed to
// whatever needs it.
//
// If the Redis client cannot be built or pinged the bus degrades permanently:
// in-process delivery keeps working, cross-process delivery is disabled, and
// CrossProcessSupported reports false. The bus is advisory coordination only;
// it carries no transactional guarantees.
type Bus struct {
	id      string
	channel string
	log     logrus.FieldLogger

	client    *redis.Client
	supported bool
	cancel    context.CancelFunc

	mu        sync.RWMutex
	nextToken uint64
	subs      map[string][]subscriber
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusChannel overrides the Redis channel name shared by the processes of
// one deployment.
func WithBusChannel(name string) BusOption {
	return func(b *Bus) { b.channel = name }
}

// NewBus creates the bus. redisURL may be empty to run in-process only;
// a URL that cannot be parsed or reached degrades the bus instead of failing.
func NewBus(redisURL string, log logrus.FieldLogger, opts ...BusOption) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Bus{
		id:      uuid.NewString(),
		channel: defaultBusChannel,
		log:     log,
		subs:    make(map[string][]subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}

	if redisURL == "" {
		return b
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		b.log.WithError(err).Warn("bus: invalid redis URL, running in-process only")
		return b
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		b.log.WithError(err).Warn("bus: redis unreachable, running in-process only")
		return b
	}

	b.client = client
	b.supported = true

	listenCtx, stop := context.WithCancel(context.Background())
	b.cancel = stop
	go b.listen(listenCtx)

	return b
}

// CrossProcessSupported reports whether messages reach sibling processes.
func (b *Bus) CrossProcessSupported() bool {
	return b.supported
}

// Close stops the cross-process listener and releases the Redis client.
// In-process subscriptions stay functional.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// ============================================================================
// Publish / subscribe
// ============================================================================

// Broadcast delivers a typed message. Local subscribers run synchronously
// before any cross-process publish, so the originating process never waits on
// the channel round trip.
func (b *Bus) Broadcast(msgType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		b.log.WithError(err).WithField("type", msgType).Warn("bus: unmarshalable payload dropped")
		return
	}
	msg := Message{
		Type:      msgType,
		Data:      payload,
		Timestamp: time.Now().UTC(),
		Origin:    b.id,
	}

	b.dispatch(msg)

	if !b.supported {
		return
	}
	wire, err := json.Marshal(msg)
	if err != nil {
		b.log.WithError(err).Warn("bus: failed to encode message")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.client.Publish(ctx, b.channel, wire).Err(); err != nil {
			b.log.WithError(err).WithField("type", msg.Type).Warn("bus: cross-process publish failed")
		}
	}()
}

// Subscribe registers fn for one message type and returns its unsubscribe
// function. Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(msgType string, fn Handler) func() {
	b.mu.Lock()
	b.nextToken++
	token := b.nextToken
	b.subs[msgType] = append(b.subs[msgType], subscriber{token: token, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[msgType]
		for i, s := range subs {
			if s.token == token {
				b.subs[msgType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// dispatch invokes every subscriber for the message type in registration
// order. A panicking subscriber is logged and does not stop the rest.
func (b *Bus) dispatch(msg Message) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs[msg.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.WithFields(logrus.Fields{"type": msg.Type, "panic": r}).
						Error("bus: subscriber panicked")
				}
			}()
			s.fn(msg)
		}()
	}
}

// ============================================================================
// Cross-process listener
// ============================================================================

func (b *Bus) listen(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil || msg.Type == "" {
				// Foreign or malformed traffic on the channel is ignored.
				continue
			}
			if msg.Origin == b.id {
				continue
			}
			b.dispatch(msg)
		}
	}
}
