package eventsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// FeedOptions configures the change feed connection.
type FeedOptions struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *FeedOptions) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// FeedState represents the feed connection state.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// feedEnvelope is the wire format of server-pushed change events.
type feedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *FeedOptions) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// ChangeFeed
// ============================================================================

// ChangeFeed is a receive-only websocket subscription to the remote service's
// entity-change stream. Incoming changes are mirrored into the local store and
// republished on the bus, so remote edits reach subscribers through the same
// channel as local ones.
type ChangeFeed struct {
	url    string
	bus    *Bus
	store  *Store
	log    logrus.FieldLogger
	config *FeedOptions

	mu               sync.Mutex
	conn             *websocket.Conn
	state            FeedState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewChangeFeed creates a feed for the websocket endpoint at wsURL
// (see Client.WSURL).
func NewChangeFeed(wsURL string, bus *Bus, store *Store, log logrus.FieldLogger, config *FeedOptions) *ChangeFeed {
	if config == nil {
		config = &FeedOptions{AutoReconnect: true}
	}
	cfg := *config
	cfg.defaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ChangeFeed{
		url:    wsURL,
		bus:    bus,
		store:  store,
		log:    log,
		config: &cfg,
		state:  FeedDisconnected,
		recon:  newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (f *ChangeFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect establishes the websocket connection and starts the read loop.
func (f *ChangeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == FeedConnected || f.state == FeedConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = FeedConnecting
	f.intentionalClose = false
	f.mu.Unlock()

	wsURL := f.url
	if f.config.Token != "" {
		wsURL += "?token=" + f.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		f.mu.Lock()
		f.state = FeedDisconnected
		f.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.state = FeedConnected
	f.mu.Unlock()
	f.recon.markConnected()

	connCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancelFn = cancel
	f.mu.Unlock()

	go f.readLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the connection.
func (f *ChangeFeed) Disconnect() error {
	f.mu.Lock()
	f.intentionalClose = true
	if f.cancelFn != nil {
		f.cancelFn()
		f.cancelFn = nil
	}
	conn := f.conn
	f.conn = nil
	f.state = FeedDisconnected
	f.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (f *ChangeFeed) readLoop(ctx context.Context) {
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			f.conn = nil
			f.state = FeedDisconnected
			f.mu.Unlock()
			if intentional {
				return
			}

			f.log.WithError(err).Debug("feed: connection lost")
			if f.config.AutoReconnect && f.recon.shouldReconnect() {
				f.scheduleReconnect(ctx)
			}
			return
		}

		var env feedEnvelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			continue
		}
		f.apply(ctx, env)
	}
}

// apply mirrors a server-side change into the local store, then republishes
// it on the bus.
func (f *ChangeFeed) apply(ctx context.Context, env feedEnvelope) {
	switch env.Type {
	case MsgEventCreated, MsgEventUpdated:
		var ev Event
		if err := json.Unmarshal(env.Payload, &ev); err != nil || ev.ID == "" {
			return
		}
		if err := f.store.SaveEvents(ctx, []Event{ev}); err != nil {
			f.log.WithError(err).Warn("feed: failed to mirror event")
		}
	case MsgEventDeleted:
		var del DeletedPayload
		if err := json.Unmarshal(env.Payload, &del); err != nil || del.ID == "" {
			return
		}
		if err := f.store.DeleteEvent(ctx, del.ID); err != nil {
			f.log.WithError(err).Warn("feed: failed to evict event")
		}
	case MsgUserUpdated:
		var u User
		if err := json.Unmarshal(env.Payload, &u); err != nil || u.ID == "" {
			return
		}
		if err := f.store.SaveUser(ctx, u); err != nil {
			f.log.WithError(err).Warn("feed: failed to mirror user")
		}
	default:
		// Unrecognized change types still fan out to subscribers.
	}

	f.bus.Broadcast(env.Type, env.Payload)
}

func (f *ChangeFeed) scheduleReconnect(ctx context.Context) {
	delay := f.recon.nextDelay()
	f.mu.Lock()
	f.state = FeedReconnecting
	f.mu.Unlock()

	f.log.WithFields(logrus.Fields{"attempt": f.recon.attempt, "delay": delay}).
		Info("feed: reconnecting")
	time.Sleep(delay)

	if err := f.Connect(ctx); err != nil {
		if f.config.AutoReconnect && f.recon.shouldReconnect() {
			f.scheduleReconnect(ctx)
		} else {
			f.mu.Lock()
			f.state = FeedDisconnected
			f.mu.Unlock()
		}
	}
}
