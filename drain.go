package eventsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var errUnknownOp = errors.New("unknown queued operation kind")

// ============================================================================
// Queue drain
// ============================================================================

// Drain replays every pending queue entry against the network in insertion
// order. A successful replay removes its entry; a failed one is logged,
// charged an attempt, and left for the next drain; it is not retried within
// the same pass, and later entries still run. An entry whose attempts are
// exhausted is dead-lettered rather than deleted.
//
// Only one drain runs at a time; a concurrent call returns immediately.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	ops, err := s.store.Queue(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync queue: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}
	s.log.WithField("pending", len(ops)).Info("sync: draining queue")

	for _, op := range ops {
		if err := s.replay(ctx, op); err != nil {
			entryLog := s.log.WithFields(logrus.Fields{
				"entry":    op.ID,
				"kind":     op.Kind,
				"attempts": op.Attempts + 1,
			})
			if errors.Is(err, errUnknownOp) {
				entryLog.WithError(err).Error("sync: entry cannot replay, dead-lettering")
				if derr := s.store.DeadLetter(ctx, op.ID, err.Error()); derr != nil {
					entryLog.WithError(derr).Warn("sync: failed to dead-letter entry")
				}
				continue
			}
			entryLog.WithError(err).Warn("sync: replay failed, keeping entry")
			if merr := s.store.MarkFailed(ctx, op.ID, err.Error()); merr != nil {
				entryLog.WithError(merr).Warn("sync: failed to record attempt")
			}
			continue
		}
		if rerr := s.store.Remove(ctx, op.ID); rerr != nil {
			s.log.WithError(rerr).WithField("entry", op.ID).Warn("sync: failed to remove replayed entry")
		}
	}
	return nil
}

// replay dispatches one entry to the network-only variant of its operation.
func (s *Service) replay(ctx context.Context, op QueuedOp) error {
	switch op.Kind {
	case OpCreateEvent:
		return s.replayCreate(ctx, op.Create)
	case OpUpdateEvent:
		return s.replayUpdate(ctx, op.Update)
	case OpDeleteEvent:
		return s.replayDelete(ctx, op.Delete)
	case OpRegisterEvent:
		return s.replayRegister(ctx, op.Register)
	default:
		return fmt.Errorf("%w: %q", errUnknownOp, op.Kind)
	}
}

func (s *Service) replayCreate(ctx context.Context, op *CreateEventOp) error {
	ev, err := s.client.CreateEvent(ctx, op.Payload)
	if err != nil {
		return err
	}

	// Swap the provisional entity for the server-confirmed one.
	if op.LocalID != "" {
		if derr := s.store.DeleteEvent(ctx, op.LocalID); derr != nil {
			s.log.WithError(derr).WithField("localId", op.LocalID).
				Warn("sync: failed to evict provisional event")
		}
	}
	if serr := s.store.SaveEvents(ctx, []Event{*ev}); serr != nil {
		s.log.WithError(serr).Warn("cache: failed to mirror replayed event")
	}
	s.bus.Broadcast(MsgEventCreated, ev)
	return nil
}

func (s *Service) replayUpdate(ctx context.Context, op *UpdateEventOp) error {
	ev, err := s.client.UpdateEvent(ctx, op.EventID, op.Patch)
	if err != nil {
		return err
	}
	if serr := s.store.SaveEvents(ctx, []Event{*ev}); serr != nil {
		s.log.WithError(serr).Warn("cache: failed to mirror replayed event")
	}
	s.bus.Broadcast(MsgEventUpdated, ev)
	return nil
}

func (s *Service) replayDelete(ctx context.Context, op *DeleteEventOp) error {
	if err := s.client.DeleteEvent(ctx, op.EventID); err != nil {
		return err
	}
	if derr := s.store.DeleteEvent(ctx, op.EventID); derr != nil {
		s.log.WithError(derr).Warn("cache: failed to evict deleted event")
	}
	s.bus.Broadcast(MsgEventDeleted, DeletedPayload{ID: op.EventID})
	return nil
}

func (s *Service) replayRegister(ctx context.Context, op *RegisterEventOp) error {
	ev, u, err := s.client.Register(ctx, op.EventID, op.UserID)
	if err != nil {
		return err
	}
	if ev != nil {
		if serr := s.store.SaveEvents(ctx, []Event{*ev}); serr != nil {
			s.log.WithError(serr).Warn("cache: failed to mirror replayed event")
		}
		s.bus.Broadcast(MsgEventUpdated, ev)
	}
	if u != nil {
		if serr := s.store.SaveUser(ctx, *u); serr != nil {
			s.log.WithError(serr).Warn("cache: failed to mirror replayed user")
		}
		s.bus.Broadcast(MsgUserUpdated, u)
	}
	return nil
}
