// Package bus is the in-process event bus between ingestion and the per-agent
// subscribers. Events are volatile: no persistence, no replay.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/metrics"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// Handler processes one event. Returned errors are logged and counted.
type Handler func(ctx context.Context, ev Event) error

// Bus fans events out to subscriptions. Publish enqueues to every current
// subscription of the event's kind in subscription order and returns; each
// subscription drains its own queue on its own goroutine.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[Kind][]*Subscription
	closed bool
	wg     sync.WaitGroup
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "bus").Logger(),
		subs:   make(map[Kind][]*Subscription),
	}
}

// Subscribe registers h for events of kind k.
func (b *Bus) Subscribe(k Kind, h Handler) *Subscription {
	s := &Subscription{
		id:      ulid.Make().String(),
		kind:    k,
		handler: h,
		bus:     b,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.stopped = true
		close(s.done)
		return s
	}
	b.subs[k] = append(b.subs[k], s)
	b.wg.Add(1)
	go s.run()

	b.logger.Debug().Str("kind", k.String()).Str("subscription", s.id).Msg("subscribed")
	return s
}

// OnNewMessage subscribes a typed handler for new_message.
func (b *Bus) OnNewMessage(h func(context.Context, NewMessage) error) *Subscription {
	return b.Subscribe(KindNewMessage, func(ctx context.Context, ev Event) error {
		return h(ctx, ev.(NewMessage))
	})
}

// OnMessageDeleted subscribes a typed handler for message_deleted.
func (b *Bus) OnMessageDeleted(h func(context.Context, MessageDeleted) error) *Subscription {
	return b.Subscribe(KindMessageDeleted, func(ctx context.Context, ev Event) error {
		return h(ctx, ev.(MessageDeleted))
	})
}

// OnChannelCleared subscribes a typed handler for channel_cleared.
func (b *Bus) OnChannelCleared(h func(context.Context, ChannelCleared) error) *Subscription {
	return b.Subscribe(KindChannelCleared, func(ctx context.Context, ev Event) error {
		return h(ctx, ev.(ChannelCleared))
	})
}

// OnServerAgentUpdate subscribes a typed handler for server_agent_update.
func (b *Bus) OnServerAgentUpdate(h func(context.Context, ServerAgentUpdate) error) *Subscription {
	return b.Subscribe(KindServerAgentUpdate, func(ctx context.Context, ev Event) error {
		return h(ctx, ev.(ServerAgentUpdate))
	})
}

// Publish hands ev to every subscription of its kind and returns without
// waiting for any handler. Handlers get a context that keeps ctx's values but
// not its cancellation.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev == nil {
		return errors.New("bus: nil event")
	}
	k := ev.Kind()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	metrics.EventsPublished.WithLabelValues(k.String()).Inc()

	subs := b.subs[k]
	if len(subs) == 0 {
		b.logger.Debug().Str("kind", k.String()).Msg("no subscribers, event dropped")
		return nil
	}

	hctx := context.WithoutCancel(ctx)
	for _, s := range subs {
		s.enqueue(hctx, ev)
	}
	return nil
}

// SubscriberCount reports how many subscriptions exist for k.
func (b *Bus) SubscriberCount(k Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[k])
}

// Close rejects further publishes and waits until every queued event has
// been handled.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed = true
	all := b.subs
	b.subs = make(map[Kind][]*Subscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.stop()
		}
	}
	b.wg.Wait()
}

func (b *Bus) remove(s *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.kind]
	for i, cur := range subs {
		if cur == s {
			b.subs[s.kind] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

type queued struct {
	ctx context.Context
	ev  Event
}

// Subscription is one registered handler with its private FIFO queue.
type Subscription struct {
	id      string
	kind    Kind
	handler Handler
	bus     *Bus

	mu      sync.Mutex
	pending []queued
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// Kind returns the event kind the subscription receives.
func (s *Subscription) Kind() Kind { return s.kind }

// Unsubscribe detaches the subscription. Events already queued are still
// handled; Unsubscribe returns once they have been, so it must not be called
// from the subscription's own handler.
func (s *Subscription) Unsubscribe() {
	if s.bus.remove(s) {
		s.bus.logger.Debug().Str("kind", s.kind.String()).Str("subscription", s.id).Msg("unsubscribed")
	}
	s.stop()
	<-s.done
}

func (s *Subscription) enqueue(ctx context.Context, ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, queued{ctx: ctx, ev: ev})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer s.bus.wg.Done()
	defer close(s.done)

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			<-s.wake
			continue
		}
		next := s.pending[0]
		s.pending[0] = queued{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.deliver(next)
	}
}

func (s *Subscription) deliver(q queued) {
	kind := s.kind.String()
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailures.WithLabelValues(kind).Inc()
			s.bus.logger.Error().
				Str("kind", kind).
				Str("subscription", s.id).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler panicked")
		}
	}()

	if err := s.handler(q.ctx, q.ev); err != nil {
		metrics.HandlerFailures.WithLabelValues(kind).Inc()
		s.bus.logger.Warn().
			Err(err).
			Str("kind", kind).
			Str("subscription", s.id).
			Msg("event handler failed")
	}
}
