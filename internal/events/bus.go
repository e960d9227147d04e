// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events implements the in-process publish/subscribe bus that
// carries engine events to WebSocket clients, the CLI and tests. Topics
// are strings ("run:<id>", "step:<run_id>:<step_id>"); subscriptions
// match one or more patterns, where a trailing ":*" segment or a bare
// "*" acts as a wildcard. Publishing never blocks: each subscriber owns
// a bounded queue and loses the oldest events when it falls behind,
// signalled by a SubscriberLagEvent.
package events

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noldarim/flowmill/internal/logger"
	"github.com/noldarim/flowmill/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("events")
		log = &l
	})
	return log
}

// DefaultQueueDepth is used when a Bus is constructed with a
// non-positive depth.
const DefaultQueueDepth = 256

// Bus fans events out to all subscriptions whose patterns match the
// event's topic.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	depth  int
	closed bool
}

// NewBus creates a bus whose subscribers buffer up to queueDepth events.
func NewBus(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Bus{
		subs:  make(map[*Subscription]struct{}),
		depth: queueDepth,
	}
}

// Subscribe registers a subscription for the given topic patterns. With
// no patterns the subscription receives everything. The subscription is
// closed when ctx is cancelled or Close is called, whichever comes
// first; an unclosed, unconsumed subscription only ever sees the newest
// events once its queue fills.
func (b *Bus) Subscribe(ctx context.Context, patterns ...string) *Subscription {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	s := &Subscription{
		patterns: patterns,
		ch:       make(chan protocol.Event, b.depth),
		bus:      b,
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.shutdown()
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.done:
			}
		}()
	}
	return s
}

// Publish delivers event to every matching subscription without
// blocking. Events published after Close are dropped.
func (b *Bus) Publish(event protocol.Event) {
	topic := event.Topic()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.matches(topic) {
			s.offer(event)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close terminates all subscriptions. Their channels are closed after
// in-flight events are delivered, so consumers drain naturally.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	patterns []string
	ch       chan protocol.Event
	bus      *Bus
	done     chan struct{}

	mu       sync.Mutex
	closed   bool
	dropped  int // lost since the last SubscriberLagEvent
	reported int // lost and already signalled
}

// C returns the receive channel. It is closed when the subscription or
// the bus shuts down.
func (s *Subscription) C() <-chan protocol.Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.shutdown()
}

// Dropped returns the total number of events lost to backpressure over
// the subscription's lifetime.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reported + s.dropped
}

func (s *Subscription) matches(topic string) bool {
	for _, p := range s.patterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// offer enqueues the event, evicting the oldest queued event when the
// buffer is full. Serialized by s.mu, so the retry after an eviction is
// guaranteed a free slot.
func (s *Subscription) offer(event protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.dropped > 0 {
		lag := protocol.SubscriberLagEvent{
			Metadata: protocol.NewMetadata(event.GetMetadata().RunID),
			Dropped:  s.dropped,
		}
		if s.trySend(lag) {
			s.reported += s.dropped
			s.dropped = 0
		}
	}

	if s.trySend(event) {
		return
	}
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	if !s.trySend(event) {
		s.dropped++
	}
	if s.dropped == 1 {
		getLog().Warn().
			Str("topic", event.Topic()).
			Msg("Slow subscriber, dropping oldest events")
	}
}

func (s *Subscription) trySend(event protocol.Event) bool {
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// MatchTopic reports whether a subscription pattern matches a concrete
// topic. "*" matches everything; a pattern ending in ":*" matches any
// topic sharing the prefix before the star, so "step:run1:*" covers all
// steps of run1 and "run:*" covers every run.
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return false
}
