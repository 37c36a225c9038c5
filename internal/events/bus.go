// Package events provides the in-process pub/sub bus the orchestrator
// publishes to and observers (CLI, TUI, API layer) subscribe to.
package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies a class of events on the bus.
type Topic string

const (
	TopicTaskUpdated    Topic = "task.updated"
	TopicAgentStarted   Topic = "agent.started"
	TopicAgentOutput    Topic = "agent.output"
	TopicAgentCompleted Topic = "agent.completed"
	TopicMergeStarted   Topic = "merge.started"
	TopicMergeCompleted Topic = "merge.completed"
	TopicHILRequest     Topic = "hil.request"
	TopicExecuteStatus  Topic = "execute.status"
)

// Event is one bus message.
type Event struct {
	// Topic is the event class.
	Topic Topic
	// ProjectID identifies the project the event belongs to.
	ProjectID string
	// TaskID is the related task, if any.
	TaskID string
	// Time is when the event was published.
	Time time.Time
	// Payload is one of the typed payload structs in payloads.go.
	Payload any
}

// Subscription is one observer's bounded feed of events.
type Subscription struct {
	ch     chan Event
	topics map[Topic]struct{}
	// dropped counts events discarded because the buffer was full.
	dropped atomic.Uint64
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber has missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// wants reports whether the subscription covers the topic.
// An empty topic set means all topics.
func (s *Subscription) wants(t Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that cannot keep up loses events and its drop counter
// is incremented instead.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
	closed     bool
}

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// NewBus creates a Bus with the given per-subscriber buffer size.
// A size of 0 uses DefaultBufferSize.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers an observer for the given topics.
// Passing no topics subscribes to everything.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{ch: make(chan Event, b.bufferSize)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers the event to every matching subscriber without
// blocking. Slow subscribers drop events.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if !sub.wants(ev.Topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			count := sub.dropped.Add(1)
			if count%100 == 1 {
				log.Printf("[events] slow subscriber dropped event topic=%s (total dropped: %d)", ev.Topic, count)
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
