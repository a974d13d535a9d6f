// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package events distributes dispatch lifecycle events to in-process
// subscribers. It is a sink for observability, never a dependency of
// routing correctness: a full queue drops events rather than blocking
// dispatch.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Type names a dispatch lifecycle event.
type Type string

const (
	// TypeRequestReceived fires when a request enters the dispatcher.
	TypeRequestReceived Type = "request.received"
	// TypeRoutingDecision fires once classification and selection finish.
	TypeRoutingDecision Type = "routing.decision"
	// TypeProviderUnavailable fires when a route is skipped or fails over.
	TypeProviderUnavailable Type = "provider.unavailable"
	// TypeRequestCompleted fires when dispatch finishes, success or not.
	TypeRequestCompleted Type = "request.completed"
)

// Event carries one lifecycle notification.
type Event struct {
	Type      Type
	Timestamp time.Time
	Provider  string
	Model     string
	ProfileID string
	Data      map[string]interface{}
}

// Handler consumes events. Handlers must not block.
type Handler func(*Event)

// Subscription identifies one registered handler.
type Subscription struct {
	ID    string
	Event Type
}

// Bus fan-outs events to subscribers, with an asynchronous queue for the
// hot path.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]subscriber
	queue       chan *Event
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

type subscriber struct {
	id      string
	handler Handler
}

// NewBus creates a bus and starts its queue processor.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[Type][]subscriber),
		queue:       make(chan *Event, 1024),
		ctx:         ctx,
		cancel:      cancel,
	}
	go b.processQueue()
	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(event Type, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscribers[event] = append(b.subscribers[event], subscriber{id: id, handler: handler})
	return &Subscription{ID: id, Event: event}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Event]
	for i, s := range subs {
		if s.id == sub.ID {
			b.subscribers[sub.Event] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to all subscribers synchronously.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	subs := make([]subscriber, len(b.subscribers[event.Type]))
	copy(subs, b.subscribers[event.Type])
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("events: panic in subscriber for %s: %v", event.Type, r)
				}
			}()
			s.handler(event)
		}()
	}
}

// PublishAsync queues an event for delivery. A full queue drops the event.
func (b *Bus) PublishAsync(event *Event) {
	if event == nil {
		return
	}
	select {
	case <-b.ctx.Done():
	case b.queue <- event:
	default:
		log.Warnf("events: queue full, dropping %s", event.Type)
	}
}

func (b *Bus) processQueue() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.queue:
			b.Publish(event)
		}
	}
}

// Shutdown stops asynchronous delivery.
func (b *Bus) Shutdown() {
	b.closeOnce.Do(b.cancel)
}
