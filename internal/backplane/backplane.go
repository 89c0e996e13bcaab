// Package backplane abstracts the distributed publish/subscribe transport
// that fans events out across server instances. The broadcaster publishes
// every event here in addition to local delivery; remote instances re-emit
// to their own sockets. Two implementations ship: a NATS client for
// multi-instance deployments and an in-process bus for single-instance
// deployments and tests.
package backplane

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("backplane closed")

// Handler consumes a raw message received on a subject. Handlers must be
// safe for concurrent invocation; the transport gives no ordering guarantee
// across subjects.
type Handler func(data []byte)

// Backplane is the cross-instance fan-out transport. Publish must not block
// on slow subscribers; Subscribe registers a handler for a subject until
// Close. Implementations are safe for concurrent use.
type Backplane interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, h Handler) error
	Close() error
}

// Memory is an in-process Backplane. Handlers run synchronously on the
// publishing goroutine, which also gives tests deterministic delivery.
type Memory struct {
	mu       sync.RWMutex
	closed   bool
	handlers map[string][]Handler
}

// NewMemory constructs an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string][]Handler)}
}

// Publish invokes every handler subscribed to subject with data.
func (m *Memory) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	hs := make([]Handler, len(m.handlers[subject]))
	copy(hs, m.handlers[subject])
	m.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
	return nil
}

// Subscribe registers h for subject.
func (m *Memory) Subscribe(subject string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.handlers[subject] = append(m.handlers[subject], h)
	return nil
}

// Close drops all subscriptions; further publishes fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = make(map[string][]Handler)
	return nil
}
