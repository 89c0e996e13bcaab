// Package backplane abstracts the distributed publish/subscribe transport.
// This file implements the NATS-backed Backplane used when multiple gateway
// instances run behind a load balancer.
package backplane

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS is a Backplane backed by a core NATS connection. Reconnection is
// delegated to the client library; while the connection is down, Publish
// returns the client error and the broadcaster falls back to local-only
// delivery.
type NATS struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// DialNATS connects to the broker with reconnect options tuned for a
// long-lived gateway process: unlimited reconnect attempts with a short wait,
// and structured logs on every state change.
func DialNATS(url string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("backplane disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("backplane reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("backplane connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc}, nil
}

// Publish sends data on subject. The context bounds any connection-level
// flush the client performs; core NATS publishes are otherwise fire-and-forget.
func (n *NATS) Publish(_ context.Context, subject string, data []byte) error {
	if n.nc.IsClosed() {
		return ErrClosed
	}
	return n.nc.Publish(subject, data)
}

// Subscribe registers h for subject until Close.
func (n *NATS) Subscribe(subject string, h Handler) error {
	sub, err := n.nc.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return nil
}

// Close drains subscriptions and closes the connection. Safe to call twice.
func (n *NATS) Close() error {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if !n.nc.IsClosed() {
		n.nc.Close()
	}
	return nil
}
