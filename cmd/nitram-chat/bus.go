package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const chatSubject = "nitram.chat"

// chatEvent is the NATS envelope for one chat line.
type chatEvent struct {
	Origin  string `json:"origin"`
	Channel string `json:"channel"`
	Line    string `json:"line"`
}

// ChatBus fans chat lines out to other app instances through NATS. Each
// instance tags what it publishes with its own origin id and ignores its
// own events on the way back in, so the request/response path stays
// synchronous and single-instance behavior is unchanged when NATS is not
// configured.
type ChatBus struct {
	log    zerolog.Logger
	origin string
	nc     *nats.Conn
	sub    *nats.Subscription
}

// NewChatBus connects to NATS and subscribes to the chat subject. An empty
// url returns a disabled bus whose Publish is a no-op.
func NewChatBus(url string, db *ChatDB, log zerolog.Logger) (*ChatBus, error) {
	b := &ChatBus{
		log:    log.With().Str("component", "bus").Logger(),
		origin: uuid.NewString(),
	}
	if url == "" {
		return b, nil
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	b.nc = nc

	b.sub, err = nc.Subscribe(chatSubject, func(msg *nats.Msg) {
		var ev chatEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Error().Err(err).Msg("malformed chat event")
			return
		}
		if ev.Origin == b.origin {
			return
		}
		db.Append(ev.Channel, ev.Line)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", chatSubject, err)
	}

	b.log.Info().Str("url", url).Msg("connected to nats")
	return b, nil
}

// Publish sends one chat line to the other instances. Disabled buses do
// nothing.
func (b *ChatBus) Publish(channel, line string) {
	if b.nc == nil {
		return
	}
	data, err := json.Marshal(chatEvent{Origin: b.origin, Channel: channel, Line: line})
	if err != nil {
		b.log.Error().Err(err).Msg("encoding chat event")
		return
	}
	if err := b.nc.Publish(chatSubject, data); err != nil {
		b.log.Error().Err(err).Msg("publishing chat event")
	}
}

// Status reports the bus state for the health endpoint.
func (b *ChatBus) Status() string {
	switch {
	case b.nc == nil:
		return "disabled"
	case b.nc.IsConnected():
		return "connected"
	default:
		return "disconnected"
	}
}

// Close drains the subscription and the connection.
func (b *ChatBus) Close() {
	if b.nc == nil {
		return
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if err := b.nc.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("draining nats connection")
	}
}
