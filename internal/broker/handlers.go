package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pushi/internal/protocol"
)

// HandlerFunc processes one inbound client frame.
type HandlerFunc func(ctx context.Context, conn Conn, msg protocol.ClientMessage) error

func defaultHandlers(b *Broker) map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"pusher_subscribe":   b.handleSubscribe,
		"pusher_unsubscribe": b.handleUnsubscribe,
		"pusher_latest":      b.handleLatest,
	}
}

// Dispatch routes an inbound frame to its handler. Event names are
// normalized with ':' replaced by '_' before lookup, so pusher:subscribe
// and pusher_subscribe are the same operation. Frames without a dedicated
// handler are treated as client events.
func (b *Broker) Dispatch(ctx context.Context, conn Conn, msg protocol.ClientMessage) error {
	if !protocol.ValidEventName(msg.Event) {
		return fmt.Errorf("%w: invalid event name", ErrProtocol)
	}
	name := strings.ReplaceAll(msg.Event, ":", "_")
	if handler, ok := b.handlers[name]; ok {
		return handler(ctx, conn, msg)
	}
	return b.handleClientEvent(ctx, conn, msg)
}

func (b *Broker) handleSubscribe(ctx context.Context, conn Conn, msg protocol.ClientMessage) error {
	var payload protocol.SubscribePayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return fmt.Errorf("%w: malformed subscribe payload: %v", ErrProtocol, err)
		}
	}
	ch := payload.Channel
	if ch == "" {
		ch = msg.Channel
	}
	if ch == "" {
		return fmt.Errorf("%w: subscribe requires a channel", ErrProtocol)
	}
	return b.Subscribe(ctx, conn, ch, payload.Auth, payload.ChannelData.Data, false)
}

func (b *Broker) handleUnsubscribe(ctx context.Context, conn Conn, msg protocol.ClientMessage) error {
	var payload protocol.UnsubscribePayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return fmt.Errorf("%w: malformed unsubscribe payload: %v", ErrProtocol, err)
		}
	}
	ch := payload.Channel
	if ch == "" {
		ch = msg.Channel
	}
	if ch == "" {
		return fmt.Errorf("%w: unsubscribe requires a channel", ErrProtocol)
	}
	return b.Unsubscribe(ctx, conn, ch)
}

func (b *Broker) handleLatest(ctx context.Context, conn Conn, msg protocol.ClientMessage) error {
	var payload protocol.LatestPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return fmt.Errorf("%w: malformed latest payload: %v", ErrProtocol, err)
		}
	}
	ch := payload.Channel
	if ch == "" {
		ch = msg.Channel
	}
	if ch == "" {
		return fmt.Errorf("%w: latest requires a channel", ErrProtocol)
	}
	return b.Latest(ctx, conn, ch, payload.Skip, payload.Count)
}

func (b *Broker) handleClientEvent(ctx context.Context, conn Conn, msg protocol.ClientMessage) error {
	verify := msg.Verify == nil || *msg.Verify
	return b.ClientEvent(ctx, conn, msg.Event, msg.Channel, json.RawMessage(msg.Data), msg.Echo, verify)
}
