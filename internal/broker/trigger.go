package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"pushi/internal/models"
	"pushi/internal/protocol"
	"pushi/pkg/logging"
)

// TriggerOptions tunes a single publish.
type TriggerOptions struct {
	// OwnerID is the socket id of the publishing connection. Empty for
	// HTTP publishes that do not name a socket.
	OwnerID string
	// Persist controls the event log and history rings; nil means true.
	Persist *bool
	// Echo delivers the event back to the owner socket as well.
	Echo bool
	// Verify requires the owner socket to be a member of every target
	// channel. Client triggers always verify unless the frame opts out.
	Verify bool
	// Extras travel to the delivery adapters alongside the event, e.g.
	// subject and body overrides for the email adapter.
	Extras map[string]interface{}
	// Source labels the publish origin ("http" or "client") for metrics.
	Source string
}

func (o TriggerOptions) persist() bool {
	return o.Persist == nil || *o.Persist
}

// Trigger publishes an event on the named channels of an app: persist,
// fan out to live sockets, then hand off to the delivery adapters.
// An empty channel list publishes to "global".
func (b *Broker) Trigger(ctx context.Context, appID, event string, data interface{}, channels []string, opts TriggerOptions) error {
	if !protocol.ValidEventName(event) {
		return fmt.Errorf("%w: invalid event name", ErrProtocol)
	}
	if len(channels) == 0 {
		channels = []string{"global"}
	}

	state := b.stateByID(appID)
	if state == nil {
		if _, err := b.AppByID(appID); err != nil {
			return err
		}
		state = b.stateByID(appID)
	}

	payload, err := normalizeData(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	state.mu.Lock()
	appName := state.app.Name
	state.mu.Unlock()

	for _, ch := range channels {
		if err := b.triggerChannel(ctx, state, appID, ch, event, payload, opts); err != nil {
			return err
		}
		if b.metrics != nil {
			source := opts.Source
			if source == "" {
				source = "http"
			}
			b.metrics.EventsPublished.WithLabelValues(appName, source).Inc()
		}
	}
	return nil
}

func (b *Broker) triggerChannel(ctx context.Context, state *appState, appID, ch, event, payload string, opts TriggerOptions) error {
	// Membership check first so an unauthorized client publish neither
	// persists nor delivers anything.
	if opts.Verify && opts.OwnerID != "" {
		state.mu.Lock()
		member := state.store.Subscribed(opts.OwnerID, ch)
		state.mu.Unlock()
		if !member {
			return fmt.Errorf("%w: socket is not subscribed to %s", ErrAuth, ch)
		}
	}

	var ev models.Event
	persisted := false
	if opts.persist() {
		ev = models.NewEvent(appID, ch, opts.OwnerID, payload)
		if err := b.repo.AppendEvent(ctx, ev); err != nil {
			// Persistence is best-effort during fan-out: log and keep
			// the live path alive.
			b.logger.WithError(err).WithFields(logging.Fields{
				"app_id":  appID,
				"channel": ch,
			}).Error("Failed to persist event")
		} else {
			persisted = true
			b.appendAssocs(ctx, state, appID, ch, ev.MID)
		}
	}

	frame := protocol.Message{Event: event, Channel: ch, Data: payload}
	encoded, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	state.mu.Lock()
	if persisted {
		state.ring(ch).Push(ev)
	}
	recipients := state.store.Sockets(ch)
	for _, socketID := range recipients {
		if socketID == opts.OwnerID && !opts.Echo {
			continue
		}
		if conn := b.connByID(socketID); conn != nil {
			b.enqueue(state, conn, encoded)
		}
	}
	state.mu.Unlock()

	b.dispatchAdapters(appID, ch, event, payload, opts.Extras)
	return nil
}

// appendAssocs links the persisted event to every user whose personal
// channel expands to the target channel, so personal history queries can
// find it later.
func (b *Broker) appendAssocs(ctx context.Context, state *appState, appID, ch, mid string) {
	state.mu.Lock()
	holders := state.aliases.Holders(ch)
	state.mu.Unlock()

	for _, userID := range holders {
		if err := b.repo.AppendAssoc(ctx, appID, mid, userID); err != nil {
			b.logger.WithError(err).WithFields(logging.Fields{
				"app_id":  appID,
				"user_id": userID,
			}).Error("Failed to persist event association")
		}
	}
}

// dispatchAdapters hands the event to every attached adapter concurrently.
// Each call is bounded by its own timeout and a failing adapter never
// affects the others or the live fan-out.
func (b *Broker) dispatchAdapters(appID, ch, event, payload string, extras map[string]interface{}) {
	if len(b.adapters) == 0 {
		return
	}

	envelope := map[string]interface{}{
		"channel": ch,
		"event":   event,
		"data":    payload,
	}
	for k, v := range extras {
		envelope[k] = v
	}

	for _, adapter := range b.adapters {
		go func(adapter Adapter) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.WithField("adapter", adapter.Name()).
						Errorf("Adapter panicked: %v", r)
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), adapterSendTimeout)
			defer cancel()

			status := "ok"
			if err := adapter.Send(ctx, appID, ch, envelope); err != nil {
				status = "error"
				b.logger.WithError(err).WithFields(logging.Fields{
					"adapter": adapter.Name(),
					"channel": ch,
				}).Warn("Adapter delivery failed")
			}
			if b.metrics != nil {
				b.metrics.AdapterSends.WithLabelValues(adapter.Name(), status).Inc()
			}
		}(adapter)
	}
}

// Latest replies with the retained history of a channel, newest first.
func (b *Broker) Latest(ctx context.Context, conn Conn, ch string, skip, count int) error {
	state, err := b.lookupByKey(ctx, conn.AppKey())
	if err != nil {
		return err
	}
	if count <= 0 {
		count = 10
	}

	state.mu.Lock()
	appID := state.app.ID
	var events []models.Event
	if ring := state.rings[ch]; ring != nil {
		events = ring.Recent(skip, count)
	}
	state.mu.Unlock()

	// The ring only holds events published since startup; fall back to the
	// persisted log when it has nothing for this channel.
	if len(events) == 0 {
		events, err = b.repo.RecentEvents(ctx, appID, ch, skip, count)
		if err != nil {
			b.logger.WithError(err).WithField("channel", ch).Warn("Failed to load event history")
			events = nil
		}
	}

	if events == nil {
		events = []models.Event{}
	}
	b.send(conn, protocol.Message{
		Event:   protocol.EventLatest,
		Channel: ch,
		Data:    events,
	})
	return nil
}

// ClientEvent publishes an event received from a connected socket. The
// socket must be subscribed to the channel unless the frame disabled
// verification, and the event is echoed back only when asked.
func (b *Broker) ClientEvent(ctx context.Context, conn Conn, event, ch string, data interface{}, echo, verify bool) error {
	if ch == "" {
		return fmt.Errorf("%w: client events require a channel", ErrProtocol)
	}
	state, err := b.lookupByKey(ctx, conn.AppKey())
	if err != nil {
		return err
	}

	state.mu.Lock()
	appID := state.app.ID
	state.mu.Unlock()

	return b.Trigger(ctx, appID, event, data, []string{ch}, TriggerOptions{
		OwnerID: conn.SocketID(),
		Echo:    echo,
		Verify:  verify,
		Source:  "client",
	})
}

// normalizeData renders the event payload as the string carried on the
// wire: strings pass through, everything else is JSON encoded.
func normalizeData(data interface{}) (string, error) {
	switch v := data.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}
