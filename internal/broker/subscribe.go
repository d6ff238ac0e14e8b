package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"pushi/internal/channel"
	"pushi/internal/protocol"
	pkgauth "pushi/pkg/auth"
	"pushi/pkg/logging"
)

// Subscribe joins the connection to a channel, enforcing the admission
// semantics of the channel kind. force skips auth verification and is used
// for server initiated joins (personal expansion, peer auto-wiring).
func (b *Broker) Subscribe(ctx context.Context, conn Conn, ch, authToken string, data channel.Data, force bool) error {
	state, err := b.lookupByKey(ctx, conn.AppKey())
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return b.subscribeLocked(state, conn, ch, authToken, data, force)
}

func (b *Broker) subscribeLocked(state *appState, conn Conn, ch, authToken string, data channel.Data, force bool) error {
	// Personal channels are virtual: expand to the concrete channels the
	// user subscribed under and join those instead.
	if channel.IsPersonal(ch) && !force {
		if err := b.verifyLocked(state, conn, ch, authToken); err != nil {
			return err
		}
		for _, alias := range state.aliases.Get(ch) {
			if err := b.subscribeLocked(state, conn, alias, "", nil, true); err != nil {
				return err
			}
		}
		return nil
	}

	if channel.IsRestricted(ch) && !force {
		if err := b.verifyLocked(state, conn, ch, authToken); err != nil {
			return err
		}
	}

	if !channel.IsPresence(ch) {
		data = nil
	} else {
		if data.UserID() == "" {
			return fmt.Errorf("%w: presence subscription requires channel_data with user_id", ErrProtocol)
		}
	}

	// Idempotent rejoin: drop the previous subscription first so presence
	// bookkeeping never double counts a socket.
	if state.store.Subscribed(conn.SocketID(), ch) {
		b.unsubscribeLocked(state, conn, ch, false)
	}

	newUser := state.store.Join(conn.SocketID(), ch, data)

	if newUser {
		b.broadcastMemberLocked(state, protocol.EventMemberAdded, ch, conn.SocketID(), data)
	}

	if data.Peer() {
		b.wirePeersLocked(state, conn, ch, data)
	}

	b.send(conn, protocol.Message{
		Event:   protocol.EventSubscriptionSucceeded,
		Channel: ch,
		Data:    b.snapshotLocked(state, ch),
	})
	return nil
}

func (b *Broker) verifyLocked(state *appState, conn Conn, ch, authToken string) error {
	err := pkgauth.Verify(state.app.Key, state.app.Secret, conn.SocketID(), ch, authToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return nil
}

// wirePeersLocked creates the pairwise peer channels between the joining
// member and every other peer-capable member of the presence channel.
func (b *Broker) wirePeersLocked(state *appState, conn Conn, ch string, data channel.Data) {
	userID := data.UserID()
	info := state.store.Info(ch)
	if info == nil {
		return
	}

	for otherID, otherData := range info.Members {
		if otherID == userID || !otherData.Peer() {
			continue
		}
		peerCh := channel.Peer(ch, userID, otherID)

		if err := b.subscribeLocked(state, conn, peerCh, "", nil, true); err != nil {
			b.logger.WithError(err).WithField("channel", peerCh).Warn("Peer subscribe failed")
		}

		for _, socketID := range info.Users[otherID] {
			if !state.store.MemberData(ch, socketID).Peer() {
				continue
			}
			other := b.connByID(socketID)
			if other == nil {
				continue
			}
			if state.store.Subscribed(socketID, peerCh) {
				continue
			}
			if err := b.subscribeLocked(state, other, peerCh, "", nil, true); err != nil {
				b.logger.WithError(err).WithField("channel", peerCh).Warn("Peer subscribe failed")
			}
		}
	}
}

// Unsubscribe removes the connection from a channel and acknowledges with
// an unsubscription_succeeded frame.
func (b *Broker) Unsubscribe(ctx context.Context, conn Conn, ch string) error {
	state, err := b.lookupByKey(ctx, conn.AppKey())
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	b.unsubscribeLocked(state, conn, ch, true)
	return nil
}

func (b *Broker) unsubscribeLocked(state *appState, conn Conn, ch string, reply bool) {
	data, lastOfUser := state.store.Leave(conn.SocketID(), ch)

	if lastOfUser {
		b.broadcastMemberLocked(state, protocol.EventMemberRemoved, ch, conn.SocketID(), data)

		// The user is gone from the presence channel, so any peer
		// channels paired on it are torn down for both endpoints.
		if data.Peer() {
			b.teardownPeersLocked(state, ch, data.UserID())
		}
	}

	if reply {
		b.send(conn, protocol.Message{
			Event:   protocol.EventUnsubscriptionSucceeded,
			Channel: ch,
		})
	}
}

func (b *Broker) teardownPeersLocked(state *appState, ch, userID string) {
	info := state.store.Info(ch)
	if info == nil {
		return
	}
	for otherID := range info.Members {
		peerCh := channel.Peer(ch, userID, otherID)
		for _, socketID := range state.store.Sockets(peerCh) {
			peerConn := b.connByID(socketID)
			if peerConn == nil {
				continue
			}
			b.unsubscribeLocked(state, peerConn, peerCh, true)
		}
	}
}

// Disconnect synthesizes an unsubscribe for every channel the connection
// had joined and drops it from the socket table.
func (b *Broker) Disconnect(conn Conn) {
	b.mu.Lock()
	delete(b.sockets, conn.SocketID())
	b.mu.Unlock()

	state := b.stateByKey(conn.AppKey())
	if state == nil {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	for _, ch := range state.store.ChannelsOf(conn.SocketID()) {
		b.unsubscribeLocked(state, conn, ch, false)
	}
}

// broadcastMemberLocked notifies the other members of a presence channel
// about a join or leave. The member payload is a JSON encoded string,
// matching the Pusher wire format.
func (b *Broker) broadcastMemberLocked(state *appState, event, ch, subjectSocket string, data channel.Data) {
	if data == nil {
		return
	}
	info := state.store.Info(ch)
	if info == nil {
		return
	}

	member, err := json.Marshal(data)
	if err != nil {
		b.logger.WithError(err).Error("Failed to marshal member data")
		return
	}

	frame := protocol.Message{Event: event, Channel: ch, Member: string(member)}
	payload, err := frame.Encode()
	if err != nil {
		b.logger.WithError(err).Error("Failed to encode member frame")
		return
	}

	for _, socketID := range info.Conns {
		if socketID == subjectSocket {
			continue
		}
		if conn := b.connByID(socketID); conn != nil {
			b.enqueue(state, conn, payload)
		}
	}
}

func (b *Broker) snapshotLocked(state *appState, ch string) protocol.Snapshot {
	snapshot := protocol.Snapshot{
		Name:    ch,
		Members: state.store.Members(ch),
		Alias:   state.aliases.Get(ch),
	}
	if ring := state.rings[ch]; ring != nil {
		snapshot.RecentEvents = ring.Recent(0, 10)
	}
	return snapshot
}

// send encodes and enqueues a frame on a single connection.
func (b *Broker) send(conn Conn, msg protocol.Message) {
	payload, err := msg.Encode()
	if err != nil {
		b.logger.WithError(err).Error("Failed to encode frame")
		return
	}
	state := b.stateByKey(conn.AppKey())
	b.enqueue(state, conn, payload)
}

func (b *Broker) enqueue(state *appState, conn Conn, payload []byte) {
	if !conn.Send(payload) {
		fields := logging.Fields{"socket_id": conn.SocketID()}
		b.logger.WithFields(fields).Warn("Dropping frame for slow consumer")
		if b.metrics != nil && state != nil {
			b.metrics.QueueDrops.WithLabelValues(state.app.Name).Inc()
		}
		return
	}
	if b.metrics != nil && state != nil {
		b.metrics.MessagesOut.WithLabelValues(state.app.Name).Inc()
	}
}
