package channel

// Data is the presence payload a client supplies when joining a presence
// channel. It must carry a "user_id" entry; the optional "peer" flag opts
// the member into pairwise peer channels.
type Data map[string]interface{}

// UserID extracts the mandatory member identity.
func (d Data) UserID() string {
	if d == nil {
		return ""
	}
	uid, _ := d["user_id"].(string)
	return uid
}

// Peer reports whether the member opted into peer channel auto-wiring.
func (d Data) Peer() bool {
	if d == nil {
		return false
	}
	peer, _ := d["peer"].(bool)
	return peer
}

type channelSocket struct {
	channel string
	socket  string
}

// Info aggregates the presence bookkeeping of one channel.
type Info struct {
	// Users maps user id to the socket ids connected under it. Every
	// value list is non-empty.
	Users map[string][]string
	// Members maps user id to the channel data of its first live join.
	Members map[string]Data
	// Conns lists every subscribed socket id, one entry per join.
	Conns []string
	// UserCount equals len(Users).
	UserCount int
}

// Store is the per-app in-memory channel/subscription index. It is not
// internally synchronized: the broker serializes access through the app
// lock, so every invariant can be asserted at these method boundaries.
type Store struct {
	socketChannels map[string]map[string]struct{}
	channelSockets map[string]map[string]struct{}
	channelData    map[channelSocket]Data
	channelInfo    map[string]*Info
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		socketChannels: make(map[string]map[string]struct{}),
		channelSockets: make(map[string]map[string]struct{}),
		channelData:    make(map[channelSocket]Data),
		channelInfo:    make(map[string]*Info),
	}
}

// Subscribed reports whether the socket is currently in the channel.
func (s *Store) Subscribed(socketID, ch string) bool {
	_, ok := s.channelSockets[ch][socketID]
	return ok
}

// Join inserts the subscription into both directions of the index and, for
// presence joins (data != nil), updates the aggregated channel info. The
// returned flag reports whether the member's user id is new to the channel,
// which is the condition for a member_added broadcast.
func (s *Store) Join(socketID, ch string, data Data) (newUser bool) {
	channels := s.socketChannels[socketID]
	if channels == nil {
		channels = make(map[string]struct{})
		s.socketChannels[socketID] = channels
	}
	channels[ch] = struct{}{}

	sockets := s.channelSockets[ch]
	if sockets == nil {
		sockets = make(map[string]struct{})
		s.channelSockets[ch] = sockets
	}
	sockets[socketID] = struct{}{}

	if data == nil {
		return false
	}

	userID := data.UserID()
	s.channelData[channelSocket{ch, socketID}] = data

	info := s.channelInfo[ch]
	if info == nil {
		info = &Info{
			Users:   make(map[string][]string),
			Members: make(map[string]Data),
		}
		s.channelInfo[ch] = info
	}

	info.Conns = append(info.Conns, socketID)
	userConns := append(info.Users[userID], socketID)
	info.Users[userID] = userConns

	newUser = len(userConns) == 1
	if newUser {
		info.UserCount++
		info.Members[userID] = data
	}
	return newUser
}

// Leave removes the subscription from both directions of the index. For
// presence channels it returns the member's channel data together with a
// flag reporting whether this was the user's last connection, which is the
// condition for a member_removed broadcast.
func (s *Store) Leave(socketID, ch string) (data Data, lastOfUser bool) {
	if channels := s.socketChannels[socketID]; channels != nil {
		delete(channels, ch)
		if len(channels) == 0 {
			delete(s.socketChannels, socketID)
		}
	}
	if sockets := s.channelSockets[ch]; sockets != nil {
		delete(sockets, socketID)
		if len(sockets) == 0 {
			delete(s.channelSockets, ch)
		}
	}

	key := channelSocket{ch, socketID}
	data = s.channelData[key]
	if data == nil {
		return nil, false
	}
	delete(s.channelData, key)

	userID := data.UserID()
	info := s.channelInfo[ch]
	if info == nil {
		return data, false
	}

	info.Conns = remove(info.Conns, socketID)
	userConns := remove(info.Users[userID], socketID)

	if len(userConns) == 0 {
		delete(info.Users, userID)
		delete(info.Members, userID)
		info.UserCount--
		lastOfUser = true
	} else {
		info.Users[userID] = userConns
	}

	if len(info.Conns) == 0 {
		delete(s.channelInfo, ch)
	}
	return data, lastOfUser
}

// Sockets returns the socket ids currently subscribed to the channel.
func (s *Store) Sockets(ch string) []string {
	sockets := s.channelSockets[ch]
	if len(sockets) == 0 {
		return nil
	}
	out := make([]string, 0, len(sockets))
	for socketID := range sockets {
		out = append(out, socketID)
	}
	return out
}

// SocketCount returns the number of sockets in the channel.
func (s *Store) SocketCount(ch string) int {
	return len(s.channelSockets[ch])
}

// ChannelsOf returns the channels the socket has joined.
func (s *Store) ChannelsOf(socketID string) []string {
	channels := s.socketChannels[socketID]
	if len(channels) == 0 {
		return nil
	}
	out := make([]string, 0, len(channels))
	for ch := range channels {
		out = append(out, ch)
	}
	return out
}

// ChannelCount returns the number of channels the socket has joined.
func (s *Store) ChannelCount(socketID string) int {
	return len(s.socketChannels[socketID])
}

// Members returns user id to channel data for every present member.
func (s *Store) Members(ch string) map[string]Data {
	info := s.channelInfo[ch]
	if info == nil {
		return nil
	}
	members := make(map[string]Data, len(info.Members))
	for userID, data := range info.Members {
		members[userID] = data
	}
	return members
}

// MemberData returns the channel data a socket supplied when joining a
// presence channel, or nil when none exists.
func (s *Store) MemberData(ch, socketID string) Data {
	return s.channelData[channelSocket{ch, socketID}]
}

// Info exposes the aggregated presence entry of a channel, or nil.
func (s *Store) Info(ch string) *Info {
	return s.channelInfo[ch]
}

func remove(list []string, value string) []string {
	for i, v := range list {
		if v == value {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
