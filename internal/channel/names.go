package channel

import "strings"

// Channel name prefixes. The prefix of a channel name determines its
// admission semantics.
const (
	PrivatePrefix  = "private-"
	PresencePrefix = "presence-"
	PeerPrefix     = "peer-"
	PersonalPrefix = "personal-"
)

// IsPresence reports whether the channel tracks member presence.
func IsPresence(name string) bool {
	return strings.HasPrefix(name, PresencePrefix)
}

// IsPeer reports whether the channel is a pairwise peer channel.
func IsPeer(name string) bool {
	return strings.HasPrefix(name, PeerPrefix)
}

// IsPersonal reports whether the channel is a virtual personal channel that
// expands through the alias map.
func IsPersonal(name string) bool {
	return strings.HasPrefix(name, PersonalPrefix)
}

// IsRestricted reports whether subscribing to the channel requires a signed
// auth token.
func IsRestricted(name string) bool {
	return strings.HasPrefix(name, PrivatePrefix) ||
		IsPresence(name) || IsPeer(name) || IsPersonal(name)
}

// PersonalUser extracts the user id out of a personal channel name.
func PersonalUser(name string) string {
	return strings.TrimPrefix(name, PersonalPrefix)
}

// Peer derives the pairwise peer channel name for two members of a presence
// channel. The user pair is sorted so both endpoints derive the same name
// and at most one peer channel exists per unordered pair.
func Peer(presenceChannel, userA, userB string) string {
	base := strings.TrimPrefix(presenceChannel, PresencePrefix)
	if userB < userA {
		userA, userB = userB, userA
	}
	return PeerPrefix + base + ":" + userA + "_" + userB
}
