package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"

	"pushi/internal/channel"
	"pushi/internal/models"
)

// Server to client event names.
const (
	EventConnectionEstablished   = "pusher:connection_established"
	EventError                   = "pusher:error"
	EventSubscriptionSucceeded   = "pusher_internal:subscription_succeeded"
	EventUnsubscriptionSucceeded = "pusher_internal:unsubscription_succeeded"
	EventMemberAdded             = "pusher_internal:member_added"
	EventMemberRemoved           = "pusher_internal:member_removed"
	EventLatest                  = "pusher_internal:latest"
)

// Client to server event names.
const (
	EventSubscribe     = "pusher:subscribe"
	EventUnsubscribe   = "pusher:unsubscribe"
	EventRequestLatest = "pusher:latest"
)

// MaxEventNameLength bounds the event field of every client message.
const MaxEventNameLength = 200

var eventNameRE = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)

// ValidEventName reports whether an event name satisfies the wire rules.
func ValidEventName(name string) bool {
	return name != "" && len(name) <= MaxEventNameLength && eventNameRE.MatchString(name)
}

// Message is a server to client frame. Data holds either a JSON object or
// an already serialized JSON string depending on the event, matching the
// Pusher wire format.
type Message struct {
	Event   string      `json:"event"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Member  string      `json:"member,omitempty"`
}

// Encode serializes the frame for transmission.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ErrorData is the payload of a pusher:error frame.
type ErrorData struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// ErrorMessage builds a pusher:error frame.
func ErrorMessage(message string) Message {
	return Message{Event: EventError, Data: ErrorData{Message: message}}
}

// ConnectionEstablished builds the handshake acknowledgement. The data
// field is a JSON encoded string, Pusher style.
func ConnectionEstablished(socketID string) Message {
	return Message{
		Event: EventConnectionEstablished,
		Data:  fmt.Sprintf(`{"socket_id":%q}`, socketID),
	}
}

// ClientMessage is an inbound frame after JSON decoding. Payload fields
// live in Data; Channel is also accepted at the top level for
// compatibility with permissive clients.
type ClientMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Client event delivery toggles. Echo defaults to false, Verify to
	// true when absent.
	Echo   bool  `json:"echo,omitempty"`
	Verify *bool `json:"verify,omitempty"`
}

// SubscribePayload is the data of a pusher:subscribe frame.
type SubscribePayload struct {
	Channel     string      `json:"channel"`
	Auth        string      `json:"auth,omitempty"`
	ChannelData ChannelData `json:"channel_data,omitempty"`
}

// UnsubscribePayload is the data of a pusher:unsubscribe frame.
type UnsubscribePayload struct {
	Channel string `json:"channel"`
}

// LatestPayload is the data of a pusher:latest frame.
type LatestPayload struct {
	Channel string `json:"channel"`
	Skip    int    `json:"skip,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// ChannelData accepts the presence payload either as a JSON object or as a
// JSON encoded string, which is how stock Pusher clients send it.
type ChannelData struct {
	Data channel.Data
}

func (c *ChannelData) UnmarshalJSON(raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		if inner == "" {
			return nil
		}
		raw = []byte(inner)
	}
	return json.Unmarshal(raw, &c.Data)
}

func (c ChannelData) MarshalJSON() ([]byte, error) {
	if c.Data == nil {
		return []byte("null"), nil
	}
	return json.Marshal(c.Data)
}

// Snapshot is the channel state returned on subscription_succeeded.
type Snapshot struct {
	Name         string                  `json:"name"`
	Members      map[string]channel.Data `json:"members,omitempty"`
	Alias        []string                `json:"alias,omitempty"`
	RecentEvents []models.Event          `json:"recent_events,omitempty"`
}
