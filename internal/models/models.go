package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// App is the tenant identity record. The key travels on the wire; the
// secret never leaves the server after creation.
type App struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Secret string `json:"secret,omitempty"`
	Name   string `json:"name"`

	// Optional adapter credentials
	SMTPURL    string `json:"smtp_url,omitempty"`
	APNKey     string `json:"apn_key,omitempty"`
	APNCer     string `json:"apn_cer,omitempty"`
	VapidKey   string `json:"vapid_key,omitempty"`
	VapidPub   string `json:"vapid_pub,omitempty"`
	VapidEmail string `json:"vapid_email,omitempty"`
}

// NewApp mints a fresh App with generated credentials. Keys are 64
// lowercase hex characters, which is what the websocket handshake expects
// as the URL path segment.
func NewApp(name string) App {
	return App{
		ID:     uuid.New().String(),
		Key:    randomHex(),
		Secret: randomHex(),
		Name:   name,
	}
}

func randomHex() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is broken
		sum := sha256.Sum256([]byte(uuid.New().String()))
		return hex.EncodeToString(sum[:])
	}
	return hex.EncodeToString(buf[:])
}

// Public returns a copy of the app without the secret, for read endpoints.
func (a App) Public() App {
	a.Secret = ""
	return a
}

// Event is a persisted message record for the per-channel history ring and
// the personal-channel history index.
type Event struct {
	MID       string `json:"mid"`
	AppID     string `json:"app_id"`
	Channel   string `json:"channel"`
	OwnerID   string `json:"owner_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data"`
}

// NewEvent builds an Event with a fresh message id and current timestamp.
func NewEvent(appID, channel, ownerID, data string) Event {
	return Event{
		MID:       uuid.New().String(),
		AppID:     appID,
		Channel:   channel,
		OwnerID:   ownerID,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}
}

// Subscription is an adapter subscription record: target is adapter
// specific (device token, email address, URL, or a serialized Web Push
// subscription).
type Subscription struct {
	AppID   string            `json:"app_id"`
	Adapter string            `json:"adapter"`
	Target  string            `json:"target"`
	Event   string            `json:"event"`
	Extras  map[string]string `json:"extras,omitempty"`
}

// Personal maps a user identity to a concrete delivery channel, backing
// the personal-<user_id> alias expansion.
type Personal struct {
	AppID  string `json:"app_id"`
	UserID string `json:"user_id"`
	Event  string `json:"event"`
}
