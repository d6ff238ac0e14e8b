package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// ErrInvalidSignature is returned when a channel auth token does not match
// the expected HMAC signature.
var ErrInvalidSignature = errors.New("invalid signature")

// Sign computes the hex HMAC-SHA256 digest that authorizes a socket to join
// a restricted channel. The signed string is "<socket_id>:<channel>".
func Sign(secret, socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(socketID + ":" + channel))
	return hex.EncodeToString(mac.Sum(nil))
}

// Token builds the full auth token presented by clients on subscribe,
// in the form "<app_key>:<digest>".
func Token(appKey, secret, socketID, channel string) string {
	return appKey + ":" + Sign(secret, socketID, channel)
}

// Verify checks a client supplied auth token against the expected value
// for the given app credentials, socket and channel.
func Verify(appKey, secret, socketID, channel, token string) error {
	expected := Token(appKey, secret, socketID, channel)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
