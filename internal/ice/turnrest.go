package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<user_id>:<device_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The TURN server can verify the credential statelessly from the shared
// secret; no per-user secret storage is required.
type credentialGenerator struct {
	sharedSecret []byte
	ttlSeconds   int64
	now          func() time.Time
}

func newCredentialGenerator(sharedSecret string, ttlSeconds int64, now func() time.Time) (*credentialGenerator, error) {
	if sharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if ttlSeconds <= 0 {
		return nil, errors.New("ttlSeconds must be > 0")
	}
	if now == nil {
		now = time.Now
	}
	return &credentialGenerator{
		sharedSecret: []byte(sharedSecret),
		ttlSeconds:   ttlSeconds,
		now:          now,
	}, nil
}

// Credentials is a time-limited TURN username/credential pair.
type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiryUnix int64  `json:"expires_at"`
}

func (g *credentialGenerator) Generate(userID, deviceID string) (Credentials, error) {
	if userID == "" {
		return Credentials{}, errors.New("userID is required")
	}
	if strings.Contains(userID, ":") || strings.Contains(deviceID, ":") {
		return Credentials{}, errors.New("userID and deviceID must not contain ':'")
	}
	if deviceID == "" {
		deviceID = "device_" + userID
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, userID, deviceID)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
