// Package webhook authenticates inbound GitHub deliveries and routes them to
// live connections. Two secrets are in play: the app secret scoped to the
// system-owned repository and the user secret scoped to every
// principal-owned repository. Which secret verifies the signature decides
// whether the delivery is broadcast or unicast.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrBadSignature is returned when the delivery signature matches neither
// secret, or the signature header is malformed.
var ErrBadSignature = errors.New("webhook: signature verification failed")

// Action says what the router should do with a verified delivery.
type Action int

const (
	// ActionAck acknowledges without routing (connectivity-check pings).
	ActionAck Action = iota
	// ActionBroadcast fans the delivery out to every connection.
	ActionBroadcast
	// ActionUnicast targets the single connection of the resource owner.
	ActionUnicast
)

// Outcome is the routing decision for one delivery.
type Outcome struct {
	Action Action
	// OwnerID is the identity to target; set only for ActionUnicast.
	OwnerID int64
}

// Verifier checks delivery signatures against the two configured secrets.
type Verifier struct {
	appSecret  []byte
	userSecret []byte
}

// NewVerifier creates a verifier for the app-repo and user-repo secrets.
func NewVerifier(appSecret, userSecret string) *Verifier {
	return &Verifier{appSecret: []byte(appSecret), userSecret: []byte(userSecret)}
}

// Verify authenticates a delivery and decides its routing.
//
// The signature header carries "<algorithm>=<hex digest>". The digest of the
// raw body is recomputed under both secrets; a ping event verifying under
// either secret is acknowledged without routing, the app secret selects
// broadcast, the user secret selects unicast to the repository owner's id
// taken from the body. Anything else is ErrBadSignature.
func (v *Verifier) Verify(signatureHeader, event string, body []byte) (Outcome, error) {
	algo, digest, ok := strings.Cut(signatureHeader, "=")
	if !ok {
		return Outcome{}, ErrBadSignature
	}
	newHash, err := hashFor(algo)
	if err != nil {
		return Outcome{}, ErrBadSignature
	}

	appMatch := matches(newHash, v.appSecret, body, digest)
	userMatch := matches(newHash, v.userSecret, body, digest)

	switch {
	case event == "ping" && (appMatch || userMatch):
		return Outcome{Action: ActionAck}, nil
	case appMatch:
		return Outcome{Action: ActionBroadcast}, nil
	case userMatch:
		ownerID, err := ownerFromBody(body)
		if err != nil {
			return Outcome{}, fmt.Errorf("webhook: %w", err)
		}
		return Outcome{Action: ActionUnicast, OwnerID: ownerID}, nil
	default:
		return Outcome{}, ErrBadSignature
	}
}

func hashFor(algo string) (func() hash.Hash, error) {
	switch algo {
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", algo)
	}
}

func matches(newHash func() hash.Hash, secret, body []byte, digest string) bool {
	mac := hmac.New(newHash, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(digest))
}

func ownerFromBody(body []byte) (int64, error) {
	var payload struct {
		Repository struct {
			Owner struct {
				ID int64 `json:"id"`
			} `json:"owner"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode delivery body: %w", err)
	}
	return payload.Repository.Owner.ID, nil
}
