// Package security verifies the HMAC signature Infobip attaches to webhook
// callbacks. The signature is the trust boundary: a message that fails here
// never reaches the inbound stream.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader is the request header carrying the body signature.
const SignatureHeader = "X-Hub-Signature"

// Verification failure classes. The webhook layer maps them to HTTP
// statuses (403 for caller faults, 500 for ErrNoSecret).
var (
	ErrMissingSignature = errors.New("missing integrity signature")
	ErrInvalidFormat    = errors.New("invalid signature format")
	ErrNoSecret         = errors.New("signing secret not configured")
	ErrMismatch         = errors.New("signature mismatch")
)

// Sign computes the hex HMAC-SHA256 of body under secret, without the
// "sha256=" prefix.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an Infobip "sha256=<hex>" signature header against body.
// The comparison is constant-time.
func Verify(secret, header string, body []byte) error {
	if header == "" {
		return ErrMissingSignature
	}

	scheme, digest, found := strings.Cut(header, "=")
	if !found || scheme != "sha256" || digest == "" {
		return ErrInvalidFormat
	}

	if secret == "" {
		return ErrNoSecret
	}

	expected := Sign(secret, body)
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return ErrMismatch
	}
	return nil
}
