package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const signaturePrefix = "sha256="

// Signer produces and checks "sha256=<hex>" HMAC signatures.
type Signer struct {
	secret []byte
}

// NewSigner returns a signer keyed with secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: append([]byte(nil), secret...)}
}

// Sign returns the signature of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of body.
func (s *Signer) Verify(body []byte, sig string) bool {
	if !strings.HasPrefix(sig, signaturePrefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// VerifyEvent checks a delivered body: the signature embedded in it must
// match the HMAC of the same event serialized without its signature.
func (s *Signer) VerifyEvent(body []byte) (Event, bool) {
	ev, err := Decode(body)
	if err != nil {
		return Event{}, false
	}
	sig := ev.Signature
	ev.Signature = ""
	unsigned, err := json.Marshal(ev)
	if err != nil {
		return Event{}, false
	}
	ev.Signature = sig
	return ev, s.Verify(unsigned, sig)
}
