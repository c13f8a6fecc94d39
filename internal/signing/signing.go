// Package signing implements the HMAC helper behind the time-limited blob URLs
// issued when DeadDrop runs with its in-memory object store.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature for a method on an object key until
// expiresUnix.
func (s *Signer) Sign(method, key string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s\n%s\n%d", method, key, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks the signature and that the expiry has not passed.
func (s *Signer) Validate(method, key, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if time.Unix(exp, 0).Before(s.now()) {
		return false
	}
	expected := s.Sign(method, key, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
