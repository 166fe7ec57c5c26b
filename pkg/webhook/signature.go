package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix is the scheme tag carried in front of the hex digest.
const SignaturePrefix = "sha256="

// Sign computes the HMAC-SHA256 signature of payload under secret, in the
// "sha256=<hex>" form carried by the X-Signature-256 header.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is a valid signature of payload under
// secret. Comparison is constant-time; a missing or malformed signature
// simply fails verification.
func Verify(secret string, payload []byte, signature string) bool {
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
