package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares a received signature ("sha256=<hex>" or bare
// hex) with the expected one in constant time.
func VerifySignature(secret string, body []byte, received string) bool {
	if secret == "" {
		return false
	}
	received = strings.TrimPrefix(strings.TrimSpace(received), "sha256=")
	got, err := hex.DecodeString(received)
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}
