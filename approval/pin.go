package approval

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// pinCost matches the password cost used for operator credentials.
const pinCost = 12

// PINGate is the shared PIN required on top of a valid token.
type PINGate struct {
	hash []byte
}

// NewPINGate takes a bcrypt hash. An empty hash rejects every PIN.
func NewPINGate(hash string) *PINGate {
	return &PINGate{hash: []byte(strings.TrimSpace(hash))}
}

// Configured reports whether a PIN hash is set.
func (g *PINGate) Configured() bool {
	return len(g.hash) > 0
}

// Check compares pin against the configured hash.
func (g *PINGate) Check(pin string) bool {
	if !g.Configured() || pin == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(pin)) == nil
}

// HashPIN produces the value for APPROVAL_PIN_HASH.
func HashPIN(pin string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pin), pinCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
