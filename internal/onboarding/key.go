package onboarding

import (
	"crypto/sha256"
	"strings"

	"github.com/mr-tron/base58"
)

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeRegistrationNumber trims, collapses inner whitespace and upper-cases
// a company registration number so "555 0001" and " 555  0001 " collide.
func NormalizeRegistrationNumber(regNo string) string {
	return strings.ToUpper(strings.Join(strings.Fields(regNo), " "))
}

// DeriveIdempotencyKey returns the key used when the caller supplies none.
// The same owner email and registration number always map to the same key.
func DeriveIdempotencyKey(email, registrationNumber string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeEmail(email)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeRegistrationNumber(registrationNumber)))
	return "derived_" + base58.Encode(h.Sum(nil))
}
