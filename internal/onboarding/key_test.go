package onboarding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIdempotencyKey(t *testing.T) {
	a := DeriveIdempotencyKey(" Chef@Example.com ", "ak  1843")
	b := DeriveIdempotencyKey("chef@example.com", "AK 1843")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "derived_"))

	assert.NotEqual(t, a, DeriveIdempotencyKey("chef@example.com", "AK 1844"))
	// The separator keeps field boundaries apart
	assert.NotEqual(t, DeriveIdempotencyKey("a@b.coA", "BC 1"), DeriveIdempotencyKey("a@b.co", "ABC 1"))
}

func TestNormalizeRegistrationNumber(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"555-0001", "555-0001"},
		{" ak  1843 ", "AK 1843"},
		{"gb\t123 456", "GB 123 456"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRegistrationNumber(tt.in))
		})
	}
}
