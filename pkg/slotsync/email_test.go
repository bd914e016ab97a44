package slotsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "jane@example.com", NormalizeEmail("  Jane@Example.COM "))
	assert.Equal(t, "", NormalizeEmail("   "))
	assert.Equal(t, "ölaf@example.com", NormalizeEmail("ÖLAF@example.com"))
}

func TestLooksLikeEmail(t *testing.T) {
	assert.True(t, LooksLikeEmail("a@b.co"))
	assert.False(t, LooksLikeEmail("a@localhost"))
	assert.False(t, LooksLikeEmail("plain.text"))
	assert.False(t, LooksLikeEmail(""))
}

func TestValidateEmail(t *testing.T) {
	got, err := ValidateEmail(" Jane@Example.com ")
	assert.NoError(t, err)
	assert.Equal(t, "jane@example.com", got)

	for _, bad := range []string{"", "jane", "jane doe@example.com", "Jane <jane@example.com>"} {
		_, err := ValidateEmail(bad)
		assert.ErrorIs(t, err, ErrInvalidEmail, bad)
	}
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "evt-1", EventKey(" evt-1 ", "wh-1", []byte("x")))
	assert.Equal(t, "wh-1", EventKey("", "wh-1", []byte("x")))

	k1 := EventKey("", "", []byte(`{"id":1}`))
	k2 := EventKey("", "", []byte(`{"id":1}`))
	k3 := EventKey("", "", []byte(`{"id": 1}`))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, len(MissingEventIDPrefix)+64)
	assert.Contains(t, k1, MissingEventIDPrefix)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeInvalidArgument, CodeOf(ErrInvalidEmail))
	assert.Equal(t, CodeNotFound, CodeOf(ErrAccountNotFound))
	assert.Equal(t, CodeFailedPrecondition, CodeOf(&ConflictError{Field: "index"}))
	assert.Equal(t, CodePermissionDenied, CodeOf(NewError(CodePermissionDenied, "plan not active", nil)))
	assert.Equal(t, CodeInternal, CodeOf(assert.AnError))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	// the two-byte rune is dropped rather than split
	assert.Equal(t, "a", Truncate("aé", 2))
}

func TestTokenFingerprint(t *testing.T) {
	assert.Equal(t, "len=10,last6=456789", TokenFingerprint("0123456789"))
	assert.Equal(t, "len=3,last6=abc", TokenFingerprint("abc"))
	assert.Equal(t, "", TokenFingerprint(""))
}
