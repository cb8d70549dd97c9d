package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMSync/tools/errs"
)

func TestGenerateVerify_RoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	in := Identity{UserID: "alice", DisplayName: "Alice", AvatarURL: "https://cdn/a.png"}

	token, exp, err := Generate(opts, in)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	out, err := Verify(opts, token)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestVerify_WrongSecret(t *testing.T) {
	token, _, err := Generate(DefaultOptions([]byte("secret-a")), Identity{UserID: "alice"})
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("secret-b")), token)
	assert.ErrorIs(t, err, errs.ErrTokenMalformed)
}

func TestVerify_Expired(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	opts.TTL = -time.Minute

	token, _, err := Generate(opts, Identity{UserID: "alice"})
	require.NoError(t, err)

	_, err = Verify(opts, token)
	assert.ErrorIs(t, err, errs.ErrTokenExpired)
}

func TestVerify_Garbage(t *testing.T) {
	_, err := Verify(DefaultOptions([]byte("test-secret")), "not.a.token")
	assert.ErrorIs(t, err, errs.ErrTokenMalformed)
}

func TestVerify_MissingSub(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	token, _, err := Generate(opts, Identity{})
	require.NoError(t, err)

	_, err = Verify(opts, token)
	assert.ErrorIs(t, err, errs.ErrTokenMalformed)
}

func TestSigningMethod_Unsupported(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	opts.Alg = "RS256"
	_, _, err := Generate(opts, Identity{UserID: "alice"})
	assert.Error(t, err)
}
