package msgbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeResponse(t *testing.T) {
	cred, err := NewCredential("s3cret")
	require.NoError(t, err)

	nonce, err := newAuthNonce()
	require.NoError(t, err)

	proof := computeAuthProof([]byte("s3cret"), cred.Salt, nonce, cred.Iterations)
	assert.True(t, cred.Verify(proof, nonce))

	t.Run("wrong password", func(t *testing.T) {
		bad := computeAuthProof([]byte("wrong"), cred.Salt, nonce, cred.Iterations)
		assert.False(t, cred.Verify(bad, nonce))
	})

	t.Run("replayed proof with new nonce", func(t *testing.T) {
		fresh, err := newAuthNonce()
		require.NoError(t, err)
		assert.False(t, cred.Verify(proof, fresh))
	})
}

func TestVerifyPassword(t *testing.T) {
	cred, err := NewCredential("s3cret")
	require.NoError(t, err)

	assert.True(t, cred.VerifyPassword([]byte("s3cret")))
	assert.False(t, cred.VerifyPassword([]byte("wrong")))
	assert.False(t, cred.VerifyPassword(nil))
}

func TestCredentialSaltsDiffer(t *testing.T) {
	a, err := NewCredential("same")
	require.NoError(t, err)
	b, err := NewCredential("same")
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
}
