package msgbus

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"
)

const (
	authKeyLength         = 32
	authDefaultIterations = 4096
)

// computeAuthProof derives the challenge response for the salted auth
// scheme: HMAC(PBKDF2(password, salt), nonce).
func computeAuthProof(password, salt, nonce []byte, iterations uint32) []byte {
	if iterations == 0 {
		iterations = authDefaultIterations
	}
	key := pbkdf2.Key(password, salt, int(iterations), authKeyLength, sha256.New)
	mac := hmac.New(sha256.New, key)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// Credential is a stored broker-side credential for the salted
// challenge-response scheme. The plaintext password is never stored.
type Credential struct {
	Salt       []byte
	Iterations uint32
	key        []byte
}

// NewCredential derives a credential from a plaintext password.
func NewCredential(password string) (*Credential, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &Credential{
		Salt:       salt,
		Iterations: authDefaultIterations,
		key:        pbkdf2.Key([]byte(password), salt, authDefaultIterations, authKeyLength, sha256.New),
	}, nil
}

// Verify checks a client proof against the stored key for a given nonce.
func (c *Credential) Verify(proof, nonce []byte) bool {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(nonce)
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, proof) == 1
}

// VerifyPassword checks a plaintext password, used for the plain scheme
// over encrypted transports.
func (c *Credential) VerifyPassword(password []byte) bool {
	derived := pbkdf2.Key(password, c.Salt, int(c.Iterations), authKeyLength, sha256.New)
	return subtle.ConstantTimeCompare(derived, c.key) == 1
}

// newAuthNonce generates a random challenge nonce.
func newAuthNonce() ([]byte, error) {
	nonce := make([]byte, 24)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
