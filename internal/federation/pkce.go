package federation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// randomToken returns an unguessable URL-safe string for state values.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newPKCE generates a code verifier and its S256 challenge (RFC 7636).
func newPKCE() (verifier, challenge string, err error) {
	verifier, err = randomToken()
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
