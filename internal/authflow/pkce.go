package authflow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

// secretBytes is the entropy of the state nonce and the code verifier
// (128 bits, hex-encoded to 32 characters).
const secretBytes = 16

// Exchange is the in-memory context of one login attempt. It is never
// persisted.
type Exchange struct {
	State         string
	CodeVerifier  string
	CodeChallenge string
}

// NewExchange generates an independent state nonce and code verifier and
// derives the S256 code challenge.
func NewExchange() (Exchange, error) {
	state, err := randomHex(secretBytes)
	if err != nil {
		return Exchange{}, fmt.Errorf("generating state: %w", err)
	}

	verifier, err := randomHex(secretBytes)
	if err != nil {
		return Exchange{}, fmt.Errorf("generating code verifier: %w", err)
	}

	return Exchange{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: CodeChallenge(verifier),
	}, nil
}

// CodeChallenge returns base64url(sha256(verifier)) without padding. Only
// the S256 method is ever used.
func CodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
