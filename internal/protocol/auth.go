package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrAuthComputation is returned when the challenge digest cannot be computed.
var ErrAuthComputation = errors.New("auth computation failed")

// ComputeAuthResponse derives the Identify authentication string:
//
//	secret = base64(sha256(password + salt))
//	auth   = base64(sha256(secret + challenge))
//
// An empty password is valid input.
func ComputeAuthResponse(password, challenge, salt string) (string, error) {
	secret, err := digest(password + salt)
	if err != nil {
		return "", err
	}
	return digest(secret + challenge)
}

// VerifyAuthResponse reports whether response matches the digest for password.
func VerifyAuthResponse(password, challenge, salt, response string) bool {
	want, err := ComputeAuthResponse(password, challenge, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(response)) == 1
}

// NewAuthChallenge returns a random challenge and salt, base64 encoded.
func NewAuthChallenge() (AuthChallenge, error) {
	var buf [64]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return AuthChallenge{}, fmt.Errorf("%w: %v", ErrAuthComputation, err)
	}
	return AuthChallenge{
		Challenge: base64.StdEncoding.EncodeToString(buf[:32]),
		Salt:      base64.StdEncoding.EncodeToString(buf[32:]),
	}, nil
}

func digest(s string) (string, error) {
	h := sha256.New()
	if _, err := h.Write([]byte(s)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthComputation, err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
