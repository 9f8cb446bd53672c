// Package auth provides the credential checks used by the heartbeat and
// voting endpoints.
//
// It intentionally avoids policy decisions; rate limiting lives elsewhere.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a presented secret.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a validator for a single shared token, used for per-voter
// tokens.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}
