// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxIdentityLen = 64

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
)

// Identity names a call participant. Opaque: equality is the only
// operation, there is no uniqueness enforcement beyond it.
type Identity string

func ParseIdentity(s string) (Identity, error) {
	if len(s) == 0 {
		return "", ErrIdentityEmpty
	}
	if len(s) > MaxIdentityLen {
		return "", ErrIdentityTooLong
	}
	return Identity(s), nil
}

// HandleID identifies one live transport connection. An identity may
// own several at once (multi-device).
type HandleID string

func NewHandleID() HandleID {
	return HandleID(uuid.NewString())
}
