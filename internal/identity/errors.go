package identity

import "errors"

var (
	ErrNotFound       = errors.New("identity: not found")
	ErrDuplicateEmail = errors.New("identity: email already registered")
	ErrInvalidInput   = errors.New("identity: invalid input")
	ErrAlreadyLinked  = errors.New("identity: provider identity already linked")
)
