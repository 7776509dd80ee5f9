package auth

import "errors"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrInvalidInput = errors.New("auth: invalid input")
)
