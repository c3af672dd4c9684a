// Package common defines sentinel errors shared by the repositories, the
// identity provider client and the reconciler. Callers should use errors.Is
// to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")
	// ErrorAlreadyLinked means the record already carries another external id.
	ErrorAlreadyLinked = errors.New("already linked")

	// ErrorUnknownRecord is returned for an operator request naming a record
	// the directory does not have.
	ErrorUnknownRecord = errors.New("unknown record")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Operator token errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// AuthorizationHeaderName carries operator bearer tokens on admin requests.
const AuthorizationHeaderName = "Authorization"
