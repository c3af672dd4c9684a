// Package identity talks to the external identity provider that owns member
// logins. The sync worker only ever keeps the provider's id of an identity.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/membersync/internal/common"
)

// Identity is the full state sent when an identity is created.
type Identity struct {
	Email       string
	Password    string
	DisplayName string
	Disabled    bool
}

// Update is a partial change; nil fields are left untouched at the provider.
type Update struct {
	Email       *string
	Password    *string
	DisplayName *string
	Disabled    *bool
}

func (u Update) IsEmpty() bool {
	return u.Email == nil && u.Password == nil && u.DisplayName == nil && u.Disabled == nil
}

// Fields names the attributes set on u, for logging. Values are omitted.
func (u Update) Fields() []string {
	var out []string
	if u.Email != nil {
		out = append(out, "email")
	}
	if u.DisplayName != nil {
		out = append(out, "display_name")
	}
	if u.Disabled != nil {
		out = append(out, "disabled")
	}
	if u.Password != nil {
		out = append(out, "password")
	}
	return out
}

type Provider interface {
	// CreateIdentity returns the provider id of the new identity. An existing
	// identity with the same email yields a KindAlreadyExists error.
	CreateIdentity(ctx context.Context, id Identity) (string, error)
	// UpdateIdentity yields KindNotFound when externalID no longer resolves.
	UpdateIdentity(ctx context.Context, externalID string, u Update) error
	// DeleteIdentity yields KindNotFound when the identity is already gone.
	DeleteIdentity(ctx context.Context, externalID string) error
	// LookupByEmail yields KindNotFound when no identity uses email.
	LookupByEmail(ctx context.Context, email string) (string, error)
}

// Kind is the reconciler-facing classification of a provider failure.
type Kind int

const (
	KindTransient Kind = iota
	KindAlreadyExists
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAlreadyExists:
		return "already_exists"
	case KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Error is returned by Provider implementations.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("identity %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers match provider errors against the shared sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case common.ErrorAlreadyExists:
		return e.Kind == KindAlreadyExists
	case common.ErrorNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Classify maps any error returned by a Provider to a Kind. Errors that are
// not recognised are transient, so the caller retries them.
func Classify(err error) Kind {
	var ierr *Error
	switch {
	case errors.As(err, &ierr):
		return ierr.Kind
	case errors.Is(err, common.ErrorAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, common.ErrorNotFound):
		return KindNotFound
	default:
		return KindTransient
	}
}
