package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/crystal-atelier/api/internal/domain"
)

// Roles carried in the "role" custom claim.
const (
	RoleCustomer = "customer"
	RoleStaff    = "staff"
	RoleAdmin    = "admin"
)

// ErrUserLoaderUnavailable indicates that the identity was created without a user loader.
var ErrUserLoaderUnavailable = errors.New("auth: user loader not configured")

// UserLoader fetches the Firebase user profile for a UID.
type UserLoader func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)

// Identity is the principal extracted from a verified Firebase ID token.
type Identity struct {
	UID    string
	Email  string
	Name   string
	Roles  []string
	Locale string

	userLoader UserLoader
	once       sync.Once
	userRecord *firebaseauth.UserRecord
	userErr    error
}

// HasAnyRole reports whether the identity carries one of roles, ignoring case.
func (i *Identity) HasAnyRole(roles ...string) bool {
	if i == nil {
		return false
	}
	for _, role := range roles {
		role = normaliseRole(role)
		if role != "" && slices.Contains(i.Roles, role) {
			return true
		}
	}
	return false
}

// IsStaff reports whether the identity may manage orders.
func (i *Identity) IsStaff() bool {
	return i.HasAnyRole(RoleStaff, RoleAdmin)
}

// User loads the Firebase user record once per request.
func (i *Identity) User(ctx context.Context) (*firebaseauth.UserRecord, error) {
	if i == nil || i.userLoader == nil {
		return nil, ErrUserLoaderUnavailable
	}
	i.once.Do(func() {
		i.userRecord, i.userErr = i.userLoader(ctx, i.UID)
	})
	return i.userRecord, i.userErr
}

// External returns the account as seen by the customer resolver. A missing display name is
// filled from the Firebase user record when a loader is configured.
func (i *Identity) External(ctx context.Context) domain.ExternalIdentity {
	if i == nil {
		return domain.ExternalIdentity{}
	}
	ext := domain.ExternalIdentity{ExternalID: i.UID, Email: i.Email, Name: i.Name}
	if ext.Name == "" || ext.Email == "" {
		if record, err := i.User(ctx); err == nil && record != nil && record.UserInfo != nil {
			if ext.Name == "" {
				ext.Name = strings.TrimSpace(record.DisplayName)
			}
			if ext.Email == "" {
				ext.Email = strings.TrimSpace(record.Email)
			}
		}
	}
	return ext
}

type identityKey struct{}

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext retrieves the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
