// Package directory resolves e-mail addresses to subject identities. The
// authoritative directory lives outside this service; the users table is
// its local mirror, and a Redis read-through cache sits in front because
// lookups are independently fallible and may be slow.
package directory

import (
	"context"
	"errors"

	"cadstudio/api/internal/store"
)

// ErrNotFound means the address resolves to no known subject. A normal
// outcome, not a failure.
var ErrNotFound = errors.New("directory: subject not found")

// Lookup is the oracle interface the sharing reconciler consumes.
type Lookup interface {
	FindSubjectByEmail(ctx context.Context, email string) (string, error)
}

// UserStore is the slice of the data store the store-backed lookup reads.
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (store.User, error)
}

// StoreLookup resolves against the local users table.
type StoreLookup struct {
	users UserStore
}

func NewStoreLookup(users UserStore) *StoreLookup {
	return &StoreLookup{users: users}
}

func (l *StoreLookup) FindSubjectByEmail(ctx context.Context, email string) (string, error) {
	user, err := l.users.FindUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return user.ID, nil
}
