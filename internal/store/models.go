package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist. The Postgres
// store maps sql.ErrNoRows to it so callers never depend on database/sql.
var ErrNotFound = errors.New("store: not found")

type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Grant is one subject-to-project role record. At most one grant exists per
// (SubjectID, ProjectID) pair; re-granting overwrites the role.
type Grant struct {
	SubjectID string    `json:"subjectId"`
	ProjectID string    `json:"projectId"`
	Role      string    `json:"role"`
	GrantedAt time.Time `json:"grantedAt"`
}
