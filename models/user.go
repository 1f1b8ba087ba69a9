package models

import "time"

// User represents a row in the "users" table.
// Fields map 1-to-1 with columns; no automatic relation loading.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateUserParams holds the fields required to create a new user.
// Keeping input types separate from the domain model prevents accidental
// mass-assignment and makes API contracts explicit.
type CreateUserParams struct {
	Name  string `json:"name" validate:"required,max=255"`
	Email string `json:"email" validate:"required,max=255"`
}

// UpdateUserParams holds fields that can be updated. All fields are pointers
// so callers only set what needs changing; the repository builds the explicit
// SQL accordingly.
type UpdateUserParams struct {
	ID    int64   `json:"-"`
	Name  *string `json:"name,omitempty" validate:"omitnil,min=1,max=255"`
	Email *string `json:"email,omitempty" validate:"omitnil,min=1,max=255"`
}

// Empty reports whether no field is set.
func (p UpdateUserParams) Empty() bool {
	return p.Name == nil && p.Email == nil
}
