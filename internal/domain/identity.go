// Package domain contains core domain types for the direct messaging subsystem.
package domain

import (
	"strings"
	"time"
)

// Role values stored on identities.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is a user as seen by the messaging subsystem.
type Identity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	HasPhoto  bool      `json:"has_photo"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// IsAdmin returns true if the identity carries the admin role.
func (i *Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Public returns a copy safe to hand to other users.
func (i Identity) Public() Identity {
	return Identity{ID: i.ID, Name: i.Name, Email: i.Email, HasPhoto: i.HasPhoto}
}

// NormalizeEmail lowercases and trims an email address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
