// Package store is the relational persistence layer for plans and users.
// The collaboration core never touches it directly; it is consumed through
// the narrow interfaces declared in internal/app.
package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
