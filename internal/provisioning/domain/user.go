package domain

import "time"

// User is the canonical user entity. Its id is the source of truth the
// identity-service attaches to its local record once provisioning completes.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
