package domain

import "time"

// IdentityRecord is the identity-service's local view of a user. The
// canonical id starts out null and is attached asynchronously once the
// provisioning saga completes; it transitions null to set exactly once and
// never changes afterwards.
type IdentityRecord struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	CanonicalUserID *string   `json:"canonical_user_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Provisioned reports whether the saga has completed for this record.
func (r IdentityRecord) Provisioned() bool {
	return r.CanonicalUserID != nil && *r.CanonicalUserID != ""
}
