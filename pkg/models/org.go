package models

import "time"

// Org is a tenant on the shared server. Every server-side lesson belongs to
// exactly one org.
type Org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is a server credential bound to one org and optionally one project.
// Only the SHA-256 hash of the secret is stored; the raw key is returned
// exactly once at creation time.
type APIKey struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Project    string     `json:"project,omitempty"`
	IsRoot     bool       `json:"is_root"`
	Role       string     `json:"role,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}
