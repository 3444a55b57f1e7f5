// Package auth models the signed-in identity for sync scoping.
//
// The server enforces real authorization; this package only decides how
// wide a pull should reach. Admins see every store, everyone else is
// scoped to their own store.
package auth

import "fmt"

// Role is the access level of a signed-in user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleSeller  Role = "seller"
)

// IsValid reports whether the role is one of the known levels.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleSeller:
		return true
	}
	return false
}

// Principal is the identity this device syncs as.
type Principal struct {
	UserID  string
	Role    Role
	StoreID string
}

// New validates and builds a principal. Non-admin principals must carry
// a store.
func New(userID string, role Role, storeID string) (*Principal, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if !role.IsValid() {
		return nil, fmt.Errorf("unknown role: %q", role)
	}
	if role != RoleAdmin && storeID == "" {
		return nil, fmt.Errorf("role %s requires a store id", role)
	}
	return &Principal{UserID: userID, Role: role, StoreID: storeID}, nil
}

// IsAdmin reports whether the principal sees all stores.
func (p *Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// StoreScope returns the store this principal's pulls are limited to.
// Empty for admins.
func (p *Principal) StoreScope() string {
	if p.IsAdmin() {
		return ""
	}
	return p.StoreID
}
