package models

import "strings"

// Roles reported by the backend. Comparison is case-insensitive.
const (
	RoleStudent          = "student"
	RoleParent           = "parent"
	RoleCorporatePartner = "corporate_partner"
	RoleAdmin            = "admin"
)

// NormalizeRole lower-cases and trims a role label. Empty input stays empty.
func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// KnownRole reports whether role names one of the portal roles.
func KnownRole(role string) bool {
	switch NormalizeRole(role) {
	case RoleStudent, RoleParent, RoleCorporatePartner, RoleAdmin:
		return true
	}
	return false
}
