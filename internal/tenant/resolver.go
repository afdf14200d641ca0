// Package tenant resolves which organizations a user may act in: the home
// tenant versus external collaborations, and whether the user should be
// offered an organization-creation affordance. Membership data is read-only
// here; it is owned by the identity/invitation subsystem.
package tenant

import "countersign/api/internal/store"

// DefaultDisplayName is the canonical fallback when a membership carries no
// tenant display name. Resolved in exactly one place.
const DefaultDisplayName = "Company"

// Classification partitions a user's memberships. Inactive invitations are
// filtered out entirely.
type Classification struct {
	Home     []store.Membership
	External []store.Membership
}

// Classify splits memberships into home and external collaborations. A user
// has at most one home tenant; memberships elsewhere are never promoted to
// home implicitly.
func Classify(user store.User, memberships []store.Membership) Classification {
	var c Classification
	for _, m := range memberships {
		if m.InvitationStatus == store.InvitationInactive {
			continue
		}
		if m.TenantName == user.HomeTenantName {
			c.Home = append(c.Home, m)
		} else {
			c.External = append(c.External, m)
		}
	}
	return c
}

// CanCreateOwnOrganization reports whether the user has no home-tenant
// membership yet, which decides between showing an organization-creation
// affordance and a plain organization switcher.
func CanCreateOwnOrganization(user store.User, memberships []store.Membership) bool {
	if user.HomeTenantName == "" {
		return true
	}
	for _, m := range memberships {
		if m.TenantName == user.HomeTenantName && m.InvitationStatus != store.InvitationInactive {
			return false
		}
	}
	return true
}

// DisplayName resolves the name shown for a membership's tenant.
func DisplayName(m store.Membership) string {
	if m.TenantDisplayName == "" {
		return DefaultDisplayName
	}
	return m.TenantDisplayName
}

// SessionContext is a caller's active-tenant pointer. Switching tenants
// replaces this context; it never mutates membership data.
type SessionContext struct {
	UserID       string
	ActiveTenant string
}

// SwitchActiveTenant returns the context scoped to the target tenant. A
// switch to the already-active tenant returns the context unchanged.
func SwitchActiveTenant(current SessionContext, targetTenantName string) SessionContext {
	if current.ActiveTenant == targetTenantName {
		return current
	}
	return SessionContext{UserID: current.UserID, ActiveTenant: targetTenantName}
}

// HasActiveMembership reports whether the user can act in the tenant at all.
// Invited-but-unaccepted memberships do not grant access.
func HasActiveMembership(memberships []store.Membership, tenantName string) bool {
	for _, m := range memberships {
		if m.TenantName == tenantName && m.InvitationStatus == store.InvitationActive {
			return true
		}
	}
	return false
}
