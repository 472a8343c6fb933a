// Package identity turns an authenticated principal into an agency profile
// and keeps that profile current for the rest of the session.
package identity

import (
	"strings"
	"time"

	"github.com/smallbiznis/carehub/internal/docstore"
)

type Role string

const (
	RolePending  Role = "pending"
	RoleAdmin    Role = "admin"
	RoleDirector Role = "director"
	RoleFinance  Role = "finance"
	RoleStaff    Role = "staff"
)

// SystemPrincipalID stamps writes made by background workers.
const SystemPrincipalID = "system"

// Principal is what the credential service vouches for.
type Principal struct {
	ID          string
	Email       string
	DisplayName string
}

// Profile is the agency-side record for a principal, stored in users/{id}.
type Profile struct {
	PrincipalID string    `json:"uid"`
	Role        Role      `json:"role"`
	IsActive    bool      `json:"isActive"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AwaitingActivation is true until an administrator activates the profile.
// No data flows and no write succeeds in that state.
func (p Profile) AwaitingActivation() bool {
	return !p.IsActive
}

// SystemProfile is the actor used by the reconciliation sweep.
func SystemProfile() Profile {
	return Profile{PrincipalID: SystemPrincipalID, Role: RoleAdmin, IsActive: true, DisplayName: "system"}
}

// ProfileFromDocument reads a users document. Unknown or empty roles become
// pending.
func ProfileFromDocument(doc docstore.Document) Profile {
	p := Profile{
		PrincipalID: doc.ID,
		Role:        NormalizeRole(docstore.AsString(doc.Fields["role"])),
		IsActive:    asBool(doc.Fields["isActive"]),
		Email:       docstore.AsString(doc.Fields["email"]),
		DisplayName: docstore.AsString(doc.Fields["displayName"]),
	}
	if createdAt, ok := docstore.AsTime(doc.Fields["createdAt"]); ok {
		p.CreatedAt = createdAt
	}
	return p
}

// NormalizeRole lowercases role. Roles outside the known set are kept as-is
// so policy treats them as ordinary staff.
func NormalizeRole(raw string) Role {
	role := strings.ToLower(strings.TrimSpace(raw))
	if role == "" {
		return RolePending
	}
	return Role(role)
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true")
	default:
		return false
	}
}
