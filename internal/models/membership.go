package models

import (
	"time"

	"github.com/google/uuid"
)

// OrgRole defines the role of a user within an organization.
type OrgRole string

const (
	// OrgRoleOwner has full control over the organization.
	OrgRoleOwner OrgRole = "owner"
	// OrgRoleAdmin can manage members and all resources.
	OrgRoleAdmin OrgRole = "admin"
	// OrgRoleMember can create and manage todos and tags.
	OrgRoleMember OrgRole = "member"
)

// ValidOrgRoles returns all valid organization roles.
func ValidOrgRoles() []OrgRole {
	return []OrgRole{OrgRoleOwner, OrgRoleAdmin, OrgRoleMember}
}

// IsValidOrgRole checks if the given role is a valid organization role.
func IsValidOrgRole(role string) bool {
	for _, r := range ValidOrgRoles() {
		if string(r) == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the role can administer the organization.
func (r OrgRole) IsAdmin() bool {
	return r == OrgRoleOwner || r == OrgRoleAdmin
}

// OrgMembership represents a user's membership in an organization.
// A membership with DeletedAt set no longer grants access.
type OrgMembership struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	UserID    string     `json:"user_id"`
	Role      OrgRole    `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at"`
}

// NewOrgMembership creates a new membership for a user in an organization.
func NewOrgMembership(userID, orgID string, role OrgRole) *OrgMembership {
	now := time.Now().UTC()
	return &OrgMembership{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		UserID:    userID,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *OrgMembership) TableName() string { return TableOrgMembers }
func (m *OrgMembership) RowID() string     { return m.ID }

func (m *OrgMembership) Field(column string) (any, bool) {
	switch column {
	case "id":
		return m.ID, true
	case "org_id":
		return m.OrgID, true
	case "user_id":
		return m.UserID, true
	case "role":
		return string(m.Role), true
	case "created_at":
		return m.CreatedAt, true
	case "updated_at":
		return m.UpdatedAt, true
	case "deleted_at":
		return nullableTime(m.DeletedAt), true
	}
	return nil, false
}

// Clone returns a deep copy of the membership.
func (m *OrgMembership) Clone() *OrgMembership {
	c := *m
	c.DeletedAt = cloneTime(m.DeletedAt)
	return &c
}
