// Package models defines the domain models for tasksync.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization represents a tenant. Every todo and tag belongs to exactly one.
type Organization struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Slug      string     `json:"slug"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at"`
}

// NewOrganization creates a new Organization with the given name and slug.
func NewOrganization(name, slug string) *Organization {
	now := time.Now().UTC()
	return &Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (o *Organization) TableName() string { return TableOrganizations }
func (o *Organization) RowID() string     { return o.ID }

func (o *Organization) Field(column string) (any, bool) {
	switch column {
	case "id":
		return o.ID, true
	case "name":
		return o.Name, true
	case "slug":
		return o.Slug, true
	case "created_at":
		return o.CreatedAt, true
	case "updated_at":
		return o.UpdatedAt, true
	case "deleted_at":
		return nullableTime(o.DeletedAt), true
	}
	return nil, false
}

// Clone returns a deep copy of the organization.
func (o *Organization) Clone() *Organization {
	c := *o
	c.DeletedAt = cloneTime(o.DeletedAt)
	return &c
}
