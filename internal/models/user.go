package models

import "time"

// User is an authenticated person. The ID is the subject issued by the
// identity provider.
type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at"`
}

// NewUser creates a new User for an identity subject.
func NewUser(subject, email, name string) *User {
	now := time.Now().UTC()
	return &User{
		ID:        subject,
		Email:     email,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (u *User) TableName() string { return TableUsers }
func (u *User) RowID() string     { return u.ID }

func (u *User) Field(column string) (any, bool) {
	switch column {
	case "id":
		return u.ID, true
	case "email":
		return u.Email, true
	case "name":
		return u.Name, true
	case "created_at":
		return u.CreatedAt, true
	case "updated_at":
		return u.UpdatedAt, true
	case "deleted_at":
		return nullableTime(u.DeletedAt), true
	}
	return nil, false
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	c := *u
	c.DeletedAt = cloneTime(u.DeletedAt)
	return &c
}
