// Package identity defines the authenticated principal bound to a session
// and the authorization errors raised while deriving it.
package identity

import "github.com/Strob0t/DeskRelay/internal/domain/channel"

// Role represents the authorization level of a user.
type Role string

const (
	RoleEmployee   Role = "employee"
	RoleManager    Role = "manager"
	RoleSuperadmin Role = "superadmin"
)

// ValidRoles is the set of all valid user roles.
var ValidRoles = map[Role]bool{
	RoleEmployee:   true,
	RoleManager:    true,
	RoleSuperadmin: true,
}

// permissions maps each role to the channels it may join.
var permissions = map[Role][]channel.Name{
	RoleEmployee:   {channel.Announcements, channel.Spaces, channel.Bookings},
	RoleManager:    {channel.Announcements, channel.Spaces, channel.Bookings},
	RoleSuperadmin: {channel.Announcements, channel.Spaces, channel.Bookings},
}

// Identity is derived from a validated credential. It is immutable for the
// lifetime of a session.
type Identity struct {
	UserID       int64  `json:"user_id"`
	Role         Role   `json:"role"`
	DepartmentID *int64 `json:"department_id,omitempty"`
}

// Permits reports whether the identity may join ch.
func (id Identity) Permits(ch channel.Name) bool {
	for _, allowed := range permissions[id.Role] {
		if allowed == ch {
			return true
		}
	}
	return false
}

// Channels returns the channels the identity may join, in channel order.
func (id Identity) Channels() []channel.Name {
	var out []channel.Name
	for _, ch := range channel.All() {
		if id.Permits(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// InDepartment reports whether the identity belongs to department dept.
func (id Identity) InDepartment(dept int64) bool {
	return id.DepartmentID != nil && *id.DepartmentID == dept
}
