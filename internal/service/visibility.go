package service

import (
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
)

// Visible returns the predicate selecting who may see ev.
//
//   - announcements: company-wide ones reach everyone; department ones reach
//     that department and superadmins.
//   - spaces: every subscriber.
//   - bookings: the owner, and managers of the booking's department.
func Visible(ev *channel.Event) Predicate {
	aud := ev.Audience
	switch ev.Channel {
	case channel.Announcements:
		if aud.DepartmentID == nil {
			return nil
		}
		dept := *aud.DepartmentID
		return func(id identity.Identity) bool {
			return id.Role == identity.RoleSuperadmin || id.InDepartment(dept)
		}
	case channel.Bookings:
		return func(id identity.Identity) bool {
			if id.UserID == aud.UserID {
				return true
			}
			return id.Role == identity.RoleManager && aud.DepartmentID != nil && id.InDepartment(*aud.DepartmentID)
		}
	case channel.Spaces:
		return nil
	default:
		return func(identity.Identity) bool { return false }
	}
}
