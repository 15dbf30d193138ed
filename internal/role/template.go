package role

import "time"

type Kind string

const (
	KindOwner     Kind = "owner"
	KindAdmin     Kind = "admin"
	KindModerator Kind = "moderator"
	KindMember    Kind = "member"
	KindGuest     Kind = "guest"
)

// Kinds lists the canonical template kinds in descending authority.
func Kinds() []Kind {
	return []Kind{KindOwner, KindAdmin, KindModerator, KindMember, KindGuest}
}

func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// RoleTemplate is a named permission bundle not yet bound to a channel.
//
// DefaultKind is set to Kind only on default templates. Its unique index is
// what keeps concurrent seeders from creating two defaults of one kind, while
// NULLs leave custom templates of any kind unconstrained.
type RoleTemplate struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	Name        string        `gorm:"not null" json:"name"`
	Description string        `json:"description"`
	Kind        Kind          `gorm:"not null;index" json:"kind"`
	IsDefault   bool          `gorm:"not null;default:false" json:"is_default"`
	DefaultKind *Kind         `gorm:"uniqueIndex" json:"-"`
	Permissions PermissionSet `gorm:"type:text;not null" json:"permissions"`
	CreatedAt   time.Time     `json:"created_at"`
}

// defaultTemplates returns the catalogue seeded at bootstrap.
func defaultTemplates() []RoleTemplate {
	participant := []Permission{
		PermissionViewChannel, PermissionReadHistory, PermissionSendMessage,
		PermissionAddReaction, PermissionAttachFiles,
	}

	return []RoleTemplate{
		{
			Name:        "Owner",
			Description: "Channel creator; holds every permission",
			Kind:        KindOwner,
			Permissions: NewPermissionSet(PermissionAdministrator),
		},
		{
			Name:        "Admin",
			Description: "Manages the channel, its roles and its members",
			Kind:        KindAdmin,
			Permissions: NewPermissionSet(append([]Permission{
				PermissionManageChannel, PermissionManageRoles, PermissionManageMessages,
				PermissionManageInvites, PermissionKickMember, PermissionBanMember,
				PermissionInviteMember, PermissionPinMessage,
			}, participant...)...),
		},
		{
			Name:        "Moderator",
			Description: "Keeps conversations in order",
			Kind:        KindModerator,
			Permissions: NewPermissionSet(append([]Permission{
				PermissionManageMessages, PermissionKickMember, PermissionBanMember,
				PermissionInviteMember, PermissionPinMessage,
			}, participant...)...),
		},
		{
			Name:        "Member",
			Description: "Regular participant",
			Kind:        KindMember,
			Permissions: NewPermissionSet(append([]Permission{PermissionInviteMember}, participant...)...),
		},
		{
			Name:        "Guest",
			Description: "Read-only visitor",
			Kind:        KindGuest,
			Permissions: NewPermissionSet(PermissionViewChannel, PermissionReadHistory),
		},
	}
}
