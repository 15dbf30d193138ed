package channel

import (
	"time"

	"relay-access/internal/role"
)

// ChannelRole binds one role template to one channel.
type ChannelRole struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ChannelID uint      `gorm:"not null;uniqueIndex:idx_channel_role" json:"channel_id"`
	RoleID    uint      `gorm:"not null;uniqueIndex:idx_channel_role;index" json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MemberRoleAssignment grants a channel role to a membership.
type MemberRoleAssignment struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	MembershipID  uint      `gorm:"not null;uniqueIndex:idx_member_role" json:"membership_id"`
	ChannelRoleID uint      `gorm:"not null;uniqueIndex:idx_member_role;index" json:"channel_role_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// BoundRole is a channel role joined with its template, for listings.
type BoundRole struct {
	ChannelRoleID uint               `json:"channel_role_id"`
	ChannelID     uint               `json:"channel_id"`
	RoleID        uint               `json:"role_id"`
	Name          string             `json:"name"`
	Kind          role.Kind          `json:"kind"`
	IsDefault     bool               `json:"is_default"`
	Permissions   role.PermissionSet `json:"permissions"`
}

// MemberView is a membership with the ids of the channel roles it holds.
type MemberView struct {
	Membership
	ChannelRoleIDs []uint `json:"channel_role_ids"`
}
