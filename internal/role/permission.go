package role

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

type Permission string

const (
	// Administrator supersedes every other flag.
	PermissionAdministrator Permission = "administrator"

	// Channel management
	PermissionManageChannel  Permission = "manage_channel"
	PermissionManageRoles    Permission = "manage_roles"
	PermissionManageMessages Permission = "manage_messages"
	PermissionManageInvites  Permission = "manage_invites"

	// Member management
	PermissionKickMember   Permission = "kick_member"
	PermissionBanMember    Permission = "ban_member"
	PermissionInviteMember Permission = "invite_member"

	// Everyday participation
	PermissionPinMessage  Permission = "pin_message"
	PermissionSendMessage Permission = "send_message"
	PermissionAddReaction Permission = "add_reaction"
	PermissionAttachFiles Permission = "attach_files"
	PermissionReadHistory Permission = "read_history"
	PermissionViewChannel Permission = "view_channel"
)

var allPermissions = []Permission{
	PermissionAdministrator,
	PermissionManageChannel,
	PermissionManageRoles,
	PermissionManageMessages,
	PermissionManageInvites,
	PermissionKickMember,
	PermissionBanMember,
	PermissionInviteMember,
	PermissionPinMessage,
	PermissionSendMessage,
	PermissionAddReaction,
	PermissionAttachFiles,
	PermissionReadHistory,
	PermissionViewChannel,
}

// AllPermissions returns the full enumeration, administrator included.
func AllPermissions() []Permission {
	out := make([]Permission, len(allPermissions))
	copy(out, allPermissions)
	return out
}

// Valid reports whether p is part of the enumeration.
func (p Permission) Valid() bool {
	for _, known := range allPermissions {
		if p == known {
			return true
		}
	}
	return false
}

// PermissionSet is an unordered set of flags. It is stored as a sorted JSON
// array so equal sets always serialise identically.
type PermissionSet map[Permission]struct{}

func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Universe is the set every administrator effectively holds.
func Universe() PermissionSet {
	return NewPermissionSet(allPermissions...)
}

// Has reports whether p is granted, honouring the administrator override.
func (s PermissionSet) Has(p Permission) bool {
	if _, ok := s[PermissionAdministrator]; ok {
		return true
	}
	_, ok := s[p]
	return ok
}

func (s PermissionSet) IsAdministrator() bool {
	_, ok := s[PermissionAdministrator]
	return ok
}

// Union adds every flag of other to s.
func (s PermissionSet) Union(other PermissionSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

// Slice returns the flags sorted by name.
func (s PermissionSet) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var perms []Permission
	if err := json.Unmarshal(data, &perms); err != nil {
		return err
	}
	for _, p := range perms {
		if !p.Valid() {
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	*s = NewPermissionSet(perms...)
	return nil
}

func (s PermissionSet) Value() (driver.Value, error) {
	data, err := json.Marshal(s.Slice())
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *PermissionSet) Scan(value interface{}) error {
	if value == nil {
		*s = PermissionSet{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into PermissionSet", value)
	}

	var perms []Permission
	if err := json.Unmarshal(data, &perms); err != nil {
		return err
	}
	*s = NewPermissionSet(perms...)
	return nil
}
