package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relay-access/internal/apperr"
	"relay-access/internal/role"
	"relay-access/internal/tokengate"
)

// CascadeFunc removes rows another package owns for a channel being deleted.
// It runs inside the deleting transaction.
type CascadeFunc func(tx *gorm.DB, channelID uint) error

// Store owns channels, their role bindings, memberships and assignments.
type Store struct {
	db       *gorm.DB
	registry *role.Registry
	resolver *Resolver
	gate     *tokengate.Gate
	cascades *[]CascadeFunc
}

func NewStore(db *gorm.DB, registry *role.Registry, gate *tokengate.Gate) *Store {
	return &Store{
		db:       db,
		registry: registry,
		resolver: NewResolver(db),
		gate:     gate,
		cascades: &[]CascadeFunc{},
	}
}

// WithTx returns a Store whose reads and writes all go through tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	c := *s
	c.db = tx
	c.resolver = NewResolver(tx)
	return &c
}

func (s *Store) Resolver() *Resolver {
	return s.resolver
}

// OnChannelDelete registers fn to run in every channel deletion transaction.
// Register during setup, before serving requests.
func (s *Store) OnChannelDelete(fn CascadeFunc) {
	*s.cascades = append(*s.cascades, fn)
}

func getChannel(tx *gorm.DB, channelID uint) (Channel, error) {
	var ch Channel
	err := tx.First(&ch, channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ch, fmt.Errorf("channel %d: %w", channelID, apperr.ErrNotFound)
	}
	if err != nil {
		return ch, fmt.Errorf("load channel %d: %w", channelID, err)
	}
	return ch, nil
}

func (s *Store) GetChannel(ctx context.Context, channelID uint) (Channel, error) {
	return getChannel(s.db.WithContext(ctx), channelID)
}

// CreateChannel creates the channel, binds every default template to it and
// makes creatorID its Owner, all in one transaction. Without an Owner default
// nothing is written.
func (s *Store) CreateChannel(ctx context.Context, name, description, creatorID string) (Channel, Membership, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Channel{}, Membership{}, fmt.Errorf("channel name is required: %w", apperr.ErrInvalid)
	}
	if creatorID == "" {
		return Channel{}, Membership{}, fmt.Errorf("creator is required: %w", apperr.ErrInvalid)
	}

	defaults, err := s.registry.ListDefaults(ctx)
	if err != nil {
		return Channel{}, Membership{}, err
	}
	var ownerTemplateID uint
	for _, tpl := range defaults {
		if tpl.Kind == role.KindOwner {
			ownerTemplateID = tpl.ID
		}
	}
	if ownerTemplateID == 0 {
		return Channel{}, Membership{}, fmt.Errorf("default owner template: %w", apperr.ErrNotFound)
	}

	ch := Channel{Name: name, Description: description, CreatedBy: creatorID}
	var owner Membership

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ch).Error; err != nil {
			return fmt.Errorf("create channel: %w", err)
		}

		var ownerRoleID uint
		for _, tpl := range defaults {
			binding := ChannelRole{ChannelID: ch.ID, RoleID: tpl.ID}
			if err := tx.Create(&binding).Error; err != nil {
				return fmt.Errorf("bind %s role: %w", tpl.Kind, err)
			}
			if tpl.ID == ownerTemplateID {
				ownerRoleID = binding.ID
			}
		}

		owner = Membership{UserID: creatorID, ChannelID: ch.ID}
		if err := tx.Create(&owner).Error; err != nil {
			return fmt.Errorf("create owner membership: %w", err)
		}

		assignment := MemberRoleAssignment{MembershipID: owner.ID, ChannelRoleID: ownerRoleID}
		if err := tx.Create(&assignment).Error; err != nil {
			return fmt.Errorf("assign owner role: %w", err)
		}
		return nil
	})
	if err != nil {
		return Channel{}, Membership{}, err
	}

	logrus.WithFields(logrus.Fields{"channel_id": ch.ID, "creator": creatorID}).Info("Created channel")
	return ch, owner, nil
}

// DeleteChannel removes the channel with everything it owns. actorID needs
// manage_channel.
func (s *Store) DeleteChannel(ctx context.Context, actorID string, channelID uint) error {
	if _, err := s.GetChannel(ctx, channelID); err != nil {
		return err
	}
	if err := s.resolver.Require(ctx, actorID, channelID, role.PermissionManageChannel); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("membership_id IN (SELECT id FROM memberships WHERE channel_id = ?)", channelID).
			Delete(&MemberRoleAssignment{}).Error; err != nil {
			return fmt.Errorf("delete assignments: %w", err)
		}
		if err := tx.Where("channel_id = ?", channelID).Delete(&Membership{}).Error; err != nil {
			return fmt.Errorf("delete memberships: %w", err)
		}
		if err := tx.Where("channel_id = ?", channelID).Delete(&ChannelRole{}).Error; err != nil {
			return fmt.Errorf("delete channel roles: %w", err)
		}
		for _, cascade := range *s.cascades {
			if err := cascade(tx, channelID); err != nil {
				return err
			}
		}
		if err := tx.Delete(&Channel{}, channelID).Error; err != nil {
			return fmt.Errorf("delete channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"channel_id": channelID, "actor": actorID}).Info("Deleted channel")
	return nil
}

// BindRole attaches a template to a channel.
func (s *Store) BindRole(ctx context.Context, channelID, roleID uint) (ChannelRole, error) {
	if _, err := s.GetChannel(ctx, channelID); err != nil {
		return ChannelRole{}, err
	}
	if _, err := s.registry.Get(ctx, roleID); err != nil {
		return ChannelRole{}, err
	}

	binding := ChannelRole{ChannelID: channelID, RoleID: roleID}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&binding)
	if result.Error != nil {
		return ChannelRole{}, fmt.Errorf("bind role %d to channel %d: %w", roleID, channelID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ChannelRole{}, fmt.Errorf("role %d in channel %d: %w", roleID, channelID, apperr.ErrDuplicateBinding)
	}

	logrus.WithFields(logrus.Fields{"channel_id": channelID, "role_id": roleID}).Info("Bound role to channel")
	return binding, nil
}

// UnbindRole detaches a template from a channel on behalf of actorID and
// revokes it from every member holding it. The default Owner binding is
// permanent, and nobody can unbind a role they could not grant.
func (s *Store) UnbindRole(ctx context.Context, actorID string, channelID, roleID uint) error {
	var binding ChannelRole
	err := s.db.WithContext(ctx).Where("channel_id = ? AND role_id = ?", channelID, roleID).First(&binding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("role %d in channel %d: %w", roleID, channelID, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load binding: %w", err)
	}

	tpl, err := s.registry.Get(ctx, roleID)
	if err != nil {
		return err
	}
	if tpl.DefaultKind != nil && *tpl.DefaultKind == role.KindOwner {
		return fmt.Errorf("the owner role cannot be unbound: %w", apperr.ErrForbidden)
	}
	if err := s.RequireGrantable(ctx, actorID, channelID, binding.ID); err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("channel_role_id = ?", binding.ID).Delete(&MemberRoleAssignment{}).Error; err != nil {
			return fmt.Errorf("delete assignments: %w", err)
		}
		result := tx.Delete(&binding)
		if result.Error != nil {
			return fmt.Errorf("delete binding: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("role %d in channel %d: %w", roleID, channelID, apperr.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"channel_id": channelID, "role_id": roleID, "actor": actorID}).Info("Unbound role from channel")
	return nil
}

// ListChannelRoles returns the roles bound to a channel with their templates.
func (s *Store) ListChannelRoles(ctx context.Context, channelID uint) ([]BoundRole, error) {
	var roles []BoundRole
	err := s.db.WithContext(ctx).
		Table("channel_roles AS cr").
		Select("cr.id AS channel_role_id, cr.channel_id, cr.role_id, t.name, t.kind, t.is_default, t.permissions").
		Joins("JOIN role_templates t ON t.id = cr.role_id").
		Where("cr.channel_id = ?", channelID).
		Order("cr.id ASC").
		Scan(&roles).Error
	if err != nil {
		return nil, fmt.Errorf("list roles of channel %d: %w", channelID, err)
	}
	return roles, nil
}

// Join makes userID a member of channelID. Joining twice returns the existing
// membership; created reports whether this call made it. New members receive
// the channel's Member role when one is bound.
func (s *Store) Join(ctx context.Context, userID string, channelID uint) (member Membership, created bool, err error) {
	if strings.TrimSpace(userID) == "" {
		return Membership{}, false, fmt.Errorf("user is required: %w", apperr.ErrInvalid)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getChannel(tx, channelID); err != nil {
			return err
		}

		candidate := Membership{UserID: userID, ChannelID: channelID}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
		if result.Error != nil {
			return fmt.Errorf("create membership: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return tx.Where("user_id = ? AND channel_id = ?", userID, channelID).First(&member).Error
		}
		member, created = candidate, true

		var memberRole ChannelRole
		err := tx.Table("channel_roles AS cr").
			Select("cr.*").
			Joins("JOIN role_templates t ON t.id = cr.role_id").
			Where("cr.channel_id = ? AND t.default_kind = ?", channelID, role.KindMember).
			Take(&memberRole).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find member role: %w", err)
		}
		return tx.Create(&MemberRoleAssignment{MembershipID: member.ID, ChannelRoleID: memberRole.ID}).Error
	})
	if err != nil {
		return Membership{}, false, err
	}

	if created {
		logrus.WithFields(logrus.Fields{"channel_id": channelID, "user_id": userID}).Info("Member joined channel")
	}
	return member, created, nil
}

// Admit is the direct join flow: an existing member is returned as is,
// anyone else must pass the channel's token gate first.
func (s *Store) Admit(ctx context.Context, userID string, channelID uint, walletAddress string) (Membership, bool, error) {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return Membership{}, false, err
	}

	existing, err := s.GetMembership(ctx, userID, channelID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return Membership{}, false, err
	}

	if err := s.gate.Check(ctx, ch.GateConfig(), walletAddress); err != nil {
		return Membership{}, false, err
	}
	return s.Join(ctx, userID, channelID)
}

func (s *Store) GetMembership(ctx context.Context, userID string, channelID uint) (Membership, error) {
	var member Membership
	err := s.db.WithContext(ctx).Where("user_id = ? AND channel_id = ?", userID, channelID).First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return member, fmt.Errorf("membership of %s in channel %d: %w", userID, channelID, apperr.ErrNotFound)
	}
	if err != nil {
		return member, fmt.Errorf("load membership: %w", err)
	}
	return member, nil
}

// Leave deletes the membership and its assignments. The last Owner of a
// channel cannot leave it; deleting the channel is the way out.
func (s *Store) Leave(ctx context.Context, userID string, channelID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var member Membership
		err := tx.Where("user_id = ? AND channel_id = ?", userID, channelID).First(&member).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("membership of %s in channel %d: %w", userID, channelID, apperr.ErrNotFound)
		}
		if err != nil {
			return err
		}

		owners, err := countKindHolders(tx, channelID, role.KindOwner)
		if err != nil {
			return err
		}
		isOwner, err := holdsKind(tx, userID, channelID, role.KindOwner)
		if err != nil {
			return err
		}
		if isOwner && owners <= 1 {
			return fmt.Errorf("the last owner cannot leave channel %d: %w", channelID, apperr.ErrForbidden)
		}

		if err := tx.Where("membership_id = ?", member.ID).Delete(&MemberRoleAssignment{}).Error; err != nil {
			return fmt.Errorf("delete assignments: %w", err)
		}
		return tx.Delete(&member).Error
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"channel_id": channelID, "user_id": userID}).Info("Member left channel")
	return nil
}

// Kick removes userID from the channel on behalf of actorID, who needs
// kick_member. Owners cannot be kicked and nobody can kick themselves.
func (s *Store) Kick(ctx context.Context, actorID, userID string, channelID uint) error {
	if actorID == userID {
		return fmt.Errorf("cannot kick yourself: %w", apperr.ErrInvalid)
	}
	if err := s.resolver.Require(ctx, actorID, channelID, role.PermissionKickMember); err != nil {
		return err
	}

	isOwner, err := s.HoldsKind(ctx, userID, channelID, role.KindOwner)
	if err != nil {
		return err
	}
	if isOwner {
		return fmt.Errorf("cannot kick the channel owner: %w", apperr.ErrForbidden)
	}

	if err := s.Leave(ctx, userID, channelID); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"channel_id": channelID, "user_id": userID, "kicked_by": actorID}).Info("Member kicked")
	return nil
}

// HoldsKind reports whether userID holds the default role of kind in the
// channel. Custom templates of the same kind do not count.
func (s *Store) HoldsKind(ctx context.Context, userID string, channelID uint, kind role.Kind) (bool, error) {
	return holdsKind(s.db.WithContext(ctx), userID, channelID, kind)
}

func kindAssignments(tx *gorm.DB, channelID uint, kind role.Kind) *gorm.DB {
	return tx.Table("member_role_assignments AS a").
		Joins("JOIN memberships m ON m.id = a.membership_id").
		Joins("JOIN channel_roles cr ON cr.id = a.channel_role_id").
		Joins("JOIN role_templates t ON t.id = cr.role_id").
		Where("m.channel_id = ? AND t.default_kind = ?", channelID, kind)
}

func holdsKind(tx *gorm.DB, userID string, channelID uint, kind role.Kind) (bool, error) {
	var count int64
	if err := kindAssignments(tx, channelID, kind).Where("m.user_id = ?", userID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check %s role: %w", kind, err)
	}
	return count > 0, nil
}

func countKindHolders(tx *gorm.DB, channelID uint, kind role.Kind) (int64, error) {
	var count int64
	if err := kindAssignments(tx, channelID, kind).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count %s holders: %w", kind, err)
	}
	return count, nil
}

// AssignRole grants a channel role to a membership of the same channel.
// Granting a role twice returns the existing assignment.
func (s *Store) AssignRole(ctx context.Context, membershipID, channelRoleID uint) (MemberRoleAssignment, error) {
	db := s.db.WithContext(ctx)

	var member Membership
	if err := db.First(&member, membershipID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return MemberRoleAssignment{}, fmt.Errorf("membership %d: %w", membershipID, apperr.ErrNotFound)
		}
		return MemberRoleAssignment{}, err
	}

	var binding ChannelRole
	if err := db.First(&binding, channelRoleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return MemberRoleAssignment{}, fmt.Errorf("channel role %d: %w", channelRoleID, apperr.ErrNotFound)
		}
		return MemberRoleAssignment{}, err
	}

	if binding.ChannelID != member.ChannelID {
		return MemberRoleAssignment{}, fmt.Errorf("channel role %d belongs to channel %d, membership %d to channel %d: %w",
			binding.ID, binding.ChannelID, member.ID, member.ChannelID, apperr.ErrRoleNotInChannel)
	}

	assignment := MemberRoleAssignment{MembershipID: member.ID, ChannelRoleID: binding.ID}
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&assignment)
	if result.Error != nil {
		return MemberRoleAssignment{}, fmt.Errorf("assign role: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		err := db.Where("membership_id = ? AND channel_role_id = ?", member.ID, binding.ID).First(&assignment).Error
		return assignment, err
	}

	logrus.WithFields(logrus.Fields{
		"channel_id": member.ChannelID, "user_id": member.UserID, "channel_role_id": binding.ID,
	}).Info("Assigned role")
	return assignment, nil
}

// RevokeRole removes a single assignment.
func (s *Store) RevokeRole(ctx context.Context, membershipID, channelRoleID uint) error {
	result := s.db.WithContext(ctx).
		Where("membership_id = ? AND channel_role_id = ?", membershipID, channelRoleID).
		Delete(&MemberRoleAssignment{})
	if result.Error != nil {
		return fmt.Errorf("revoke role: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("assignment of role %d to membership %d: %w", channelRoleID, membershipID, apperr.ErrNotFound)
	}
	return nil
}

// ListMembers returns every membership of the channel with its role ids.
func (s *Store) ListMembers(ctx context.Context, channelID uint) ([]MemberView, error) {
	db := s.db.WithContext(ctx)

	var members []Membership
	if err := db.Where("channel_id = ?", channelID).Order("id ASC").Find(&members).Error; err != nil {
		return nil, fmt.Errorf("list members of channel %d: %w", channelID, err)
	}
	if len(members) == 0 {
		return []MemberView{}, nil
	}

	ids := make([]uint, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	var assignments []MemberRoleAssignment
	if err := db.Where("membership_id IN ?", ids).Order("id ASC").Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	byMember := make(map[uint][]uint, len(members))
	for _, a := range assignments {
		byMember[a.MembershipID] = append(byMember[a.MembershipID], a.ChannelRoleID)
	}

	views := make([]MemberView, 0, len(members))
	for _, m := range members {
		roleIDs := byMember[m.ID]
		if roleIDs == nil {
			roleIDs = []uint{}
		}
		views = append(views, MemberView{Membership: m, ChannelRoleIDs: roleIDs})
	}
	return views, nil
}

func (s *Store) CountMembers(ctx context.Context, channelID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Membership{}).Where("channel_id = ?", channelID).Count(&count).Error
	return count, err
}

// CountChannels is used at startup to detect a fresh installation.
func (s *Store) CountChannels(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Channel{}).Count(&count).Error
	return count, err
}

// SetTokenGate toggles gating on behalf of actorID, who needs manage_channel.
// Turning gating off clears the token address.
func (s *Store) SetTokenGate(ctx context.Context, actorID string, channelID uint, gated bool, tokenAddress string) (Channel, error) {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return Channel{}, err
	}
	if err := s.resolver.Require(ctx, actorID, channelID, role.PermissionManageChannel); err != nil {
		return Channel{}, err
	}

	tokenAddress = strings.TrimSpace(tokenAddress)
	if gated && tokenAddress == "" {
		return Channel{}, fmt.Errorf("token address required to gate a channel: %w", apperr.ErrInvalid)
	}

	updates := map[string]interface{}{"is_token_gated": gated, "token_address": nil}
	if gated {
		updates["token_address"] = tokenAddress
	}
	if err := s.db.WithContext(ctx).Model(&ch).Updates(updates).Error; err != nil {
		return Channel{}, fmt.Errorf("update token gate: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"channel_id": channelID, "gated": gated, "token": tokenAddress, "actor": actorID,
	}).Info("Updated channel token gate")
	return s.GetChannel(ctx, channelID)
}

// RequireGrantable fails unless actorID already holds every permission the
// channel role carries, so nobody hands out more than they have.
func (s *Store) RequireGrantable(ctx context.Context, actorID string, channelID, channelRoleID uint) error {
	roles, err := s.ListChannelRoles(ctx, channelID)
	if err != nil {
		return err
	}

	var target *BoundRole
	for i := range roles {
		if roles[i].ChannelRoleID == channelRoleID {
			target = &roles[i]
		}
	}
	if target == nil {
		return fmt.Errorf("channel role %d in channel %d: %w", channelRoleID, channelID, apperr.ErrRoleNotInChannel)
	}

	held, err := s.resolver.ListPermissions(ctx, actorID, channelID)
	if err != nil {
		return err
	}
	for p := range target.Permissions {
		if !held.Has(p) {
			return fmt.Errorf("%s cannot grant %s: %w", actorID, p, apperr.ErrForbidden)
		}
	}
	return nil
}
