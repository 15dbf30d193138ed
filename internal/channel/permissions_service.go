package channel

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"relay-access/internal/apperr"
	"relay-access/internal/metrics"
	"relay-access/internal/role"
)

// Resolver answers permission questions from the membership/assignment graph.
// It reads through on every call; callers that need several answers within
// one operation should call ListPermissions once and test the result.
type Resolver struct {
	db *gorm.DB
}

func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// HasPermission reports whether userID may exercise permission in channelID.
// Non-members hold nothing; an administrator role grants everything.
func (r *Resolver) HasPermission(ctx context.Context, userID string, channelID uint, permission role.Permission) (bool, error) {
	if !permission.Valid() {
		return false, fmt.Errorf("permission %q: %w", permission, apperr.ErrInvalid)
	}

	granted, err := r.effective(ctx, userID, channelID)
	if err != nil {
		return false, err
	}

	allowed := granted.Has(permission)
	metrics.ObservePermissionCheck(string(permission), allowed)
	return allowed, nil
}

// ListPermissions returns the union HasPermission tests against, widened to
// the whole enumeration when any role carries administrator.
func (r *Resolver) ListPermissions(ctx context.Context, userID string, channelID uint) (role.PermissionSet, error) {
	granted, err := r.effective(ctx, userID, channelID)
	if err != nil {
		return nil, err
	}
	if granted.IsAdministrator() {
		return role.Universe(), nil
	}
	return granted, nil
}

// Require is HasPermission turned into an error for administrative actions.
func (r *Resolver) Require(ctx context.Context, userID string, channelID uint, permission role.Permission) error {
	ok, err := r.HasPermission(ctx, userID, channelID, permission)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s requires %s in channel %d: %w", userID, permission, channelID, apperr.ErrForbidden)
	}
	return nil
}

// effective is the single traversal behind both query forms:
// membership -> assignments -> channel roles -> templates -> union.
// A missing membership joins to nothing and yields the empty set.
func (r *Resolver) effective(ctx context.Context, userID string, channelID uint) (role.PermissionSet, error) {
	var raw []string
	err := r.db.WithContext(ctx).
		Table("member_role_assignments AS a").
		Joins("JOIN memberships m ON m.id = a.membership_id").
		Joins("JOIN channel_roles cr ON cr.id = a.channel_role_id AND cr.channel_id = m.channel_id").
		Joins("JOIN role_templates t ON t.id = cr.role_id").
		Where("m.user_id = ? AND m.channel_id = ?", userID, channelID).
		Pluck("t.permissions", &raw).Error
	if err != nil {
		return nil, fmt.Errorf("resolve permissions for %s in channel %d: %w", userID, channelID, err)
	}

	granted := role.PermissionSet{}
	for _, encoded := range raw {
		var set role.PermissionSet
		if err := set.Scan(encoded); err != nil {
			return nil, fmt.Errorf("decode role permissions: %w", err)
		}
		if set.IsAdministrator() {
			return set, nil
		}
		granted.Union(set)
	}
	return granted, nil
}
