package channel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"relay-access/internal/apperr"
	"relay-access/internal/channel"
	"relay-access/internal/db/dbtest"
	"relay-access/internal/role"
	"relay-access/internal/tokengate"
)

type fixture struct {
	db       *gorm.DB
	registry *role.Registry
	oracle   *tokengate.StaticOracle
	store    *channel.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	registry := role.NewRegistry(conn)
	require.NoError(t, registry.EnsureSeeded(context.Background()))

	oracle := tokengate.NewStaticOracle()
	return &fixture{
		db:       conn,
		registry: registry,
		oracle:   oracle,
		store:    channel.NewStore(conn, registry, tokengate.NewGate(oracle, time.Second)),
	}
}

func (f *fixture) boundRole(t *testing.T, channelID uint, kind role.Kind) channel.BoundRole {
	t.Helper()
	roles, err := f.store.ListChannelRoles(context.Background(), channelID)
	require.NoError(t, err)
	for _, r := range roles {
		if r.Kind == kind && r.IsDefault {
			return r
		}
	}
	t.Fatalf("no %s role bound to channel %d", kind, channelID)
	return channel.BoundRole{}
}

func TestCreateChannelMakesCreatorOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, owner, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner.UserID)
	assert.Equal(t, ch.ID, owner.ChannelID)

	roles, err := f.store.ListChannelRoles(ctx, ch.ID)
	require.NoError(t, err)
	assert.Len(t, roles, len(role.Kinds()))

	members, err := f.store.ListMembers(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	ownerRole := f.boundRole(t, ch.ID, role.KindOwner)
	assert.Equal(t, []uint{ownerRole.ChannelRoleID}, members[0].ChannelRoleIDs)

	isOwner, err := f.store.HoldsKind(ctx, "alice", ch.ID, role.KindOwner)
	require.NoError(t, err)
	assert.True(t, isOwner)
}

func TestCreateChannelRequiresOwnerTemplate(t *testing.T) {
	conn := dbtest.Open(t)
	store := channel.NewStore(conn, role.NewRegistry(conn), tokengate.NewGate(nil, time.Second))

	_, _, err := store.CreateChannel(context.Background(), "general", "", "alice")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	n, err := store.CountChannels(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateChannelRejectsBlankName(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.store.CreateChannel(context.Background(), "  ", "", "alice")
	assert.True(t, errors.Is(err, apperr.ErrInvalid))
}

func TestBindRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)

	custom, err := f.registry.CreateCustom(ctx, role.RoleTemplate{
		Name: "Pinner", Kind: role.KindMember, Permissions: role.NewPermissionSet(role.PermissionPinMessage),
	})
	require.NoError(t, err)

	binding, err := f.store.BindRole(ctx, ch.ID, custom.ID)
	require.NoError(t, err)
	assert.Equal(t, custom.ID, binding.RoleID)

	_, err = f.store.BindRole(ctx, ch.ID, custom.ID)
	assert.True(t, errors.Is(err, apperr.ErrDuplicateBinding))

	_, err = f.store.BindRole(ctx, 999, custom.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = f.store.BindRole(ctx, ch.ID, 999)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUnbindRoleRevokesAssignments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)

	bob, _, err := f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)
	mod := f.boundRole(t, ch.ID, role.KindModerator)
	_, err = f.store.AssignRole(ctx, bob.ID, mod.ChannelRoleID)
	require.NoError(t, err)

	require.NoError(t, f.store.UnbindRole(ctx, "alice", ch.ID, mod.RoleID))

	ok, err := f.store.Resolver().HasPermission(ctx, "bob", ch.ID, role.PermissionKickMember)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, errors.Is(f.store.UnbindRole(ctx, "alice", ch.ID, mod.RoleID), apperr.ErrNotFound))
}

func TestUnbindRoleGuardsOwnerAndGrantability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)

	bob, _, err := f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)
	admin := f.boundRole(t, ch.ID, role.KindAdmin)
	_, err = f.store.AssignRole(ctx, bob.ID, admin.ChannelRoleID)
	require.NoError(t, err)

	owner := f.boundRole(t, ch.ID, role.KindOwner)
	assert.True(t, errors.Is(f.store.UnbindRole(ctx, "bob", ch.ID, owner.RoleID), apperr.ErrForbidden))
	assert.True(t, errors.Is(f.store.UnbindRole(ctx, "alice", ch.ID, owner.RoleID), apperr.ErrForbidden))

	isOwner, err := f.store.HoldsKind(ctx, "alice", ch.ID, role.KindOwner)
	require.NoError(t, err)
	assert.True(t, isOwner)
	assert.True(t, errors.Is(f.store.Kick(ctx, "bob", "alice", ch.ID), apperr.ErrForbidden))

	superuser, err := f.registry.CreateCustom(ctx, role.RoleTemplate{
		Name: "Superuser", Kind: role.KindAdmin, Permissions: role.NewPermissionSet(role.PermissionAdministrator),
	})
	require.NoError(t, err)
	_, err = f.store.BindRole(ctx, ch.ID, superuser.ID)
	require.NoError(t, err)
	assert.True(t, errors.Is(f.store.UnbindRole(ctx, "bob", ch.ID, superuser.ID), apperr.ErrForbidden))
	require.NoError(t, f.store.UnbindRole(ctx, "alice", ch.ID, superuser.ID))

	mod := f.boundRole(t, ch.ID, role.KindModerator)
	require.NoError(t, f.store.UnbindRole(ctx, "bob", ch.ID, mod.RoleID))
}

func TestJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)

	first, created, err := f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	members, err := f.store.ListMembers(ctx, ch.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	memberRole := f.boundRole(t, ch.ID, role.KindMember)
	assert.Equal(t, []uint{memberRole.ChannelRoleID}, members[1].ChannelRoleIDs)
}

func TestJoinUnknownChannel(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.store.Join(context.Background(), "bob", 42)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)
	_, _, err = f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)

	require.NoError(t, f.store.Leave(ctx, "bob", ch.ID))
	_, err = f.store.GetMembership(ctx, "bob", ch.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	assert.True(t, errors.Is(f.store.Leave(ctx, "bob", ch.ID), apperr.ErrNotFound))
}

func TestLastOwnerCannotLeave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)

	assert.True(t, errors.Is(f.store.Leave(ctx, "alice", ch.ID), apperr.ErrForbidden))

	bob, _, err := f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)
	owner := f.boundRole(t, ch.ID, role.KindOwner)
	_, err = f.store.AssignRole(ctx, bob.ID, owner.ChannelRoleID)
	require.NoError(t, err)

	require.NoError(t, f.store.Leave(ctx, "alice", ch.ID))
	assert.True(t, errors.Is(f.store.Leave(ctx, "bob", ch.ID), apperr.ErrForbidden))
}

func TestAssignRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	general, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)
	random, _, err := f.store.CreateChannel(ctx, "random", "", "alice")
	require.NoError(t, err)

	bob, _, err := f.store.Join(ctx, "bob", general.ID)
	require.NoError(t, err)

	mod := f.boundRole(t, general.ID, role.KindModerator)
	first, err := f.store.AssignRole(ctx, bob.ID, mod.ChannelRoleID)
	require.NoError(t, err)
	again, err := f.store.AssignRole(ctx, bob.ID, mod.ChannelRoleID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	foreign := f.boundRole(t, random.ID, role.KindAdmin)
	_, err = f.store.AssignRole(ctx, bob.ID, foreign.ChannelRoleID)
	assert.True(t, errors.Is(err, apperr.ErrRoleNotInChannel))

	_, err = f.store.AssignRole(ctx, 999, mod.ChannelRoleID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	require.NoError(t, f.store.RevokeRole(ctx, bob.ID, mod.ChannelRoleID))
	assert.True(t, errors.Is(f.store.RevokeRole(ctx, bob.ID, mod.ChannelRoleID), apperr.ErrNotFound))
}

func TestKick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)
	_, _, err = f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)
	carol, _, err := f.store.Join(ctx, "carol", ch.ID)
	require.NoError(t, err)

	assert.True(t, errors.Is(f.store.Kick(ctx, "bob", "carol", ch.ID), apperr.ErrForbidden))

	mod := f.boundRole(t, ch.ID, role.KindModerator)
	_, err = f.store.AssignRole(ctx, carol.ID, mod.ChannelRoleID)
	require.NoError(t, err)

	assert.True(t, errors.Is(f.store.Kick(ctx, "carol", "alice", ch.ID), apperr.ErrForbidden))
	assert.True(t, errors.Is(f.store.Kick(ctx, "carol", "carol", ch.ID), apperr.ErrInvalid))

	require.NoError(t, f.store.Kick(ctx, "carol", "bob", ch.ID))
	_, err = f.store.GetMembership(ctx, "bob", ch.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestKickIgnoresCustomOwnerKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)
	bob, _, err := f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)

	custom, err := f.registry.CreateCustom(ctx, role.RoleTemplate{
		Name: "Figurehead", Kind: role.KindOwner, Permissions: role.NewPermissionSet(role.PermissionViewChannel),
	})
	require.NoError(t, err)
	binding, err := f.store.BindRole(ctx, ch.ID, custom.ID)
	require.NoError(t, err)
	_, err = f.store.AssignRole(ctx, bob.ID, binding.ID)
	require.NoError(t, err)

	isOwner, err := f.store.HoldsKind(ctx, "bob", ch.ID, role.KindOwner)
	require.NoError(t, err)
	assert.False(t, isOwner)
	require.NoError(t, f.store.Kick(ctx, "alice", "bob", ch.ID))
}

func TestDeleteChannelCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)
	_, _, err = f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)

	var cascaded []uint
	f.store.OnChannelDelete(func(tx *gorm.DB, channelID uint) error {
		cascaded = append(cascaded, channelID)
		return nil
	})

	assert.True(t, errors.Is(f.store.DeleteChannel(ctx, "bob", ch.ID), apperr.ErrForbidden))
	require.NoError(t, f.store.DeleteChannel(ctx, "alice", ch.ID))
	assert.Equal(t, []uint{ch.ID}, cascaded)

	_, err = f.store.GetChannel(ctx, ch.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	for _, model := range []interface{}{&channel.Membership{}, &channel.ChannelRole{}, &channel.MemberRoleAssignment{}} {
		var n int64
		require.NoError(t, f.db.Model(model).Count(&n).Error)
		assert.Zero(t, n, "%T", model)
	}
}

func TestSetTokenGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "holders", "", "alice")
	require.NoError(t, err)
	_, _, err = f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)

	_, err = f.store.SetTokenGate(ctx, "bob", ch.ID, true, "0xToken")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	_, err = f.store.SetTokenGate(ctx, "alice", ch.ID, true, " ")
	assert.True(t, errors.Is(err, apperr.ErrInvalid))

	gated, err := f.store.SetTokenGate(ctx, "alice", ch.ID, true, "0xToken")
	require.NoError(t, err)
	assert.True(t, gated.IsTokenGated)
	require.NotNil(t, gated.TokenAddress)
	assert.Equal(t, "0xToken", *gated.TokenAddress)

	open, err := f.store.SetTokenGate(ctx, "alice", ch.ID, false, "")
	require.NoError(t, err)
	assert.False(t, open.IsTokenGated)
	assert.Nil(t, open.TokenAddress)
}

func TestAdmitHonoursTokenGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "holders", "", "alice")
	require.NoError(t, err)
	_, err = f.store.SetTokenGate(ctx, "alice", ch.ID, true, "0xToken")
	require.NoError(t, err)

	_, _, err = f.store.Admit(ctx, "bob", ch.ID, "0xBob")
	assert.True(t, errors.Is(err, apperr.ErrAccessDenied))
	_, err = f.store.GetMembership(ctx, "bob", ch.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	f.oracle.Set("0xBob", "0xToken", true)
	member, created, err := f.store.Admit(ctx, "bob", ch.ID, "0xbob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "bob", member.UserID)

	f.oracle.Set("0xBob", "0xToken", false)
	again, created, err := f.store.Admit(ctx, "bob", ch.ID, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, member.ID, again.ID)
}

func TestRequireGrantable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ch, _, err := f.store.CreateChannel(ctx, "general", "", "alice")
	require.NoError(t, err)
	bob, _, err := f.store.Join(ctx, "bob", ch.ID)
	require.NoError(t, err)

	admin := f.boundRole(t, ch.ID, role.KindAdmin)
	owner := f.boundRole(t, ch.ID, role.KindOwner)
	member := f.boundRole(t, ch.ID, role.KindMember)

	require.NoError(t, f.store.RequireGrantable(ctx, "alice", ch.ID, owner.ChannelRoleID))

	_, err = f.store.AssignRole(ctx, bob.ID, admin.ChannelRoleID)
	require.NoError(t, err)
	assert.NoError(t, f.store.RequireGrantable(ctx, "bob", ch.ID, member.ChannelRoleID))
	assert.True(t, errors.Is(f.store.RequireGrantable(ctx, "bob", ch.ID, owner.ChannelRoleID), apperr.ErrForbidden))
	assert.True(t, errors.Is(f.store.RequireGrantable(ctx, "bob", ch.ID, 999), apperr.ErrRoleNotInChannel))
}
