package role_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"relay-access/internal/apperr"
	"relay-access/internal/db/dbtest"
	"relay-access/internal/role"
)

func TestEnsureSeededIsIdempotent(t *testing.T) {
	ctx := context.Background()
	registry := role.NewRegistry(dbtest.Open(t))

	require.NoError(t, registry.EnsureSeeded(ctx))
	require.NoError(t, registry.EnsureSeeded(ctx))

	defaults, err := registry.ListDefaults(ctx)
	require.NoError(t, err)
	require.Len(t, defaults, len(role.Kinds()))

	for _, kind := range role.Kinds() {
		tpl, err := registry.DefaultFor(ctx, kind)
		require.NoError(t, err)
		assert.True(t, tpl.IsDefault)
		assert.Equal(t, kind, tpl.Kind)
	}

	owner, err := registry.DefaultFor(ctx, role.KindOwner)
	require.NoError(t, err)
	assert.True(t, owner.Permissions.IsAdministrator())
}

func TestEnsureSeededConcurrentProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	first := role.NewRegistry(dbtest.OpenAt(t, path))
	second := role.NewRegistry(dbtest.OpenAt(t, path))

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error { return first.EnsureSeeded(ctx) })
		g.Go(func() error { return second.EnsureSeeded(ctx) })
	}
	require.NoError(t, g.Wait())

	defaults, err := first.ListDefaults(ctx)
	require.NoError(t, err)
	assert.Len(t, defaults, len(role.Kinds()))
}

func TestGetUnknownTemplate(t *testing.T) {
	registry := role.NewRegistry(dbtest.Open(t))
	_, err := registry.Get(context.Background(), 999)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCreateCustom(t *testing.T) {
	ctx := context.Background()
	registry := role.NewRegistry(dbtest.Open(t))
	require.NoError(t, registry.EnsureSeeded(ctx))

	tpl, err := registry.CreateCustom(ctx, role.RoleTemplate{
		Name:        "Pinner",
		Kind:        role.KindMember,
		IsDefault:   true,
		Permissions: role.NewPermissionSet(role.PermissionPinMessage),
	})
	require.NoError(t, err)
	assert.NotZero(t, tpl.ID)
	assert.False(t, tpl.IsDefault)

	got, err := registry.Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pinner", got.Name)
	assert.True(t, got.Permissions.Has(role.PermissionPinMessage))

	member, err := registry.DefaultFor(ctx, role.KindMember)
	require.NoError(t, err)
	assert.NotEqual(t, tpl.ID, member.ID)

	all, err := registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(role.Kinds())+1)
}

func TestCreateCustomRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	registry := role.NewRegistry(dbtest.Open(t))

	_, err := registry.CreateCustom(ctx, role.RoleTemplate{Name: " ", Kind: role.KindGuest})
	assert.True(t, errors.Is(err, apperr.ErrInvalid))

	_, err = registry.CreateCustom(ctx, role.RoleTemplate{Name: "X", Kind: "overlord"})
	assert.True(t, errors.Is(err, apperr.ErrInvalid))
}
