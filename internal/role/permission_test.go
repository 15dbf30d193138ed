package role

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdministratorGrantsEverything(t *testing.T) {
	s := NewPermissionSet(PermissionAdministrator)
	for _, p := range AllPermissions() {
		assert.True(t, s.Has(p), p)
	}
}

func TestHasWithoutAdministrator(t *testing.T) {
	s := NewPermissionSet(PermissionSendMessage)
	assert.True(t, s.Has(PermissionSendMessage))
	assert.False(t, s.Has(PermissionKickMember))
	assert.False(t, s.IsAdministrator())
}

func TestUnion(t *testing.T) {
	s := NewPermissionSet(PermissionSendMessage)
	s.Union(NewPermissionSet(PermissionViewChannel, PermissionSendMessage))
	assert.Equal(t, []Permission{PermissionSendMessage, PermissionViewChannel}, s.Slice())
}

func TestPermissionSetJSON(t *testing.T) {
	data, err := json.Marshal(NewPermissionSet(PermissionViewChannel, PermissionAddReaction))
	require.NoError(t, err)
	assert.JSONEq(t, `["add_reaction","view_channel"]`, string(data))

	var s PermissionSet
	require.NoError(t, json.Unmarshal([]byte(`["kick_member"]`), &s))
	assert.True(t, s.Has(PermissionKickMember))

	assert.Error(t, json.Unmarshal([]byte(`["fly"]`), &s))
}

func TestPermissionSetScan(t *testing.T) {
	var s PermissionSet
	require.NoError(t, s.Scan([]byte(`["send_message"]`)))
	assert.True(t, s.Has(PermissionSendMessage))

	require.NoError(t, s.Scan(`["view_channel"]`))
	assert.Equal(t, []Permission{PermissionViewChannel}, s.Slice())

	require.NoError(t, s.Scan(nil))
	assert.Empty(t, s)

	assert.Error(t, s.Scan(42))
}

func TestDefaultTemplatesCoverEveryKind(t *testing.T) {
	seen := map[Kind]bool{}
	for _, tpl := range defaultTemplates() {
		assert.False(t, seen[tpl.Kind], "duplicate default for %s", tpl.Kind)
		seen[tpl.Kind] = true
	}
	for _, k := range Kinds() {
		assert.True(t, seen[k], "missing default for %s", k)
	}
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindGuest.Valid())
	assert.False(t, Kind("superuser").Valid())
}
