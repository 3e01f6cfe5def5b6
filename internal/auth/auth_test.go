package auth

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/errs"
)

func TestLoadIdentityCreatesFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.json")

	id, err := LoadIdentity(path)
	require.NoError(t, err)

	u, err := id.CurrentUser()
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, filepath.Base(dir), u.Name)
	assert.Empty(t, id.Token())

	// A second load must return the same identity, not mint a new one.
	again, err := LoadIdentity(path)
	require.NoError(t, err)
	u2, err := again.CurrentUser()
	require.NoError(t, err)
	assert.Equal(t, u.ID, u2.ID)
}

func TestSetTokenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	id, err := LoadIdentity(path)
	require.NoError(t, err)

	require.NoError(t, id.SetToken("session-abc"))

	reloaded, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, "session-abc", reloaded.Token())
}

func TestStaticWithoutUserIsUnauthenticated(t *testing.T) {
	s := &Static{}
	_, err := s.CurrentUser()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Unauthenticated))
}

func TestStaticReturnsUser(t *testing.T) {
	s := &Static{User: &User{ID: "alice"}, AuthToken: "tok"}
	u, err := s.CurrentUser()
	require.NoError(t, err)
	assert.Equal(t, "alice", u.ID)
	assert.Equal(t, "tok", s.Token())
}
