package credentialsdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signond/signond/pkg/signonerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleIdentity() Identity {
	return Identity{
		Caption:  "John's account",
		Username: "John",
		Password: "s3cret",
		ACL:      []string{"*"},
		Methods:  map[string][]string{"ssotest": {"mech1", "mech2"}},
		Realms:   []string{"example.com"},
	}
}

func TestInsertAndCredentials(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := s.Insert(ctx, sampleIdentity(), true, "")
	require.NotZero(t, id, "Insert() returned 0, lastErr = %v", s.LastError())

	got, err := s.Credentials(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, "John", got.Username)
	assert.Equal(t, "John's account", got.Caption)
	assert.Equal(t, "s3cret", got.Password)
	assert.Len(t, got.Methods["ssotest"], 2)
}

func TestCredentialsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Credentials(ctx, 999, false)
	require.Error(t, err)
	assert.True(t, signonerr.IsIdentityNotFound(err), "error = %v, want IdentityNotFound", err)
}

func TestRemoveThenNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := s.Insert(ctx, sampleIdentity(), true, "")
	require.True(t, s.Remove(ctx, id), "Remove() failed, lastErr = %v", s.LastError())

	_, err := s.Credentials(ctx, id, false)
	assert.True(t, signonerr.IsIdentityNotFound(err), "Credentials() after remove = %v, want IdentityNotFound", err)
}

func TestCredentialsFilteredEmptyReturnsAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Insert(ctx, sampleIdentity(), true, "")
	s.Insert(ctx, Identity{Caption: "second", Username: "Jane", Methods: map[string][]string{}}, false, "")

	all, err := s.CredentialsFiltered(ctx, map[string]string{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Less(t, all[0].ID, all[1].ID, "expected ascending id order")
}

func TestOwnerTokenFiltering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	info := sampleIdentity()
	info.ACL = []string{"AID::owner", "regular-token"}
	id := s.Insert(ctx, info, true, "AID::the-real-owner")

	acl, err := s.AccessControlList(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, acl, "AID::owner", "a client-submitted owner-looking token must be rejected")
	assert.Contains(t, acl, "AID::the-real-owner", "the daemon-synthesized owner token must still land in the ACL")
	assert.Contains(t, acl, "regular-token")

	owner, ok := s.OwnerToken(ctx, id)
	require.True(t, ok, "OwnerToken() should find the synthesized owner token")
	assert.Equal(t, "AID::the-real-owner", owner)
}

func TestOwnerTokenSurvivesUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := s.Insert(ctx, sampleIdentity(), true, "AID::the-real-owner")
	require.NotZero(t, id)

	updated := sampleIdentity()
	updated.ID = id
	updated.Caption = "renamed"
	owner, ok := s.OwnerToken(ctx, id)
	require.True(t, ok)
	require.NotZero(t, s.Update(ctx, updated, true, owner), "Update() failed, lastErr = %v", s.LastError())

	stillOwner, ok := s.OwnerToken(ctx, id)
	require.True(t, ok, "Update() must not drop the owner token when it is passed back in")
	assert.Equal(t, "AID::the-real-owner", stillOwner)
}

func TestGCRemovesOrphanedRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := s.Insert(ctx, sampleIdentity(), true, "")
	require.True(t, s.Remove(ctx, id), "Remove() failed, lastErr = %v", s.LastError())

	var methodCount int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM METHODS`).Scan(&methodCount))
	assert.Zero(t, methodCount)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Insert(ctx, sampleIdentity(), true, "")
	require.True(t, s.Clear(ctx), "Clear() failed, lastErr = %v", s.LastError())

	all, err := s.CredentialsFiltered(ctx, map[string]string{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAddAndRemoveReference(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := s.Insert(ctx, sampleIdentity(), true, "")

	count, err := s.AddReference(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	count, err = s.AddReference(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	count, err = s.RemoveReference(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	got, err := s.Credentials(ctx, id, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.RefCount)
}

func TestRemoveReferenceFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := s.Insert(ctx, sampleIdentity(), true, "")

	count, err := s.RemoveReference(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCheckPassword(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := s.Insert(ctx, sampleIdentity(), true, "")

	assert.True(t, s.CheckPassword(ctx, id, "John", "s3cret"))
	assert.False(t, s.CheckPassword(ctx, id, "John", "wrong"))
}
