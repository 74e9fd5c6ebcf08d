package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestStore creates a test database in a temporary directory.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestCreateAndGetUser(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	email := "dev@example.com"
	id, err := store.CreateUser(ctx, "dev", "hunter22", &email, true)
	require.NoError(t, err)
	require.Positive(t, id)

	user, err := store.GetUserByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "dev", user.Username)
	require.NotNil(t, user.Email)
	require.Equal(t, email, *user.Email)
	require.True(t, user.IsStaff)
}

func TestGetUserByIDNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetUserByID(context.Background(), 404)
	require.True(t, errors.Is(err, ErrUserNotFound))
}

func TestCredentialsVerify(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.CreateUser(ctx, "dev", "hunter22", nil, false)
	require.NoError(t, err)

	creds, err := store.GetCredentials(ctx, "dev")
	require.NoError(t, err)
	require.True(t, VerifyPassword(creds.PasswordHash, "hunter22"))
	require.False(t, VerifyPassword(creds.PasswordHash, "wrong"))
}

func TestDuplicateUsernameRejected(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.CreateUser(ctx, "dev", "pw1", nil, false)
	require.NoError(t, err)
	_, err = store.CreateUser(ctx, "dev", "pw2", nil, false)
	require.Error(t, err)
}
