package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-sync/internal/ierr"
	"marketplace-sync/pkg/logger"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestTokenStore_ReadsExpiry(t *testing.T) {
	store := NewTokenStore(logger.NewNop())
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	require.NoError(t, store.Set(signed(t, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()})))

	got, ok := store.Expiry()
	require.True(t, ok)
	assert.True(t, exp.Equal(got))
	assert.Equal(t, "user-1", store.Subject())
	assert.NotEmpty(t, store.Token())
}

func TestTokenStore_ExpiredTokenIsStillStored(t *testing.T) {
	store := NewTokenStore(logger.NewNop())
	exp := time.Now().Add(-time.Minute)

	require.NoError(t, store.Set(signed(t, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()})))

	got, ok := store.Expiry()
	require.True(t, ok)
	assert.True(t, got.Before(time.Now()))
}

func TestTokenStore_NoExpiry(t *testing.T) {
	store := NewTokenStore(logger.NewNop())
	require.NoError(t, store.Set(signed(t, jwt.MapClaims{"sub": "user-1"})))

	_, ok := store.Expiry()
	assert.False(t, ok)
}

func TestTokenStore_RejectsGarbage(t *testing.T) {
	store := NewTokenStore(logger.NewNop())
	first := signed(t, jwt.MapClaims{"sub": "user-1"})
	require.NoError(t, store.Set(first))

	err := store.Set("not-a-jwt")
	assert.True(t, ierr.IsCode(err, ierr.ErrorCodeInvalidArgument))
	assert.Equal(t, first, store.Token())
}

func TestTokenStore_Watch(t *testing.T) {
	store := NewTokenStore(logger.NewNop())

	var seen []string
	cancel := store.Watch(func(token string) { seen = append(seen, token) })

	first := signed(t, jwt.MapClaims{"sub": "user-1"})
	require.NoError(t, store.Set(first))
	require.NoError(t, store.Set(first))
	store.Clear()
	store.Clear()

	assert.Equal(t, []string{first, ""}, seen)

	cancel()
	require.NoError(t, store.Set(signed(t, jwt.MapClaims{"sub": "user-2"})))
	assert.Len(t, seen, 2)

	_, ok := store.Expiry()
	assert.False(t, ok)
}

func TestTokenStore_SetEmptyClears(t *testing.T) {
	store := NewTokenStore(logger.NewNop())
	require.NoError(t, store.Set(signed(t, jwt.MapClaims{"sub": "user-1"})))
	require.NoError(t, store.Set(""))
	assert.Empty(t, store.Token())
	assert.Empty(t, store.Subject())
}
