package authgw

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimart/loyalty/internal/kvstore"
)

func TestCredentials(t *testing.T) {
	c := NewCredentials()
	assert.False(t, c.SignedIn())

	c.Set(oldPair)
	assert.True(t, c.SignedIn())
	assert.Equal(t, "tok1", c.AccessToken())

	c.SetAccessToken("tok2")
	assert.Equal(t, TokenPair{AccessToken: "tok2", RefreshToken: "ref1"}, c.Snapshot())

	c.Clear()
	assert.Equal(t, TokenPair{}, c.Snapshot())
}

func TestTokenCache(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	tc := NewTokenCache(store, "")

	_, found, err := tc.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tc.Save(ctx, newPair))
	raw, ok, err := store.Get(ctx, DefaultTokenCacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"access_token":"tok2","refresh_token":"ref2"}`, raw)

	pair, found, err := tc.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, newPair, pair)

	require.NoError(t, tc.Clear(ctx))
	require.NoError(t, tc.Clear(ctx))
	_, found, err = tc.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTokenCache_Corrupt(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	require.NoError(t, store.Set(ctx, "creds", "not json", 0))

	_, _, err := NewTokenCache(store, "creds").Load(ctx)
	assert.Error(t, err)
}
