package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileStore(t *testing.T) *File {
	t.Helper()
	f, err := NewFile(filepath.Join(t.TempDir(), "nested", "store.json"))
	require.NoError(t, err)
	return f
}

func TestFile_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	f := newFileStore(t)

	_, found, err := f.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, f.Set(ctx, "k", "v1", 0))
	require.NoError(t, f.Set(ctx, "k", "v2", 0))
	v, found, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", v)

	require.NoError(t, f.Remove(ctx, "k"))
	_, found, _ = f.Get(ctx, "k")
	assert.False(t, found)
	assert.NoError(t, f.Remove(ctx, "k"))
}

func TestFile_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	first := newFileStore(t)
	require.NoError(t, first.Set(ctx, "otp_lock", "1700000060000", time.Minute))

	second, err := NewFile(first.Path())
	require.NoError(t, err)
	v, found, err := second.Get(ctx, "otp_lock")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1700000060000", v)
}

func TestFile_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	f := newFileStore(t).WithNow(func() time.Time { return now })

	require.NoError(t, f.Set(ctx, "short", "v", 10*time.Second))
	require.NoError(t, f.Set(ctx, "forever", "v", 0))

	now = now.Add(9 * time.Second)
	_, found, _ := f.Get(ctx, "short")
	assert.True(t, found)

	now = now.Add(time.Second)
	_, found, _ = f.Get(ctx, "short")
	assert.False(t, found, "entry must expire exactly at its deadline")

	// The next write prunes it from disk.
	require.NoError(t, f.Set(ctx, "other", "v", 0))
	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "short")
	assert.Contains(t, string(data), "forever")
}

func TestFile_CorruptFile(t *testing.T) {
	ctx := context.Background()
	f := newFileStore(t)
	require.NoError(t, os.WriteFile(f.Path(), []byte("{not json"), 0o600))

	_, _, err := f.Get(ctx, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode store file")
	assert.Error(t, f.Ping(ctx))
	assert.Error(t, f.Set(ctx, "k", "v", 0))
}

func TestFile_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	f := newFileStore(t)
	require.NoError(t, f.Set(context.Background(), "k", "v", 0))

	info, err := os.Stat(f.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDefaultFilePath(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG_CONFIG_HOME is honoured on linux")
	}
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path, err := DefaultFilePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "agrimart-loyalty", "store.json"), path)
}

func TestFile_ImplementsInterfaces(t *testing.T) {
	var _ Store = (*File)(nil)
	var _ Pinger = (*File)(nil)
}
