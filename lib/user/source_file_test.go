package user

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileSourceSeedsFromCacheBeforeFirstFetch(t *testing.T) {
	dir := t.TempDir()
	cache := filepath.Join(dir, "cache.json")
	require.NoError(t, os.WriteFile(cache, []byte(`[{"name":"t9","token":"$1$abc","expire":"2099-01-01T00:00:00Z"}]`), 0o600))

	src := &FileSource{SourcePath: filepath.Join(dir, "missing.json"), CachePath: cache}
	users, err := src.SeedFromCache()
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "t9", users[0].Name)
}

func TestFileSourceFetchRefreshesCache(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.json")
	cache := filepath.Join(dir, "cache.json")
	require.NoError(t, os.WriteFile(src, []byte(`[{"name":"t9","token":"$1$abc","expire":"2099-01-01T00:00:00Z"}]`), 0o600))

	fs := &FileSource{SourcePath: src, CachePath: cache}
	users, err := fs.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)

	cached, err := os.ReadFile(cache)
	require.NoError(t, err)
	require.Contains(t, string(cached), "t9")
}
