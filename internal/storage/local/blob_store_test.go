package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-gateway/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "pages")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})

	t.Run("NoProbeLeftBehind", func(t *testing.T) {
		dir := t.TempDir()
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("NestedPath", func(t *testing.T) {
		path := "pages/job-1/abc.html"
		uri, err := store.PutObject(ctx, path, "text/html", []byte("<html></html>"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(dir, path), uri)

		got, err := store.Object(path)
		require.NoError(t, err)
		assert.Equal(t, []byte("<html></html>"), got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.PutObject(ctx, "same.html", "text/html", []byte("one"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "same.html", "text/html", []byte("two"))
		require.NoError(t, err)
		got, err := store.Object("same.html")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "text/html", []byte("data"))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.html", "text/html", []byte("data"))
		require.ErrorIs(t, err, local.ErrPathEscapes)
		_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.html"))
		assert.True(t, os.IsNotExist(statErr))
	})
}
