package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))

	ts := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, ts, ts))
}

func TestRemoveStaleTempFiles(t *testing.T) {
	root := t.TempDir()

	stale := filepath.Join(root, "foo", ".tmp-123")
	fresh := filepath.Join(root, "bar", ".tmp-456")
	oldContent := filepath.Join(root, "foo", "foo.jar")

	writeAged(t, stale, 2*time.Hour)
	writeAged(t, fresh, time.Minute)
	writeAged(t, oldContent, 48*time.Hour)

	removed, err := RemoveStaleTempFiles(context.Background(), root, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, oldContent, "completed content is never swept")
}

func TestRemoveStaleTempFiles_MissingRoot(t *testing.T) {
	removed, err := RemoveStaleTempFiles(context.Background(), filepath.Join(t.TempDir(), "absent"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRemoveStaleTempFiles_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeAged(t, filepath.Join(root, "foo", ".tmp-1"), 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RemoveStaleTempFiles(ctx, root, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
