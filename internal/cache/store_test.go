package cache_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/italolelis/filedistribution/internal/cache"
	"github.com/italolelis/filedistribution/internal/fileref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *cache.Store {
	t.Helper()

	s, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)

	return s
}

func TestNewStore_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "downloads")

	s, err := cache.NewStore(root)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(s.Root()))

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExistingPath(t *testing.T) {
	s := newStore(t)

	t.Run("missing directory", func(t *testing.T) {
		_, ok, err := s.ExistingPath("absent")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty directory", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(s.Dir("empty"), 0755))

		_, ok, err := s.ExistingPath("empty")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("single file", func(t *testing.T) {
		dir := s.Dir("foo")
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.jar"), []byte("content"), 0644))

		path, ok, err := s.ExistingPath("foo")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, filepath.Join(s.Root(), "foo", "foo.jar"), path)
	})

	t.Run("several files resolve to directory", func(t *testing.T) {
		dir := s.Dir("multi")
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jar"), []byte("a"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jar"), []byte("b"), 0644))

		path, ok, err := s.ExistingPath("multi")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, dir, path)
	})

	t.Run("temporary files are ignored", func(t *testing.T) {
		dir := s.Dir("partial")
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, cache.TempPrefix+"123"), []byte("par"), 0644))

		_, ok, err := s.ExistingPath("partial")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid reference", func(t *testing.T) {
		_, _, err := s.ExistingPath("../escape")
		assert.ErrorIs(t, err, fileref.ErrInvalidReference)
	})
}

func TestWrite(t *testing.T) {
	s := newStore(t)

	var reports []int64

	path, err := s.Write("fileReference", "abc.jar", []byte("some other content"), func(read, total int64) {
		reports = append(reports, read)
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(s.Root(), "fileReference", "abc.jar"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "some other content", string(got))

	require.NotEmpty(t, reports)
	assert.Equal(t, int64(len("some other content")), reports[len(reports)-1])

	entries, err := os.ReadDir(s.Dir("fileReference"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files may be left behind")

	cached, ok, err := s.ExistingPath("fileReference")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, path, cached)
}

func TestWrite_ReplacesExistingFile(t *testing.T) {
	s := newStore(t)

	_, err := s.Write("foo", "foo.jar", []byte("old"), nil)
	require.NoError(t, err)

	path, err := s.Write("foo", "foo.jar", []byte("new"), nil)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestWrite_InvalidFilename(t *testing.T) {
	s := newStore(t)

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "../x", cache.TempPrefix + "x"} {
		t.Run(fmt.Sprintf("%q", name), func(t *testing.T) {
			_, err := s.Write("foo", name, []byte("x"), nil)
			assert.ErrorIs(t, err, cache.ErrInvalidFilename)
		})
	}

	_, err := os.Stat(s.Dir("foo"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "rejected writes must not create the reference directory")
}

func TestWrite_ConcurrentReferences(t *testing.T) {
	s := newStore(t)

	const n = 16

	var wg sync.WaitGroup

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ref := fileref.Reference(fmt.Sprintf("ref-%d", i))
			_, err := s.Write(ref, "payload.bin", []byte(ref), nil)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	for i := range n {
		ref := fileref.Reference(fmt.Sprintf("ref-%d", i))

		path, ok, err := s.ExistingPath(ref)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, string(ref), string(got))
	}
}

func TestDirectoryError(t *testing.T) {
	cause := errors.New("permission denied")
	err := &cache.DirectoryError{Directory: "/data/foo", Reason: "cannot create reference directory", Err: cause}

	assert.Equal(t, "directory error for '/data/foo': cannot create reference directory", err.Error())
	assert.ErrorIs(t, fmt.Errorf("context: %w", err), cause)
}
