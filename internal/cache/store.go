package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/italolelis/filedistribution/internal/downloader/progress"
	"github.com/italolelis/filedistribution/internal/fileref"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// TempPrefix marks files that are still being written. They are never
	// reported as cached content.
	TempPrefix = ".tmp-"

	progressInterval = 4 * 1024 * 1024 // 4MB
)

// ErrInvalidFilename is returned when a pushed filename is not a plain file name.
var ErrInvalidFilename = errors.New("invalid filename")

// DirectoryError represents a local filesystem failure under the download
// directory. These point at a misconfigured node rather than a network problem.
type DirectoryError struct {
	Directory string // Directory that could not be used
	Reason    string // Human-readable explanation
	Err       error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.Directory, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// Store lays out downloaded files as <root>/<reference>/<filename>.
type Store struct {
	root string
}

// NewStore creates the download root if needed and returns a store for it.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &DirectoryError{Directory: root, Reason: "cannot resolve absolute path", Err: err}
	}

	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, &DirectoryError{Directory: abs, Reason: "cannot create download directory", Err: err}
	}

	return &Store{root: abs}, nil
}

// Root returns the absolute download directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory holding the files of ref.
func (s *Store) Dir(ref fileref.Reference) string {
	return filepath.Join(s.root, ref.String())
}

// ExistingPath returns the cached location of ref. A directory holding exactly
// one file resolves to that file, a directory holding several resolves to the
// directory itself. Files still being written are ignored.
func (s *Store) ExistingPath(ref fileref.Reference) (string, bool, error) {
	if err := ref.Validate(); err != nil {
		return "", false, err
	}

	dir := s.Dir(ref)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}

		return "", false, &DirectoryError{Directory: dir, Reason: "cannot list reference directory", Err: err}
	}

	var found []string

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), TempPrefix) {
			continue
		}

		found = append(found, e.Name())
	}

	switch len(found) {
	case 0:
		return "", false, nil
	case 1:
		return filepath.Join(dir, found[0]), true, nil
	default:
		return dir, true, nil
	}
}

// Write stores data as filename under the reference directory and returns the
// final path. Content is written to a temporary file in the same directory and
// renamed into place, so the final name never exposes a partial file.
// onProgress may be nil.
func (s *Store) Write(ref fileref.Reference, filename string, data []byte, onProgress progress.Func) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	if err := ValidateFilename(filename); err != nil {
		return "", err
	}

	dir := s.Dir(ref)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", &DirectoryError{Directory: dir, Reason: "cannot create reference directory", Err: err}
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return "", &DirectoryError{Directory: dir, Reason: "cannot create temporary file", Err: err}
	}

	tmpName := tmp.Name()
	placed := false

	defer func() {
		if !placed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	reader := progress.NewReader(bytes.NewReader(data), int64(len(data)), progressInterval, onProgress)
	if _, err := io.Copy(tmp, reader); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tmpName, err)
	}

	if n := reader.BytesRead(); n != int64(len(data)) {
		return "", fmt.Errorf("short write to %s: %d of %d bytes", tmpName, n, len(data))
	}

	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		return "", fmt.Errorf("failed to set permissions on %s: %w", tmpName, err)
	}

	target := filepath.Join(dir, filename)
	if err := os.Rename(tmpName, target); err != nil {
		return "", &DirectoryError{Directory: dir, Reason: "cannot move file into place", Err: err}
	}

	placed = true

	return target, nil
}

// ValidateFilename reports whether name can be stored as a plain file inside a
// reference directory.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}

	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q must not contain a path", ErrInvalidFilename, name)
	}

	if strings.HasPrefix(name, TempPrefix) {
		return fmt.Errorf("%w: %q uses the reserved prefix %s", ErrInvalidFilename, name, TempPrefix)
	}

	return nil
}
