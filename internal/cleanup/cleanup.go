package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/filedistribution/internal/cache"
	"github.com/italolelis/filedistribution/internal/logctx"
)

// RemoveStaleTempFiles deletes temporary files under root that were left
// behind by interrupted cache writes and are older than olderThan. It returns
// the number of files removed.
func RemoveStaleTempFiles(ctx context.Context, root string, olderThan time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-olderThan)

	var (
		removed int
		freed   int64
	)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // removed underneath us
			}

			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() || !strings.HasPrefix(d.Name(), cache.TempPrefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete stale temp file", "file", path, "err", err)

			return err
		}

		removed++
		freed += info.Size()

		logger.Debug("deleted stale temp file", "file", path, "age", time.Since(info.ModTime()).Round(time.Second).String())

		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to sweep %s: %w", root, err)
	}

	if removed > 0 {
		logger.Info("removed stale temp files", "count", removed, "freed", humanize.Bytes(uint64(freed)))
	}

	return removed, nil
}
