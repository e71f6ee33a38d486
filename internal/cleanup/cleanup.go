// Package cleanup sweeps abandoned partial-download artifacts. Partials from a
// live fetch are always younger than the retention window; anything older was
// left behind by a dead process and will never be resumed, because a fresh
// process only resumes keys it claims itself.
package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mediacap/mediacap/internal/fetch"
	"github.com/mediacap/mediacap/internal/logctx"
)

// DeleteStaleParts removes .part files under dir whose mtime is older than
// keepDuration.
func DeleteStaleParts(ctx context.Context, dir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-keepDuration)

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), fetch.PartSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete stale partial artifact", "file", path, "err", err)

			return err
		}

		logger.Info("deleted stale partial artifact", "file", path, "age", time.Since(info.ModTime()).String())

		return nil
	})
}
