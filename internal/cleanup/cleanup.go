// Package cleanup removes the piece spool files of download states.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"go.uber.org/multierr"
)

// RemoveSpool deletes every spool file recorded on the pieces of ds. Files
// already gone are skipped. A failure does not stop the sweep; all failures
// are returned together.
func RemoveSpool(ctx context.Context, ds *purchase.DownloadState) error {
	logger := logctx.LoggerFromContext(ctx)

	var (
		errs    error
		removed int
	)

	seen := make(map[string]struct{})

	for _, id := range ds.SortedFileIDs() {
		for _, p := range pieces(ds.Progress[id]) {
			if p.Path == "" {
				continue
			}

			if _, ok := seen[p.Path]; ok {
				continue
			}

			seen[p.Path] = struct{}{}

			if err := os.Remove(p.Path); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}

				logger.ErrorContext(ctx, "failed to delete spool file", "file", p.Path, "err", err)
				errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", p.Path, err))

				continue
			}

			removed++
		}
	}

	logger.InfoContext(ctx, "spool files deleted", "files", removed)

	return errs
}

func pieces(fp *purchase.FileProgress) []purchase.FilePiece {
	out := make([]purchase.FilePiece, 0, len(fp.Unassigned)+len(fp.FileInfo.Pieces))
	out = append(out, fp.Unassigned...)
	out = append(out, fp.FileInfo.Pieces...)

	for _, bucket := range []map[string][]purchase.FilePiece{fp.Assigned, fp.Downloaded} {
		for _, ps := range bucket {
			out = append(out, ps...)
		}
	}

	return out
}
