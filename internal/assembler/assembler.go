// Package assembler writes the paid pieces of a download state out as the
// finished media files.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/peerbuy_downloader/internal/cleanup"
	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// maxDuplicates bounds the " (n)" suffixes tried for a free file name.
	maxDuplicates = 1000
)

// Assembler is a one-shot task. The caller takes the processing lock and
// hands it over with Adopt; Run always releases it.
type Assembler struct {
	*task.Base

	dir       string
	decryptor Decryptor
	telemetry *telemetry.Telemetry
}

func New(ds *purchase.DownloadState, store storage.Store, pub events.Publisher, dir string, d Decryptor, tel *telemetry.Telemetry) *Assembler {
	if d == nil {
		d = Spool{}
	}

	return &Assembler{
		Base:      task.NewBase("file_assembler", ds, store, pub),
		dir:       dir,
		decryptor: d,
		telemetry: tel,
	}
}

func (a *Assembler) Run(ctx context.Context) error {
	ctx = a.Context(ctx)
	defer a.Unlock(ctx)

	ds := a.State()

	if !ds.LicensePurchased {
		a.Fail(ctx, purchase.ErrLicenseNotPurchased)
		return purchase.ErrLicenseNotPurchased
	}

	if !ds.DataPurchased {
		a.Fail(ctx, purchase.ErrDataNotPurchased)
		return purchase.ErrDataNotPurchased
	}

	a.Publish(ctx, events.AssemblyStarted, nil)

	if err := a.telemetry.InstrumentOperation(ctx, "assemble_files", "file_assembler", a.assemble); err != nil {
		a.Fail(ctx, err)
		return err
	}

	return nil
}

func (a *Assembler) assemble(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	ds := a.State()

	ctx, stop := a.Interruptible(ctx)
	defer stop()

	for _, id := range ds.SortedFileIDs() {
		fp := ds.Progress[id]

		if fp.Path != "" {
			logger.DebugContext(ctx, "file already assembled", "file_id", id, "path", fp.Path)
			continue
		}

		path, size, err := a.assembleFile(ctx, ds, fp)
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, purchase.ErrInterrupted) {
				return cause
			}

			return err
		}

		if err := a.Store().InsertAssembledFile(ctx, ds, id, path); err != nil {
			return err
		}

		fp.Path = path
		fp.Directory = filepath.Dir(path)

		logger.InfoContext(ctx, "file assembled", "file_id", id, "path", path, "size", humanize.Bytes(uint64(size)))

		a.Publish(ctx, events.FileAssembled, map[string]any{
			"fileId": string(id),
			"path":   path,
			"size":   size,
		})
	}

	if err := cleanup.RemoveSpool(ctx, ds); err != nil {
		logger.WarnContext(ctx, "some spool files were left behind", "err", err)
	}

	ds.FilesAssembled = true

	if err := a.Store().UpdateDownloadStateFlags(ctx, ds); err != nil {
		return err
	}

	a.Publish(ctx, events.AssemblyCompleted, map[string]any{"files": len(ds.Progress)})

	return nil
}

// assembleFile writes the pieces of one file in index order under a name no
// other file uses yet. A file that fails verification is removed.
func (a *Assembler) assembleFile(ctx context.Context, ds *purchase.DownloadState, fp *purchase.FileProgress) (string, int64, error) {
	fi := fp.FileInfo

	if want := fp.SellerPool.PieceCount; uint32(len(fi.Pieces)) != want {
		return "", 0, fmt.Errorf("%w: file %s has %d of %d pieces", purchase.ErrMissingPieces, fi.ID, len(fi.Pieces), want)
	}

	if err := a.decryptor.Prepare(ctx, ds.Contract, fi); err != nil {
		return "", 0, fmt.Errorf("%w: prepare file %s: %w", purchase.ErrAssemblyFailed, fi.ID, err)
	}

	if err := os.MkdirAll(a.dir, dirPerm); err != nil {
		return "", 0, fmt.Errorf("%w: %w", purchase.ErrAssemblyFailed, err)
	}

	out, err := create(a.dir, fileName(ds, fi), fi.Extension)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", purchase.ErrAssemblyFailed, err)
	}

	path := out.Name()

	written, err := a.writePieces(ctx, out, fi.Pieces)
	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err == nil && fi.ContentSize > 0 && written != fi.ContentSize {
		err = fmt.Errorf("wrote %d bytes, expected %d", written, fi.ContentSize)
	}

	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("%w: file %s: %w", purchase.ErrAssemblyFailed, fi.ID, err)
	}

	return path, written, nil
}

func (a *Assembler) writePieces(ctx context.Context, w io.Writer, pieces []purchase.FilePiece) (int64, error) {
	var total int64

	for _, piece := range pieces {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		r, err := a.decryptor.Open(piece)
		if err != nil {
			return total, fmt.Errorf("open piece %d: %w", piece.Index, err)
		}

		n, err := io.Copy(w, r)
		r.Close()

		total += n

		if err != nil {
			return total, fmt.Errorf("copy piece %d: %w", piece.Index, err)
		}
	}

	return total, nil
}

// create opens a new file named base.ext in dir, or base (n).ext when that
// name is taken.
func create(dir, base, ext string) (*os.File, error) {
	if ext != "" {
		ext = "." + strings.TrimPrefix(ext, ".")
	}

	for n := 0; n < maxDuplicates; n++ {
		name := base + ext
		if n > 0 {
			name = fmt.Sprintf("%s (%d)%s", base, n, ext)
		}

		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}

		return f, err
	}

	return nil, fmt.Errorf("no free file name for %q in %s", base, dir)
}

// fileName is the media title, or the media and file id when the title is
// unknown.
func fileName(ds *purchase.DownloadState, fi purchase.FileInfo) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}

		if r < ' ' {
			return -1
		}

		return r
	}, ds.Contract.Media.Title)

	name = strings.Trim(name, " .")
	if name == "" {
		name = fmt.Sprintf("%d-%s", fi.MediaID, fi.ID)
	}

	return name
}
