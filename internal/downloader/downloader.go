// Package downloader streams single file pieces from negotiated sellers into
// the spool directory.
package downloader

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/peerbuy_downloader/internal/downloader/progress"
	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/messenger"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/signer"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
	"github.com/italolelis/peerbuy_downloader/internal/throttle"
	flow "github.com/libp2p/go-flow-metrics"
)

const (
	dirPerm = 0755

	progressInterval = 4 * 1024 * 1024
)

// Trailers a seller sends after the piece content.
const (
	TrailerContentDigest   = "Bitmunk-Content-Digest"
	TrailerPieceSize       = "Bitmunk-Piece-Size"
	TrailerBfpSignature    = "Bitmunk-Bfp-Signature"
	TrailerSellerSignature = "Bitmunk-Seller-Signature"
	TrailerSellerProfileID = "Bitmunk-Seller-Profile-Id"
	TrailerOpenKeyAlgo     = "Bitmunk-Open-Key-Algorithm"
	TrailerOpenKeyData     = "Bitmunk-Open-Key-Data"
	TrailerOpenKeyLength   = "Bitmunk-Open-Key-Length"
	TrailerPieceKeyAlgo    = "Bitmunk-Piece-Key-Algorithm"
	TrailerPieceKeyData    = "Bitmunk-Piece-Key-Data"
	TrailerPieceKeyLength  = "Bitmunk-Piece-Key-Length"
)

var errPaused = errors.New("piece download paused")

// SpoolPath is where piece index of a file is written while downloading.
func SpoolPath(tmpDir string, userID purchase.UserID, id purchase.DownloadStateID, fileID purchase.FileID, ext string, index uint32) string {
	return filepath.Join(tmpDir, fmt.Sprintf("%d-%d-%s-%s-%04d.fp", userID, id, fileID, ext, index))
}

// Assignment is one piece handed to one seller.
type Assignment struct {
	// ID tells downloaders of the same manager apart.
	ID     uint32
	FileID purchase.FileID
	// PieceSize is the standard piece size of the file. The seller truncates
	// the last piece.
	PieceSize int64
	Section   purchase.ContractSection
	// Piece must carry the spool path.
	Piece purchase.FilePiece
}

// Meters are the rate meters a download feeds.
type Meters struct {
	Global   *flow.Meter
	Contract *flow.Meter
	Piece    *flow.Meter
}

// Deps are the collaborators of a downloader.
type Deps struct {
	Events    events.Publisher
	Messenger messenger.Messenger
	Throttle  *throttle.Map
	Telemetry *telemetry.Telemetry
}

// Result is what a downloader hands back to its parent.
type Result struct {
	Assignment

	// Received is set when the piece is on disk with its metadata.
	Received bool
	// Paused is set when a pause stopped the download. No error is
	// reported for it.
	Paused     bool
	Downloaded int64
	// Rate is the average rate of the piece in bytes per second.
	Rate float64
	Err  error
}

// Downloader fetches one piece. It is single use.
type Downloader struct {
	*task.Base

	assignment Assignment
	meters     Meters
	deps       Deps
	reader     *progress.Reader
	started    chan struct{}
}

// New returns a downloader for a of the download state ds.
func New(ds *purchase.DownloadState, a Assignment, meters Meters, deps Deps) *Downloader {
	owner := &purchase.DownloadState{ID: ds.ID, UserID: ds.UserID}

	return &Downloader{
		Base:       task.NewBase("piece_downloader", owner, nil, deps.Events),
		assignment: a,
		meters:     meters,
		deps:       deps,
		started:    make(chan struct{}),
	}
}

// Assignment returns the piece the downloader works on.
func (d *Downloader) Assignment() Assignment {
	return d.assignment
}

// Downloaded returns the bytes received so far.
func (d *Downloader) Downloaded() int64 {
	select {
	case <-d.started:
		return d.reader.Count()
	default:
		return 0
	}
}

// Download runs the piece download until it finishes, fails or is stopped
// through the control mailbox.
func (d *Downloader) Download(ctx context.Context) Result {
	a := d.assignment
	ctx = d.Context(ctx)
	logger := logctx.LoggerFromContext(ctx).With("file_id", a.FileID, "piece", a.Piece.Index, "seller", a.Section.Seller.Key())
	ctx = logctx.WithLogger(ctx, logger)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case c := <-d.Control():
			if c.Signal == task.SignalPause {
				cancel(errPaused)
			} else {
				cancel(purchase.ErrInterrupted)
			}
		case <-done:
		}
	}()

	logger.DebugContext(ctx, "downloading piece from seller")
	d.Publish(ctx, events.PieceStarted, d.details(a.Piece, 0))

	start := time.Now()
	piece := a.Piece

	err := d.deps.Telemetry.InstrumentPiece(ctx, func(ctx context.Context) error {
		var err error

		piece, err = d.fetch(ctx, a)

		return err
	})

	res := Result{Assignment: a, Downloaded: d.Downloaded()}
	res.Piece = piece

	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		res.Rate = float64(res.Downloaded) / elapsed
	}

	d.deps.Telemetry.RecordBytes(res.Downloaded)

	cause := context.Cause(ctx)

	switch {
	case err == nil:
		res.Received = true

		logger.InfoContext(ctx, "piece download finished",
			"size", humanize.Bytes(uint64(piece.Size)),
			"rate", humanize.Bytes(uint64(res.Rate))+"/s")
		d.Publish(ctx, events.PieceFinished, d.details(piece, res.Downloaded))
	case errors.Is(cause, errPaused):
		res.Paused = true
		res.Err = purchase.ErrInterrupted

		logger.DebugContext(ctx, "piece download paused")
	case errors.Is(cause, purchase.ErrInterrupted):
		res.Err = purchase.ErrInterrupted
		d.Fail(ctx, res.Err)
	default:
		res.Err = err
		d.Fail(ctx, err)
	}

	return res
}

type pieceRequest struct {
	CSHash          string             `json:"csHash"`
	FileID          purchase.FileID    `json:"fileId"`
	MediaID         purchase.MediaID   `json:"mediaId"`
	Index           uint32             `json:"index"`
	Size            int64              `json:"size"`
	PeerbuyKey      string             `json:"peerbuyKey,omitempty"`
	SellerProfileID purchase.ProfileID `json:"sellerProfileId,omitempty"`
	BfpID           purchase.BfpID     `json:"bfpId,omitempty"`
}

func (d *Downloader) fetch(ctx context.Context, a Assignment) (purchase.FilePiece, error) {
	logger := logctx.LoggerFromContext(ctx)
	seller := a.Section.Seller

	var mediaID purchase.MediaID

	for _, fi := range a.Section.Ware.FileInfos {
		if fi.ID == a.FileID {
			mediaID = fi.MediaID
		}
	}

	req := pieceRequest{
		CSHash:          a.Section.Hash,
		FileID:          a.FileID,
		MediaID:         mediaID,
		Index:           a.Piece.Index,
		Size:            a.PieceSize,
		PeerbuyKey:      a.Section.PeerbuyKey,
		SellerProfileID: seller.ProfileID,
		BfpID:           a.Piece.BfpID,
	}

	q := url.Values{}
	q.Set("nodeuser", strconv.FormatUint(uint64(seller.UserID), 10))
	u := seller.URL + "/api/3.0/sales/contract/filepiece?" + q.Encode()

	logger.InfoContext(ctx, "connecting to seller", "url", u)

	if err := os.MkdirAll(filepath.Dir(a.Piece.Path), dirPerm); err != nil {
		return a.Piece, fmt.Errorf("failed to create spool directory: %w", err)
	}

	resp, err := d.deps.Messenger.PostStream(ctx, u, req, d.State().UserID)
	if err != nil {
		return a.Piece, err
	}
	defer resp.Body.Close()

	out, err := os.Create(a.Piece.Path)
	if err != nil {
		return a.Piece, fmt.Errorf("failed to create spool file: %w", err)
	}

	digest := signer.NewDigest()

	if err := d.copy(ctx, io.MultiWriter(out, digest), resp.Body, a.PieceSize); err != nil {
		out.Close()
		os.Remove(a.Piece.Path)

		return a.Piece, err
	}

	if err := out.Close(); err != nil {
		return a.Piece, fmt.Errorf("failed to close spool file: %w", err)
	}

	if got := resp.Trailer.Get(TrailerContentDigest); got == "" || got != hex.EncodeToString(digest.Sum(nil)) {
		return a.Piece, fmt.Errorf("%w: content digest mismatch for %s", purchase.ErrSecurityBreach, u)
	}

	piece, err := pieceFromTrailer(a.Piece, resp.Trailer)
	if err != nil {
		return a.Piece, err
	}

	if piece.Size != d.reader.Count() {
		return a.Piece, fmt.Errorf("%w: piece size %d but received %d bytes", purchase.ErrSecurityBreach, piece.Size, d.reader.Count())
	}

	return piece, nil
}

func (d *Downloader) copy(ctx context.Context, w io.Writer, body io.Reader, size int64) error {
	logger := logctx.LoggerFromContext(ctx)

	var r io.Reader = body
	if d.deps.Throttle != nil {
		r = d.deps.Throttle.Throttler(d.State().UserID).Reader(ctx, r)
	}

	d.reader = progress.NewReader(r, size, progressInterval, func(read, total int64) {
		logger.DebugContext(ctx, "piece progress",
			"downloaded", humanize.Bytes(uint64(read)),
			"total", humanize.Bytes(uint64(total)))
	}, d.meters.Global, d.meters.Contract, d.meters.Piece)
	close(d.started)

	if _, err := io.Copy(w, d.reader); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}

		return fmt.Errorf("failed to receive piece: %w", err)
	}

	return nil
}

// pieceFromTrailer copies the piece metadata out of the response trailer.
func pieceFromTrailer(p purchase.FilePiece, t http.Header) (purchase.FilePiece, error) {
	size := t.Get(TrailerPieceSize)
	if size == "" {
		return p, fmt.Errorf("%w: %s", purchase.ErrMissingTrailer, TrailerPieceSize)
	}

	var err error

	if p.Size, err = strconv.ParseInt(size, 10, 64); err != nil {
		return p, fmt.Errorf("%w: %s: %w", purchase.ErrMissingTrailer, TrailerPieceSize, err)
	}

	p.BfpSignature = t.Get(TrailerBfpSignature)
	p.SellerSignature = t.Get(TrailerSellerSignature)

	if v := t.Get(TrailerSellerProfileID); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("%w: %s: %w", purchase.ErrMissingTrailer, TrailerSellerProfileID, err)
		}

		p.SellerProfileID = purchase.ProfileID(id)
	}

	if p.OpenKey, err = keyFromTrailer(t, TrailerOpenKeyAlgo, TrailerOpenKeyData, TrailerOpenKeyLength); err != nil {
		return p, err
	}

	if p.PieceKey, err = keyFromTrailer(t, TrailerPieceKeyAlgo, TrailerPieceKeyData, TrailerPieceKeyLength); err != nil {
		return p, err
	}

	p.Encrypted = true
	p.Ciphered = true

	return p, nil
}

func keyFromTrailer(t http.Header, algo, data, length string) (purchase.Key, error) {
	k := purchase.Key{Algorithm: t.Get(algo), Data: t.Get(data)}

	if v := t.Get(length); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return k, fmt.Errorf("%w: %s: %w", purchase.ErrMissingTrailer, length, err)
		}

		k.Length = n
	}

	return k, nil
}

func (d *Downloader) details(p purchase.FilePiece, downloaded int64) map[string]any {
	return map[string]any{
		"fileId":     string(d.assignment.FileID),
		"index":      p.Index,
		"size":       p.Size,
		"downloaded": downloaded,
	}
}
