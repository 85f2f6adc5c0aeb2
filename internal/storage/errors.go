package storage

import (
	"fmt"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
)

var (
	ErrNotFound           = purchase.NewError("bitmunk.purchase.PurchaseDatabase.NotFound", "download state does not exist")
	ErrAlreadyProcessing  = purchase.NewError("bitmunk.purchase.PurchaseDatabase.AlreadyProcessing", "download state is already being processed")
	ErrInvalidProcessorID = purchase.NewError("bitmunk.purchase.PurchaseDatabase.InvalidProcessorId", "existing download state processor id does not match")
	ErrInvalidStatus      = purchase.NewError("bitmunk.purchase.PurchaseDatabase.InvalidStatus", "file piece status is invalid")
	ErrPiecePaid          = purchase.NewError("bitmunk.purchase.PurchaseDatabase.PiecePaid", "file piece has already been paid for")
)

// StoreError annotates a store failure with the operation and the download
// state it touched.
type StoreError struct {
	Op              string
	UserID          purchase.UserID
	DownloadStateID purchase.DownloadStateID
	Err             error
}

func (e *StoreError) Error() string {
	if e.DownloadStateID == 0 {
		return fmt.Sprintf("purchase store %s failed (user %d): %v", e.Op, e.UserID, e.Err)
	}

	return fmt.Sprintf("purchase store %s failed (user %d, download state %d): %v",
		e.Op, e.UserID, e.DownloadStateID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, otherwise a StoreError for ds.
func Wrap(op string, ds *purchase.DownloadState, err error) error {
	if err == nil {
		return nil
	}

	return &StoreError{Op: op, UserID: ds.UserID, DownloadStateID: ds.ID, Err: err}
}
