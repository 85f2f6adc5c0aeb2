// Package storage defines the purchase store used by every download task.
package storage

import (
	"context"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
)

// PieceUpdate moves one piece of one file into a new bucket.
type PieceUpdate struct {
	FileID      purchase.FileID
	SectionHash string
	Status      string
	Piece       purchase.FilePiece
}

// Filter narrows GetDownloadStates. Nil fields match everything.
type Filter struct {
	LicenseAcquired *bool
	DownloadStarted *bool
	Processing      *bool
	// Purchased matches states whose license and data were both paid for.
	Purchased *bool
}

// Match reports whether ds passes the filter.
func (f Filter) Match(ds *purchase.DownloadState) bool {
	if f.LicenseAcquired != nil && *f.LicenseAcquired != ds.LicenseAcquired {
		return false
	}

	if f.DownloadStarted != nil && *f.DownloadStarted != ds.DownloadStarted {
		return false
	}

	if f.Processing != nil && *f.Processing != ds.Processing {
		return false
	}

	if f.Purchased != nil && *f.Purchased != (ds.LicensePurchased && ds.DataPurchased) {
		return false
	}

	return true
}

// DownloadStateReader loads download states and their children.
type DownloadStateReader interface {
	PopulateDownloadState(ctx context.Context, ds *purchase.DownloadState) error
	PopulateProcessingInfo(ctx context.Context, ds *purchase.DownloadState) error
	GetIncompleteDownloadStates(ctx context.Context, userID purchase.UserID) ([]*purchase.DownloadState, error)
	GetUnpurchasedDownloadStates(ctx context.Context, userID purchase.UserID) ([]*purchase.DownloadState, error)
}

// DownloadStateWriter persists download states and their children.
type DownloadStateWriter interface {
	InsertDownloadState(ctx context.Context, ds *purchase.DownloadState) error
	DeleteDownloadState(ctx context.Context, ds *purchase.DownloadState) error
	UpdatePreferences(ctx context.Context, ds *purchase.DownloadState) error
	UpdateDownloadStateFlags(ctx context.Context, ds *purchase.DownloadState) error
	InsertContract(ctx context.Context, ds *purchase.DownloadState) error
	UpdateContract(ctx context.Context, ds *purchase.DownloadState) error
	InsertSellerPools(ctx context.Context, ds *purchase.DownloadState) error
	UpdateSellerPool(ctx context.Context, ds *purchase.DownloadState, sp purchase.SellerPool) error
	InsertSellerData(ctx context.Context, ds *purchase.DownloadState, fileID purchase.FileID, sd purchase.SellerData) error
	UpdateFileProgress(ctx context.Context, ds *purchase.DownloadState, updates []PieceUpdate) error
	InsertAssembledFile(ctx context.Context, ds *purchase.DownloadState, fileID purchase.FileID, path string) error
}

// ProcessingLocker is the compare-and-set lock that keeps two tasks off the
// same download state.
type ProcessingLocker interface {
	StartProcessing(ctx context.Context, ds *purchase.DownloadState, processorID string) error
	SetProcessorID(ctx context.Context, ds *purchase.DownloadState, oldID, newID string) error
	StopProcessing(ctx context.Context, ds *purchase.DownloadState, processorID string) error
	ClearProcessing(ctx context.Context, userID purchase.UserID) error
}

// SellerRates remembers the transfer rate last observed from each seller
// server, so fast mode can rank sellers across downloads and restarts.
type SellerRates interface {
	UpdateSellerRate(ctx context.Context, userID purchase.UserID, seller purchase.Seller, rate float64) error
}

// Store is the full purchase store.
type Store interface {
	DownloadStateReader
	DownloadStateWriter
	ProcessingLocker
	SellerRates
}
