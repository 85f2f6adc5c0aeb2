// Package events carries download-state lifecycle events from tasks to
// subscribers and external sinks.
package events

import (
	"time"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
)

// Type names an event. Every type shares the "purchase.downloadState." prefix.
type Type string

const prefix = "purchase.downloadState."

const (
	Created                   Type = prefix + "created"
	Deleted                   Type = prefix + "deleted"
	Initialized               Type = prefix + "initialized"
	InitializationInterrupted Type = prefix + "initializationInterrupted"
	LicenseAcquisitionStarted Type = prefix + "licenseAcquisitionStarted"
	LicenseAcquired           Type = prefix + "licenseAcquired"
	SellerPoolsUpdated        Type = prefix + "sellerPoolsUpdated"
	NegotiationComplete       Type = prefix + "negotiationComplete"
	DownloadStarted           Type = prefix + "downloadStarted"
	PieceAssigned             Type = prefix + "pieceAssigned"
	PieceStarted              Type = prefix + "pieceStarted"
	PieceFinished             Type = prefix + "pieceFinished"
	PieceFailed               Type = prefix + "pieceFailed"
	ProgressUpdate            Type = prefix + "progressUpdate"
	DownloadInterrupting      Type = prefix + "downloadInterrupting"
	DownloadInterrupted       Type = prefix + "downloadInterrupted"
	DownloadPaused            Type = prefix + "downloadPaused"
	DownloadStopped           Type = prefix + "downloadStopped"
	DownloadCompleted         Type = prefix + "downloadCompleted"
	PurchaseStarted           Type = prefix + "purchaseStarted"
	LicensePurchased          Type = prefix + "licensePurchased"
	DataPurchased             Type = prefix + "dataPurchased"
	PurchaseCompleted         Type = prefix + "purchaseCompleted"
	AssemblyStarted           Type = prefix + "assemblyStarted"
	FileAssembled             Type = prefix + "fileAssembled"
	AssemblyCompleted         Type = prefix + "assemblyCompleted"
	Exception                 Type = prefix + "exception"
)

// Event is one lifecycle notification about a download state.
type Event struct {
	Type            Type                     `json:"type"`
	Time            time.Time                `json:"time"`
	UserID          purchase.UserID          `json:"userId"`
	DownloadStateID purchase.DownloadStateID `json:"downloadStateId"`
	Details         map[string]any           `json:"details,omitempty"`
}

// New builds an event about ds.
func New(t Type, ds *purchase.DownloadState, details map[string]any) Event {
	return Event{
		Type:            t,
		Time:            time.Now().UTC(),
		UserID:          ds.UserID,
		DownloadStateID: ds.ID,
		Details:         details,
	}
}

// NewException builds an exception event carrying the error code and message.
func NewException(ds *purchase.DownloadState, err error) Event {
	return New(Exception, ds, map[string]any{
		"code":    purchase.Code(err),
		"message": err.Error(),
	})
}

// Is returns a filter matching events of the given types.
func Is(types ...Type) func(Event) bool {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}

		return false
	}
}

// About returns a filter matching events of one download state.
func About(userID purchase.UserID, id purchase.DownloadStateID) func(Event) bool {
	return func(e Event) bool {
		return e.UserID == userID && e.DownloadStateID == id
	}
}

// All combines filters with a logical and.
func All(filters ...func(Event) bool) func(Event) bool {
	return func(e Event) bool {
		for _, f := range filters {
			if !f(e) {
				return false
			}
		}

		return true
	}
}
