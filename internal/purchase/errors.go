package purchase

import "errors"

// DefaultCode is reported for errors that carry no code of their own.
const DefaultCode = "bitmunk.purchase.Exception"

// Error is a sentinel error with a stable dotted code. Events and HTTP
// responses carry the code so clients can tell failures apart.
type Error struct {
	code string
	msg  string
}

// NewError creates a coded sentinel error.
func NewError(code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

// Code returns the dotted error code.
func (e *Error) Code() string {
	return e.code
}

var (
	ErrNoSellersAvailable = NewError("bitmunk.purchase.DownloadState.NoSellersAvailable",
		"there are no sellers available that match the buyer's purchase preferences; "+
			"a higher maximum price may be required because a seller with a low enough price has gone offline")
	ErrNotInitialized      = NewError("bitmunk.purchase.DownloadManager.NotInitialized", "download state is not initialized")
	ErrMissingLicense      = NewError("bitmunk.purchase.DownloadManager.MissingLicense", "download state has no license")
	ErrLicenseTooExpensive = NewError("bitmunk.purchase.DownloadManager.LicenseTooExpensive", "license amount exceeds the maximum price")
	ErrInterrupted         = NewError("bitmunk.purchase.DownloadState.Interrupted", "task interrupted")

	ErrOverBudget        = NewError("bitmunk.purchase.Negotiator.OverBudget", "seller's amount exceeds advertised amount and is over the calculated budget")
	ErrFileIDOutOfSync   = NewError("bitmunk.purchase.Negotiator.FileIdOutOfSync", "negotiated contract section changed file id")
	ErrMediaIDOutOfSync  = NewError("bitmunk.purchase.Negotiator.MediaIdOutOfSync", "negotiated contract section changed media id")
	ErrWareIDOutOfSync   = NewError("bitmunk.purchase.Negotiator.WareIdOutOfSync", "negotiated contract section changed ware id")
	ErrFileInfoOutOfSync = NewError("bitmunk.purchase.Negotiator.FileInfoOutOfSync", "negotiated contract section changed file content size")
	ErrFileTooSmall      = NewError("bitmunk.purchase.Negotiator.FileTooSmall", "negotiated contract section file size is smaller than content size")
	ErrPolicyRejected    = NewError("bitmunk.purchase.Negotiator.PolicyRejected", "contract section rejected by the local negotiation policy")

	ErrSecurityBreach = NewError("bitmunk.purchase.PieceDownloader.SecurityBreach", "seller response failed message security checks")
	ErrMissingTrailer = NewError("bitmunk.purchase.PieceDownloader.MissingTrailer", "seller response is missing piece trailers")

	ErrInvalidID      = NewError("bitmunk.purchase.DownloadStateInitializer.InvalidId", "download state id is invalid")
	ErrLicenseFailure = NewError("bitmunk.purchase.LicenseAcquirer.LicenseFailure", "could not acquire media license")

	ErrNotAllPiecesReceived = NewError("bitmunk.purchase.Purchaser.LicensePurchaseFailure", "not all pieces have been downloaded")
	ErrPurchaseFailed       = NewError("bitmunk.purchase.Purchaser.PurchaseFailure", "could not purchase contract data")

	ErrLicenseNotPurchased = NewError("bitmunk.purchase.FileAssembler.LicenseNotPurchased", "license has not been purchased")
	ErrDataNotPurchased    = NewError("bitmunk.purchase.FileAssembler.DataNotPurchased", "file data has not been purchased")
	ErrMissingPieces       = NewError("bitmunk.purchase.FileAssembler.MissingPieces", "not every piece of the file has been paid for")
	ErrAssemblyFailed      = NewError("bitmunk.purchase.FileAssembler.AssemblyFailure", "could not assemble file")

	ErrInvalidWare           = NewError("bitmunk.purchase.ContractService.InvalidWare", "only peerbuy 'bundle' wares are permitted")
	ErrInvalidPreferences    = NewError("bitmunk.purchase.ContractService.InvalidPreferences", "no valid preferences set for download state")
	ErrDownloadStateActive   = NewError("bitmunk.purchase.ContractService.DownloadStateActive", "download state is complete and waiting to be assembled")
	ErrDownloadNotInProgress = NewError("bitmunk.purchase.ContractService.DownloadNotInProgress", "download state is not being processed")
)

// Code returns the code of the first coded error in err's chain.
func Code(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}

	return DefaultCode
}
