package purchase

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Identifier types shared by every purchase component.
type (
	UserID          uint64
	ServerID        uint32
	ProfileID       uint64
	MediaID         uint64
	FileID          string
	BfpID           uint64
	DownloadStateID int64
)

// BundleWareID is the only ware id a buyer may open a download state for.
const BundleWareID = "bitmunk:bundle"

// ContractVersion is written on every contract skeleton.
const ContractVersion = "3.0"

// Piece statuses as persisted by the purchase store.
const (
	StatusUnassigned = "unassigned"
	StatusAssigned   = "assigned"
	StatusDownloaded = "downloaded"
	StatusPaid       = "paid"
)

// Seller identifies one seller server.
type Seller struct {
	UserID    UserID    `json:"userId"`
	ServerID  ServerID  `json:"serverId"`
	URL       string    `json:"url"`
	ProfileID ProfileID `json:"profileId,omitempty"`
	Username  string    `json:"username,omitempty"`
}

// Key returns "userId:serverId", or "" when either part is unset.
func (s Seller) Key() string {
	if s.UserID == 0 || s.ServerID == 0 {
		return ""
	}

	return fmt.Sprintf("%d:%d", s.UserID, s.ServerID)
}

// Buyer is the buying side of a contract.
type Buyer struct {
	UserID    UserID    `json:"userId"`
	AccountID uint64    `json:"accountId,omitempty"`
	ProfileID ProfileID `json:"profileId,omitempty"`
	Username  string    `json:"username,omitempty"`
}

// Key is the key material handed over with a downloaded piece.
type Key struct {
	Algorithm string `json:"algorithm,omitempty"`
	Data      string `json:"data,omitempty"`
	Length    int    `json:"length,omitempty"`
}

// FilePiece is a fixed-size byte range of a file.
type FilePiece struct {
	Index           uint32    `json:"index"`
	Size            int64     `json:"size"`
	Path            string    `json:"path,omitempty"`
	BfpID           BfpID     `json:"bfpId,omitempty"`
	Encrypted       bool      `json:"encrypted,omitempty"`
	Ciphered        bool      `json:"ciphered,omitempty"`
	BfpSignature    string    `json:"bfpSignature,omitempty"`
	SellerSignature string    `json:"sellerSignature,omitempty"`
	SellerProfileID ProfileID `json:"sellerProfileId,omitempty"`
	OpenKey         Key       `json:"openKey,omitempty"`
	PieceKey        Key       `json:"pieceKey,omitempty"`
}

// FileInfo describes one file of a ware. Pieces holds the paid bucket.
type FileInfo struct {
	ID          FileID      `json:"id"`
	MediaID     MediaID     `json:"mediaId"`
	Path        string      `json:"path,omitempty"`
	ContentType string      `json:"contentType,omitempty"`
	ContentSize int64       `json:"contentSize"`
	Extension   string      `json:"extension,omitempty"`
	Size        int64       `json:"size"`
	BfpID       BfpID       `json:"bfpId,omitempty"`
	Pieces      []FilePiece `json:"pieces,omitempty"`
}

// Payee amount types.
const (
	PayeeFlatFee             = "flatFee"
	PayeePercentOfLicense    = "percentOfLicense"
	PayeePercentOfCumulative = "percentOfCumulative"
	PayeePercentOfTotal      = "percentOfTotal"
	PayeeTax                 = "tax"
)

// Payee is one recipient of money under a contract.
type Payee struct {
	ID             UserID           `json:"id"`
	Description    string           `json:"description,omitempty"`
	AmountType     string           `json:"amountType"`
	Amount         decimal.Decimal  `json:"amount"`
	Percentage     decimal.Decimal  `json:"percentage"`
	Min            *decimal.Decimal `json:"min,omitempty"`
	TaxExempt      bool             `json:"taxExempt,omitempty"`
	AmountResolved bool             `json:"amountResolved,omitempty"`
}

// Ware is a purchasable bundle of one or more files.
type Ware struct {
	ID        string     `json:"id"`
	MediaID   MediaID    `json:"mediaId"`
	FileInfos []FileInfo `json:"fileInfos"`
	Payees    []Payee    `json:"payees,omitempty"`
}

// Media is the licensed media a contract is about.
type Media struct {
	ID            MediaID         `json:"id"`
	Title         string          `json:"title,omitempty"`
	LicenseAmount decimal.Decimal `json:"licenseAmount"`
	Payees        []Payee         `json:"payees,omitempty"`
	PiecePayees   []Payee         `json:"piecePayees,omitempty"`
	Signature     string          `json:"signature,omitempty"`
}

// ContractSection is one seller's signed terms for one file.
type ContractSection struct {
	ContractID      string    `json:"contractId,omitempty"`
	Hash            string    `json:"hash,omitempty"`
	Buyer           Buyer     `json:"buyer"`
	Seller          Seller    `json:"seller"`
	Ware            Ware      `json:"ware"`
	PeerbuyKey      string    `json:"peerbuyKey,omitempty"`
	SellerProfileID ProfileID `json:"sellerProfileId,omitempty"`
	SellerSignature string    `json:"sellerSignature,omitempty"`
	BuyerProfileID  ProfileID `json:"buyerProfileId,omitempty"`
	BuyerSignature  string    `json:"buyerSignature,omitempty"`
}

// Contract is the overall purchase agreement. Sections are keyed by the
// seller's user id.
type Contract struct {
	Version  string                       `json:"version"`
	ID       string                       `json:"id"`
	Media    Media                        `json:"media"`
	Buyer    Buyer                        `json:"buyer"`
	Sections map[string][]ContractSection `json:"sections,omitempty"`
}

// SellerData is a negotiated section plus the seller's current price.
type SellerData struct {
	Seller       Seller          `json:"seller"`
	Price        decimal.Decimal `json:"price"`
	Section      ContractSection `json:"section"`
	DownloadRate float64         `json:"downloadRate,omitempty"`
}

// SellerDataSet is a page of a seller pool listing.
type SellerDataSet struct {
	Resources []SellerData `json:"resources"`
	Total     int          `json:"total"`
	Start     int          `json:"start"`
	Num       int          `json:"num"`
}

// PoolStats aggregates the prices in a seller pool.
type PoolStats struct {
	ListingCount int             `json:"listingCount"`
	MinPrice     decimal.Decimal `json:"minPrice"`
	MedPrice     decimal.Decimal `json:"medPrice"`
	MaxPrice     decimal.Decimal `json:"maxPrice"`
}

// SellerPool lists the candidate sellers for a file.
type SellerPool struct {
	FileInfo      FileInfo      `json:"fileInfo"`
	SellerDataSet SellerDataSet `json:"sellerDataSet"`
	PieceSize     int64         `json:"pieceSize"`
	PieceCount    uint32        `json:"pieceCount"`
	BfpID         BfpID         `json:"bfpId"`
	Stats         PoolStats     `json:"stats"`
}

// FileProgress tracks one file of a download state. Every piece index lives
// in exactly one of Unassigned, Assigned, Downloaded and FileInfo.Pieces.
type FileProgress struct {
	FileInfo         FileInfo               `json:"fileInfo"`
	BytesDownloaded  int64                  `json:"bytesDownloaded"`
	Budget           decimal.Decimal        `json:"budget"`
	MicroPaymentCost decimal.Decimal        `json:"microPaymentCost"`
	SellerPool       SellerPool             `json:"sellerPool"`
	SellerData       map[string]SellerData  `json:"sellerData"`
	Sellers          map[string]Seller      `json:"sellers"`
	Unassigned       []FilePiece            `json:"unassigned"`
	Assigned         map[string][]FilePiece `json:"assigned"`
	Downloaded       map[string][]FilePiece `json:"downloaded"`

	// Path and Directory are set once the file has been assembled.
	Path      string `json:"path,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// NewFileProgress returns a FileProgress with its maps allocated.
func NewFileProgress(fi FileInfo) *FileProgress {
	return &FileProgress{
		FileInfo:   fi,
		SellerData: make(map[string]SellerData),
		Sellers:    make(map[string]Seller),
		Assigned:   make(map[string][]FilePiece),
		Downloaded: make(map[string][]FilePiece),
	}
}

// PricePreference bounds what the buyer pays.
type PricePreference struct {
	Max decimal.Decimal `json:"max" validate:"required,money"`
}

// Preferences are the buyer's download preferences.
type Preferences struct {
	Fast        bool            `json:"fast"`
	AccountID   uint64          `json:"accountId" validate:"gt=0"`
	Price       PricePreference `json:"price"`
	SellerLimit int             `json:"sellerLimit" validate:"gt=0"`
	Sellers     []Seller        `json:"sellers,omitempty" validate:"dive"`
}

// BlacklistEntry records when a seller was excluded from selection.
type BlacklistEntry struct {
	Seller Seller    `json:"seller"`
	Time   time.Time `json:"time"`
}

// Flags are the milestone flags of a download state.
type Flags struct {
	Initialized      bool `json:"initialized"`
	LicenseAcquired  bool `json:"licenseAcquired"`
	DownloadStarted  bool `json:"downloadStarted"`
	DownloadPaused   bool `json:"downloadPaused"`
	LicensePurchased bool `json:"licensePurchased"`
	DataPurchased    bool `json:"dataPurchased"`
	FilesAssembled   bool `json:"filesAssembled"`
}

// DownloadState is the aggregate root of one purchase in progress.
type DownloadState struct {
	ID          DownloadStateID `json:"id"`
	UserID      UserID          `json:"userId"`
	Version     string          `json:"version"`
	Ware        Ware            `json:"ware"`
	Contract    Contract        `json:"contract"`
	Preferences Preferences     `json:"preferences"`

	Progress map[FileID]*FileProgress `json:"progress"`

	TotalMinPrice         decimal.Decimal `json:"totalMinPrice"`
	TotalMedPrice         decimal.Decimal `json:"totalMedPrice"`
	TotalMaxPrice         decimal.Decimal `json:"totalMaxPrice"`
	TotalPieceCount       uint32          `json:"totalPieceCount"`
	TotalMicroPaymentCost decimal.Decimal `json:"totalMicroPaymentCost"`
	RemainingPieces       uint32          `json:"remainingPieces"`
	StartDate             string          `json:"startDate,omitempty"`

	Flags

	ActiveSellers map[string]int            `json:"activeSellers"`
	Blacklist     map[string]BlacklistEntry `json:"blacklist"`

	Processing  bool   `json:"processing"`
	ProcessorID string `json:"processorId,omitempty"`
}

// NewDownloadState returns an empty state for the given owner with every
// map allocated.
func NewDownloadState(userID UserID) *DownloadState {
	return &DownloadState{
		UserID:        userID,
		Version:       ContractVersion,
		Progress:      make(map[FileID]*FileProgress),
		ActiveSellers: make(map[string]int),
		Blacklist:     make(map[string]BlacklistEntry),
	}
}
