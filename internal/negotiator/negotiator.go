// Package negotiator finds one more seller for a download state and agrees
// on a signed contract section with it.
package negotiator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/messenger"
	"github.com/italolelis/peerbuy_downloader/internal/picker"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/signer"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
)

// SectionSigner signs negotiated sections on the buyer's behalf.
type SectionSigner interface {
	SignSection(cs *purchase.ContractSection) error
}

// Deps are the collaborators of a negotiator.
type Deps struct {
	Store     storage.Store
	Events    events.Publisher
	Messenger messenger.Messenger
	Policy    Policy
	Signer    SectionSigner
	Picker    *picker.Picker
	Telemetry *telemetry.Telemetry
	Now       func() time.Time
}

// Result is what a negotiation hands back to its parent.
type Result struct {
	// Found is set when a section was negotiated and persisted.
	Found      bool
	FileID     purchase.FileID
	SellerData purchase.SellerData
	// Blacklist holds the sellers that failed during this run and Failures
	// the reason for each, keyed by seller key.
	Blacklist []purchase.BlacklistEntry
	Failures  map[string]error
	// Must echoes whether finding a seller was mandatory.
	Must bool
	Err  error
}

// Negotiator runs one negotiation over a private copy of a download state.
type Negotiator struct {
	*task.Base

	deps Deps
	must bool
}

// New returns a negotiator for ds. must tells the parent whether failing to
// find a seller is fatal.
func New(ds *purchase.DownloadState, must bool, deps Deps) *Negotiator {
	if deps.Policy == nil {
		deps.Policy = AcceptAll
	}

	if deps.Picker == nil {
		deps.Picker = picker.New()
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Negotiator{
		Base: task.NewBase("negotiator", ds.Clone(), deps.Store, deps.Events),
		deps: deps,
		must: must,
	}
}

// Negotiate tries files in ascending order of negotiated sellers, and for
// each file every eligible seller, until one section is persisted.
func (n *Negotiator) Negotiate(ctx context.Context) Result {
	ctx = n.Context(ctx)
	logger := logctx.LoggerFromContext(ctx)
	ds := n.State()
	res := Result{Must: n.must, Failures: make(map[string]error)}

	for _, fileID := range pickFiles(ds) {
		fp := ds.Progress[fileID]

		for {
			if err := ctx.Err(); err != nil {
				res.Err = err
				return res
			}

			candidate, ok := n.pickSeller(ds, fp)
			if !ok {
				break
			}

			logger := logger.With("file_id", fileID, "seller", candidate.Seller.Key())
			logger.DebugContext(ctx, "negotiating with seller")

			var sd purchase.SellerData

			err := n.deps.Telemetry.InstrumentNegotiation(ctx, func(ctx context.Context) error {
				var err error

				sd, err = n.negotiate(ctx, ds, fp, candidate)

				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					res.Err = ctx.Err()
					return res
				}

				logger.InfoContext(ctx, "seller temporarily blacklisted", "code", purchase.Code(err), "err", err)

				now := n.deps.Now()
				ds.BlacklistSeller(candidate.Seller, now)
				res.Blacklist = append(res.Blacklist, purchase.BlacklistEntry{Seller: candidate.Seller, Time: now})
				res.Failures[candidate.Seller.Key()] = err
				n.deps.Telemetry.RecordBlacklist("negotiation")

				continue
			}

			if err := n.Store().InsertSellerData(ctx, ds, fileID, sd); err != nil {
				res.Err = err
				return res
			}

			fp.SellerData[sd.Section.Hash] = sd
			fp.Sellers[sd.Seller.Key()] = sd.Seller

			logger.InfoContext(ctx, "contract section negotiated", "price", sd.Price.String(), "section_hash", sd.Section.Hash)
			n.Publish(ctx, events.NegotiationComplete, map[string]any{
				"fileId":      string(fileID),
				"sectionHash": sd.Section.Hash,
				"seller":      sd.Seller.Key(),
				"price":       sd.Price.String(),
			})

			res.Found = true
			res.FileID = fileID
			res.SellerData = sd

			return res
		}
	}

	if n.must {
		logger.InfoContext(ctx, "no sellers found that match the buyer's preferences")
	} else {
		logger.DebugContext(ctx, "no sellers found, adding a seller was optional")
	}

	res.Err = purchase.ErrNoSellersAvailable

	return res
}

// pickFiles returns the files that still have unassigned pieces, ordered by
// how many sellers were already negotiated for them.
func pickFiles(ds *purchase.DownloadState) []purchase.FileID {
	var ids []purchase.FileID

	for _, id := range ds.SortedFileIDs() {
		if len(ds.Progress[id].Unassigned) > 0 {
			ids = append(ids, id)
		}
	}

	slices.SortStableFunc(ids, func(a, b purchase.FileID) int {
		return cmp.Compare(len(ds.Progress[a].SellerData), len(ds.Progress[b].SellerData))
	})

	return ids
}

// pickSeller chooses among the listed sellers that are neither blacklisted
// nor already negotiated for the file and whose price fits its budget.
func (n *Negotiator) pickSeller(ds *purchase.DownloadState, fp *purchase.FileProgress) (purchase.SellerData, bool) {
	var eligible []purchase.SellerData

	for _, sd := range fp.SellerPool.SellerDataSet.Resources {
		key := sd.Seller.Key()
		if key == "" || ds.IsBlacklisted(key) {
			continue
		}

		if _, ok := fp.Sellers[key]; ok {
			continue
		}

		if purchase.Trunc(sd.Price).LessThanOrEqual(purchase.Trunc(fp.Budget)) {
			eligible = append(eligible, sd)
		}
	}

	return n.deps.Picker.Pick(ds.Preferences, eligible)
}

// negotiate runs the protocol with one seller and returns the verified,
// signed section.
func (n *Negotiator) negotiate(ctx context.Context, ds *purchase.DownloadState, fp *purchase.FileProgress, candidate purchase.SellerData) (purchase.SellerData, error) {
	requested := candidate.Section.Clone()
	requested.Seller = candidate.Seller
	requested.Buyer = ds.Contract.Buyer
	requested.Buyer.UserID = ds.UserID

	fi := fp.FileInfo.Clone()
	fi.Pieces = nil
	requested.Ware.ID = purchase.WareID(fi.MediaID, fi.ID)
	requested.Ware.MediaID = fi.MediaID
	requested.Ware.FileInfos = []purchase.FileInfo{fi}

	ok, err := n.deps.Policy.Negotiate(ctx, ds.UserID, ds.Contract, &requested, false)
	if err != nil {
		return purchase.SellerData{}, fmt.Errorf("negotiation policy: %w", err)
	}

	if !ok {
		return purchase.SellerData{}, purchase.ErrPolicyRejected
	}

	sellerKey := strconv.FormatUint(uint64(candidate.Seller.UserID), 10)

	contract := ds.Contract.Clone()
	contract.Sections = map[string][]purchase.ContractSection{sellerKey: {requested}}

	q := url.Values{}
	q.Set("nodeuser", sellerKey)
	u := candidate.Seller.URL + "/api/3.0/sales/contract/negotiate?" + q.Encode()

	var answer purchase.Contract
	if err := n.deps.Messenger.Post(ctx, u, contract, &answer, ds.UserID); err != nil {
		return purchase.SellerData{}, err
	}

	sections := answer.Sections[sellerKey]
	if len(sections) == 0 || len(sections[0].Ware.FileInfos) == 0 {
		return purchase.SellerData{}, fmt.Errorf("%w: seller answered without a contract section", purchase.ErrSecurityBreach)
	}

	echoed := sections[0]
	if err := verify(requested, echoed); err != nil {
		return purchase.SellerData{}, err
	}

	payees := slices.Clone(echoed.Ware.Payees)
	price := purchase.ResolvePayeeAmounts(payees, contract.Media.LicenseAmount)
	echoed.Ware.Payees = payees

	if price.GreaterThan(fp.Budget) {
		return purchase.SellerData{}, fmt.Errorf("%w: %s > %s", purchase.ErrOverBudget, price.String(), fp.Budget.String())
	}

	if echoed.Hash == "" {
		if echoed.Hash, err = signer.SectionHash(echoed); err != nil {
			return purchase.SellerData{}, err
		}
	}

	if err := n.deps.Signer.SignSection(&echoed); err != nil {
		return purchase.SellerData{}, fmt.Errorf("failed to sign contract section: %w", err)
	}

	return purchase.SellerData{
		Seller:       candidate.Seller,
		Price:        price,
		Section:      echoed,
		DownloadRate: candidate.DownloadRate,
	}, nil
}

// verify checks that the seller kept the identity of what was asked for.
func verify(requested, echoed purchase.ContractSection) error {
	fi1 := requested.Ware.FileInfos[0]
	fi2 := echoed.Ware.FileInfos[0]

	switch {
	case fi1.ID != fi2.ID:
		return purchase.ErrFileIDOutOfSync
	case requested.Ware.MediaID != echoed.Ware.MediaID:
		return purchase.ErrMediaIDOutOfSync
	case requested.Ware.ID != echoed.Ware.ID:
		return purchase.ErrWareIDOutOfSync
	case fi1.ContentSize != fi2.ContentSize:
		return purchase.ErrFileInfoOutOfSync
	case fi2.Size < fi1.ContentSize:
		return purchase.ErrFileTooSmall
	}

	return nil
}

// IsFatal reports whether a failed result ends the download.
func (r Result) IsFatal() bool {
	if r.Err == nil || r.Found {
		return false
	}

	if errors.Is(r.Err, purchase.ErrNoSellersAvailable) {
		return r.Must
	}

	return !errors.Is(r.Err, context.Canceled)
}
