// Package budget apportions the buyer's maximum price across the files of a
// download state.
package budget

import (
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/shopspring/decimal"
)

// Result summarizes one budget calculation.
type Result struct {
	// Bank is what is left of the maximum price once the license, the
	// micropayment surcharge and committed spend are taken out.
	Bank decimal.Decimal
	// Spent is the value of every assigned or downloaded piece.
	Spent decimal.Decimal
	// RemainingMedian is the median cost of the pieces not yet handed out.
	RemainingMedian decimal.Decimal
}

// Calculate recomputes the aggregate prices, the micropayment surcharge and
// every file's budget in place. Every value is truncated at
// purchase.Precision so the budgets never add up to more than the bank.
func Calculate(ds *purchase.DownloadState) Result {
	ids := ds.SortedFileIDs()

	pieceFee := purchase.SumAmounts(ds.Contract.Media.PiecePayees)

	var pieceCount uint32
	for _, id := range ids {
		fp := ds.Progress[id]
		pieceCount += fp.SellerPool.PieceCount
		fp.MicroPaymentCost = purchase.Trunc(pieceFee.Mul(decimal.NewFromInt(int64(fp.SellerPool.PieceCount))))
	}

	micro := purchase.Trunc(pieceFee.Mul(decimal.NewFromInt(int64(pieceCount))))
	ds.TotalPieceCount = pieceCount
	ds.TotalMicroPaymentCost = micro

	totalMin, totalMed, totalMax := decimal.Zero, decimal.Zero, decimal.Zero
	spent := decimal.Zero
	totalRemaining := decimal.Zero
	remaining := make(map[purchase.FileID]decimal.Decimal, len(ids))

	for _, id := range ids {
		fp := ds.Progress[id]
		stats := fp.SellerPool.Stats

		totalMin = totalMin.Add(stats.MinPrice)
		totalMed = totalMed.Add(stats.MedPrice)
		totalMax = totalMax.Add(stats.MaxPrice)

		fileSpent, funded := committed(fp)
		spent = spent.Add(fileSpent)

		size := fp.Size()
		if len(fp.Unassigned) == 0 || size <= 0 {
			continue
		}

		left := size - funded
		if left < 0 {
			left = 0
		}

		fraction := purchase.Quo(decimal.NewFromInt(left), decimal.NewFromInt(size))
		rem := purchase.Trunc(fraction.Mul(stats.MedPrice))
		remaining[id] = rem
		totalRemaining = totalRemaining.Add(rem)
	}

	license := ds.Contract.Media.LicenseAmount
	bank := purchase.Trunc(ds.Preferences.Price.Max.Sub(license).Sub(micro).Sub(spent))

	fixed := micro.Add(license)
	ds.TotalMinPrice = purchase.Trunc(totalMin.Add(fixed))
	ds.TotalMedPrice = purchase.Trunc(totalMed.Add(fixed))
	ds.TotalMaxPrice = purchase.Trunc(totalMax.Add(fixed))

	apportion(ds, ids, bank, remaining, totalRemaining)

	return Result{Bank: bank, Spent: spent, RemainingMedian: totalRemaining}
}

// committed returns the spend already tied to a file's assigned and
// downloaded pieces and the number of bytes those pieces cover.
func committed(fp *purchase.FileProgress) (decimal.Decimal, int64) {
	size := fp.Size()
	spent := decimal.Zero

	var funded int64

	for _, bucket := range []map[string][]purchase.FilePiece{fp.Downloaded, fp.Assigned} {
		for hash, pieces := range bucket {
			price := fp.SellerData[hash].Price

			for _, p := range pieces {
				bytes := p.Size
				if bytes == 0 {
					bytes = size
				}

				funded += bytes

				if size > 0 {
					fraction := purchase.Quo(decimal.NewFromInt(bytes), decimal.NewFromInt(size))
					spent = spent.Add(purchase.Trunc(fraction.Mul(price)))
				}
			}
		}
	}

	return spent, funded
}

// apportion splits the bank across the files that still have unassigned
// pieces, weighted by their remaining median cost. Files without unassigned
// pieces get nothing. A bank at or below zero is handed to every file as is
// so that no seller can be afforded.
func apportion(ds *purchase.DownloadState, ids []purchase.FileID, bank decimal.Decimal, remaining map[purchase.FileID]decimal.Decimal, total decimal.Decimal) {
	if !bank.IsPositive() {
		for _, id := range ids {
			ds.Progress[id].Budget = bank
		}

		return
	}

	var open []purchase.FileID
	for _, id := range ids {
		if len(ds.Progress[id].Unassigned) > 0 {
			open = append(open, id)
		} else {
			ds.Progress[id].Budget = decimal.Zero
		}
	}

	if total.IsPositive() {
		for _, id := range open {
			ds.Progress[id].Budget = purchase.Quo(bank.Mul(remaining[id]), total)
		}

		return
	}

	if len(open) == 0 {
		return
	}

	share := purchase.Quo(bank, decimal.NewFromInt(int64(len(open))))
	for _, id := range open {
		ds.Progress[id].Budget = share
	}
}
