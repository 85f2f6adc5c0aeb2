package purchase

import "github.com/shopspring/decimal"

// Precision is the number of fractional digits every monetary value is
// truncated to.
const Precision int32 = 7

// Trunc truncates d to Precision digits.
func Trunc(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}

// Quo divides a by b, truncating toward zero at Precision digits. A zero
// divisor yields zero.
func Quo(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}

	q, _ := a.QuoRem(b, Precision)

	return q
}

// ResolvePayeeAmounts resolves every payee to a flat amount and returns the
// total owed to them. Payees are updated in place.
//
// Flat fees and percent-of-license/percent-of-cumulative payees resolve in
// order. Percent-of-total payees then resolve against the total so far, and
// tax payees resolve last against the taxable total without adding to it.
func ResolvePayeeAmounts(payees []Payee, license decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	taxable := decimal.Zero
	license = Trunc(license)

	var ofTotal, taxes []int

	for i := range payees {
		p := &payees[i]

		switch p.AmountType {
		case PayeeFlatFee:
			total = total.Add(p.Amount)
			if !p.TaxExempt {
				taxable = taxable.Add(p.Amount)
			}

			p.AmountResolved = true
		case PayeePercentOfLicense:
			total, taxable = resolvePercentage(p, license, total, taxable, true)
		case PayeePercentOfCumulative:
			total, taxable = resolvePercentage(p, total, total, taxable, true)
		case PayeePercentOfTotal:
			ofTotal = append(ofTotal, i)
		case PayeeTax:
			taxes = append(taxes, i)
		}
	}

	preTotal := total
	for _, i := range ofTotal {
		total, taxable = resolvePercentage(&payees[i], preTotal, total, taxable, true)
	}

	for _, i := range taxes {
		total, _ = resolvePercentage(&payees[i], taxable, total, taxable, false)
	}

	return Trunc(total)
}

func resolvePercentage(p *Payee, base, total, taxable decimal.Decimal, countTaxable bool) (decimal.Decimal, decimal.Decimal) {
	amount := p.Amount

	if !p.AmountResolved {
		amount = base.Mul(p.Percentage)
		if p.Min != nil && p.Min.GreaterThan(amount) {
			amount = *p.Min
		}

		amount = Trunc(amount)
		p.Amount = amount
		p.AmountResolved = true
	}

	total = total.Add(amount)
	if countTaxable && !p.TaxExempt {
		taxable = taxable.Add(amount)
	}

	return total, taxable
}

// SumAmounts adds up the raw amounts of payees, used for per-piece fees.
func SumAmounts(payees []Payee) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range payees {
		sum = sum.Add(p.Amount)
	}

	return Trunc(sum)
}
