// Package picker chooses one seller among negotiated or listed candidates.
package picker

import (
	"math/rand/v2"
	"sync"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
)

// Picker selects sellers according to the buyer's preferences. The zero
// value is not usable; use New or NewWithRand.
type Picker struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New returns a Picker seeded from the runtime's random source.
func New() *Picker {
	return NewWithRand(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

// NewWithRand returns a Picker that draws from r.
func NewWithRand(r *rand.Rand) *Picker {
	return &Picker{rnd: r}
}

// Pick returns one candidate. When prefs.Fast is set the candidates with the
// highest observed download rate are eligible, together with every seller
// that has no rate yet. Otherwise the cheapest candidates are eligible. The
// choice among eligible candidates is uniform.
func (p *Picker) Pick(prefs purchase.Preferences, candidates []purchase.SellerData) (purchase.SellerData, bool) {
	if len(candidates) == 0 {
		return purchase.SellerData{}, false
	}

	var eligible []purchase.SellerData
	if prefs.Fast {
		eligible = fastest(candidates)
	} else {
		eligible = cheapest(candidates)
	}

	p.mu.Lock()
	i := p.rnd.IntN(len(eligible))
	p.mu.Unlock()

	return eligible[i], true
}

func fastest(candidates []purchase.SellerData) []purchase.SellerData {
	var best float64
	for _, c := range candidates {
		if c.DownloadRate > best {
			best = c.DownloadRate
		}
	}

	var out []purchase.SellerData
	for _, c := range candidates {
		if c.DownloadRate == 0 || c.DownloadRate == best {
			out = append(out, c)
		}
	}

	return out
}

func cheapest(candidates []purchase.SellerData) []purchase.SellerData {
	best := candidates[0].Price
	for _, c := range candidates[1:] {
		if c.Price.LessThan(best) {
			best = c.Price
		}
	}

	var out []purchase.SellerData
	for _, c := range candidates {
		if c.Price.Equal(best) {
			out = append(out, c)
		}
	}

	return out
}
