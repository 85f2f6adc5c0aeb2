package negotiator

import (
	"context"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
)

// Policy is the local acceptance rule a section must pass before a seller is
// contacted.
type Policy interface {
	Negotiate(ctx context.Context, userID purchase.UserID, c purchase.Contract, cs *purchase.ContractSection, seller bool) (bool, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, userID purchase.UserID, c purchase.Contract, cs *purchase.ContractSection, seller bool) (bool, error)

func (f PolicyFunc) Negotiate(ctx context.Context, userID purchase.UserID, c purchase.Contract, cs *purchase.ContractSection, seller bool) (bool, error) {
	return f(ctx, userID, c, cs, seller)
}

// AcceptAll accepts every section on the buying side.
var AcceptAll Policy = PolicyFunc(func(context.Context, purchase.UserID, purchase.Contract, *purchase.ContractSection, bool) (bool, error) {
	return true, nil
})

// PreferredSellers only accepts sections from the listed sellers. An empty
// list accepts everyone.
func PreferredSellers(sellers []purchase.Seller) Policy {
	allowed := make(map[purchase.UserID]bool, len(sellers))
	for _, s := range sellers {
		allowed[s.UserID] = true
	}

	return PolicyFunc(func(_ context.Context, _ purchase.UserID, _ purchase.Contract, cs *purchase.ContractSection, _ bool) (bool, error) {
		return len(allowed) == 0 || allowed[cs.Seller.UserID], nil
	})
}
