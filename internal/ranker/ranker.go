// Package ranker orders vendors by commission economics for a given
// product and amount.
package ranker

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"vend/internal/domain"
)

// ProductSource supplies the vendor-product reference rows for a product or
// bundle. Rows are immutable for the lifetime of a transaction.
type ProductSource interface {
	ListVendorProducts(ctx context.Context, productID string) ([]domain.VendorProduct, error)
}

type Ranker struct {
	Products ProductSource
}

// Rank returns the vendor products for productID sorted by effective rate
// (commission*amount + bonus) descending. Ties keep the source order.
func (r *Ranker) Rank(ctx context.Context, productID, amount string) ([]domain.VendorProduct, error) {
	rows, err := r.Products.ListVendorProducts(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("list vendor products: %w", err)
	}
	if len(rows) == 0 {
		return nil, domain.ErrProductNotFound
	}
	amt, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}

	ranked := make([]domain.VendorProduct, len(rows))
	copy(ranked, rows)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].EffectiveRate(amt) > ranked[j].EffectiveRate(amt)
	})
	return ranked, nil
}

// Best returns the highest-ranked vendor product for the first attempt.
func (r *Ranker) Best(ctx context.Context, productID, amount string) (domain.VendorProduct, error) {
	ranked, err := r.Rank(ctx, productID, amount)
	if err != nil {
		return domain.VendorProduct{}, err
	}
	return ranked[0], nil
}

// NextBest picks the vendor to switch to: the highest-ranked candidate that
// is neither the current vendor nor already tried. When every vendor has
// been tried, the overall best is reused rather than stalling the
// transaction.
func (r *Ranker) NextBest(ctx context.Context, productID, amount string, current domain.Vendor, previous []domain.Vendor) (domain.VendorProduct, error) {
	ranked, err := r.Rank(ctx, productID, amount)
	if err != nil {
		return domain.VendorProduct{}, err
	}

	if len(previous) >= len(ranked) {
		return ranked[0], nil
	}

	tried := func(v domain.Vendor) bool {
		for _, p := range previous {
			if p == v {
				return true
			}
		}
		return false
	}
	for _, vp := range ranked {
		if vp.Vendor == current || tried(vp.Vendor) {
			continue
		}
		return vp, nil
	}
	return ranked[0], nil
}

// CodeFor looks up the vendor's own product code for the product.
func (r *Ranker) CodeFor(ctx context.Context, productID string, vendor domain.Vendor) (domain.VendorProduct, error) {
	rows, err := r.Products.ListVendorProducts(ctx, productID)
	if err != nil {
		return domain.VendorProduct{}, fmt.Errorf("list vendor products: %w", err)
	}
	if len(rows) == 0 {
		return domain.VendorProduct{}, domain.ErrProductNotFound
	}
	for _, vp := range rows {
		if vp.Vendor == vendor {
			return vp, nil
		}
	}
	return domain.VendorProduct{}, domain.ErrVendorProductNotFound
}
