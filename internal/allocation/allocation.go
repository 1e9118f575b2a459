// Package allocation validates a participant's capital split across a
// contest's asset universe before it is locked.
//
// A valid allocation set is non-empty, names each asset at most once, uses
// only assets from the contest's universe, gives every asset a positive
// percentage, and sums to exactly 100. There is no tolerance on the sum.
package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/apperr"
	"github.com/stonkschool/contest-engine/internal/model"
)

// Hundred is the required sum of a participant's percentages.
var Hundred = decimal.NewFromInt(100)

var (
	// ErrEmpty is returned for an allocation request with no entries.
	ErrEmpty = apperr.New(apperr.KindValidation, "allocation: at least one asset is required")

	// ErrSumNot100 is returned when percentages do not add up to exactly 100.
	ErrSumNot100 = apperr.New(apperr.KindValidation, "allocation: percentages must sum to 100")

	// ErrNonPositive is returned for a zero or negative percentage.
	ErrNonPositive = apperr.New(apperr.KindValidation, "allocation: percentages must be positive")

	// ErrDuplicateAsset is returned when one asset appears twice.
	ErrDuplicateAsset = apperr.New(apperr.KindValidation, "allocation: asset listed more than once")

	// ErrUnknownAsset is returned for an asset outside the contest universe.
	ErrUnknownAsset = apperr.New(apperr.KindValidation, "allocation: asset is not part of this contest")
)

// Universe is the set of asset IDs tradable in one contest.
type Universe map[string]struct{}

// NewUniverse builds a Universe from a contest's assets.
func NewUniverse(assets []model.ContestAsset) Universe {
	u := make(Universe, len(assets))
	for _, a := range assets {
		u[a.AssetID] = struct{}{}
	}
	return u
}

// Contains reports whether assetID is tradable.
func (u Universe) Contains(assetID string) bool {
	_, ok := u[assetID]
	return ok
}

// Validate checks allocs against the universe and the sum-to-100 rule.
func Validate(allocs []model.Allocation, universe Universe) error {
	if len(allocs) == 0 {
		return ErrEmpty
	}

	seen := make(map[string]struct{}, len(allocs))
	total := decimal.Zero
	for _, a := range allocs {
		if !universe.Contains(a.AssetID) {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, a.AssetID)
		}
		if _, dup := seen[a.AssetID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateAsset, a.AssetID)
		}
		seen[a.AssetID] = struct{}{}

		if !a.Percentage.IsPositive() {
			return ErrNonPositive
		}
		total = total.Add(a.Percentage)
	}

	if !total.Equal(Hundred) {
		return ErrSumNot100
	}
	return nil
}
