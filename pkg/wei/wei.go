// Package wei converts between the wire representation of on-chain amounts
// (decimal strings with 18 fractional digits) and the 256-bit integers the
// chain actually moves. Every exact conversion goes through
// github.com/shopspring/decimal, the same library the teacher uses for its
// ASI/AASI conversion (pkg/blockchain/util.go); native float64 never
// touches an exact amount. The one function in this package that is
// intentionally approximate, ContributionToBigInt, documents that.
package wei

import (
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agentmesh-network/agentmesh/pkg/errs"
	"github.com/agentmesh-network/agentmesh/pkg/model"
)

const fractionalDigits = 18

// maxContribution is 2^53, the largest integer a float64 represents exactly.
const maxContribution = float64(1 << 53)

// ToWei parses a non-negative decimal string into its 18-decimal integer
// representation. It rejects negative amounts and malformed input.
func ToWei(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, errs.Wrap(errs.InputInvalid, "malformed decimal amount", err)
	}
	if d.IsNegative() {
		return nil, errs.New(errs.InputInvalid, "amount must not be negative")
	}
	scaled := d.Shift(fractionalDigits)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, errs.New(errs.InputInvalid, "amount has more than 18 fractional digits")
	}
	return scaled.BigInt(), nil
}

// FromWei renders n as the canonical decimal string: no trailing fractional
// zeros, no decimal point for whole amounts, and a single "0" integer part
// for amounts below one.
func FromWei(n *big.Int) string {
	if n == nil {
		return "0"
	}
	neg := n.Sign() < 0
	abs := new(big.Int).Abs(n)
	s := decimal.NewFromBigInt(abs, -fractionalDigits).StringFixed(fractionalDigits)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		s = "0"
	}
	if neg && s != "0" {
		s = "-" + s
	}
	return s
}

// ValidateMilestonesTotal fails unless the sum of milestone amounts equals
// total, both converted through the exact wei path.
func ValidateMilestonesTotal(milestones []model.Milestone, total string) error {
	wantTotal, err := ToWei(total)
	if err != nil {
		return err
	}
	sum := new(big.Int)
	for _, m := range milestones {
		if m.Amount == "" {
			return errs.New(errs.InputInvalid, "milestone amount must not be empty")
		}
		amt, err := ToWei(m.Amount)
		if err != nil {
			return err
		}
		if amt.Sign() <= 0 {
			return errs.Newf(errs.InputInvalid, "milestone %s amount must be positive", m.ID)
		}
		sum.Add(sum, amt)
	}
	if sum.Cmp(wantTotal) != 0 {
		return errs.Newf(errs.InputInvalid, "milestone amounts sum to %s, want %s", FromWei(sum), total)
	}
	return nil
}

// ContributionToBigInt scales a swarm-split contribution by 10^9 and
// floors it to an integer. This is the one approximation the wei package
// permits: contribution weights are not exact on-chain amounts, only
// proportions, so float64 is an acceptable input type here.
func ContributionToBigInt(c float64) (*big.Int, error) {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return nil, errs.New(errs.InputInvalid, "contribution must be finite")
	}
	if c < 0 {
		return nil, errs.New(errs.InputInvalid, "contribution must not be negative")
	}
	if c > maxContribution {
		return nil, errs.Newf(errs.InputInvalid, "contribution exceeds %v", maxContribution)
	}
	scaled := math.Floor(c * 1e9)
	i, _ := big.NewFloat(scaled).Int(nil)
	return i, nil
}
