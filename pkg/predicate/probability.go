package predicate

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
)

// RootPrecision is the number of decimal places kept for probabilities
// produced by push-down.
const RootPrecision = 20

const workPrecision = RootPrecision + 10

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
)

// checkProbability fails for targets outside [0,1].
func checkProbability(p decimal.Decimal) error {
	if p.LessThan(zero) || p.GreaterThan(one) {
		return fmt.Errorf("%w: %s", apperrors.ErrProbabilityOutOfRange, p)
	}
	return nil
}

// nthRoot returns x^(1/n) for x in [0,1] by Newton iteration, seeded from
// the float64 estimate.
func nthRoot(x decimal.Decimal, n int) decimal.Decimal {
	if n == 1 || x.IsZero() || x.Equal(one) {
		return x
	}
	f, _ := x.Float64()
	guess := decimal.NewFromFloat(math.Pow(f, 1/float64(n)))
	if guess.IsZero() {
		guess = decimal.New(1, -RootPrecision)
	}

	nd := decimal.NewFromInt(int64(n))
	nm1 := decimal.NewFromInt(int64(n - 1))
	tolerance := decimal.New(1, -(RootPrecision + 2))
	for i := 0; i < 64; i++ {
		pow := powInt(guess, n-1)
		next := nm1.Mul(guess).Add(x.DivRound(pow, workPrecision)).DivRound(nd, workPrecision)
		done := next.Sub(guess).Abs().LessThan(tolerance)
		guess = next
		if done {
			break
		}
	}
	return guess.Round(RootPrecision)
}

func powInt(x decimal.Decimal, n int) decimal.Decimal {
	out := one
	for i := 0; i < n; i++ {
		out = out.Mul(x).Round(workPrecision)
	}
	return out
}

// decimalFromRate converts a statistics rate to a decimal.
func decimalFromRate(r float64) decimal.Decimal {
	return decimal.NewFromFloat(r)
}
