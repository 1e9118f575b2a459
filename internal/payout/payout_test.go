package payout

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- Constructor tests ---

func TestNewCurve_Valid(t *testing.T) {
	c, err := ParseCurve([]string{"0.5", "0.3", "0.2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Len() != 3 {
		t.Errorf("expected 3 paid ranks, got %d", c.Len())
	}
	if !c.Fraction(2).Equal(d("0.3")) {
		t.Errorf("expected rank 2 fraction 0.3, got %s", c.Fraction(2))
	}
}

func TestNewCurve_OverAllocated(t *testing.T) {
	_, err := ParseCurve([]string{"0.6", "0.5"})
	if err != ErrCurveOverAllocated {
		t.Errorf("expected ErrCurveOverAllocated, got %v", err)
	}
}

func TestNewCurve_Negative(t *testing.T) {
	_, err := ParseCurve([]string{"0.5", "-0.1"})
	if err != ErrNegativeFraction {
		t.Errorf("expected ErrNegativeFraction, got %v", err)
	}
}

func TestNewCurve_PartialIsAllowed(t *testing.T) {
	if _, err := ParseCurve([]string{"0.4", "0.2"}); err != nil {
		t.Errorf("curve summing below 1 should be valid, got %v", err)
	}
}

func TestFraction_OutOfRange(t *testing.T) {
	c, _ := ParseCurve([]string{"1"})
	if !c.Fraction(0).IsZero() || !c.Fraction(2).IsZero() {
		t.Error("ranks outside the curve should be paid nothing")
	}
}

// --- Distribution tests ---

func TestDistribute_ExactSplit(t *testing.T) {
	c, _ := ParseCurve([]string{"0.5", "0.3", "0.2"})
	got, err := c.Distribute(d("100.00"), 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"50", "30", "20"}
	for i, w := range want {
		if !got[i].Equal(d(w)) {
			t.Errorf("rank %d: expected %s, got %s", i+1, w, got[i])
		}
	}
}

func TestDistribute_FewerParticipantsThanCurve(t *testing.T) {
	c, _ := ParseCurve([]string{"0.5", "0.3", "0.2"})
	got, err := c.Distribute(d("100"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 payouts, got %d", len(got))
	}
	if !got[0].Add(got[1]).Equal(d("80")) {
		t.Errorf("expected 80 paid out, got %s", got[0].Add(got[1]))
	}
}

func TestDistribute_MoreParticipantsThanCurve(t *testing.T) {
	c, _ := ParseCurve([]string{"0.7", "0.3"})
	got, _ := c.Distribute(d("10"), 4)
	if !got[2].IsZero() || !got[3].IsZero() {
		t.Errorf("ranks beyond curve should get zero, got %s %s", got[2], got[3])
	}
}

func TestDistribute_DustGoesToFirst(t *testing.T) {
	c, _ := ParseCurve([]string{"0.3333", "0.3333", "0.3334"})
	pool := d("10.00")
	got, _ := c.Distribute(pool, 3)

	sum := decimal.Zero
	for _, p := range got {
		sum = sum.Add(p)
		if p.Exponent() < -AmountScale {
			t.Errorf("payout %s has more than %d decimals", p, AmountScale)
		}
	}
	if !sum.Equal(pool) {
		t.Errorf("full curve should distribute entire pool: sum=%s pool=%s", sum, pool)
	}
	if got[0].LessThan(got[1]) {
		t.Errorf("rank 1 should absorb rounding dust: %s < %s", got[0], got[1])
	}
}

func TestDistribute_NeverExceedsPool(t *testing.T) {
	c, _ := ParseCurve([]string{"0.5", "0.25", "0.125", "0.125"})
	for _, s := range []string{"0.01", "0.03", "7.77", "1234.56", "99999.99"} {
		pool := d(s)
		got, _ := c.Distribute(pool, 4)
		sum := decimal.Zero
		for _, p := range got {
			if p.IsNegative() {
				t.Fatalf("negative payout %s for pool %s", p, s)
			}
			sum = sum.Add(p)
		}
		if sum.GreaterThan(pool) {
			t.Errorf("pool %s over-distributed: %s", s, sum)
		}
	}
}

func TestDistribute_NegativePool(t *testing.T) {
	c, _ := ParseCurve([]string{"1"})
	if _, err := c.Distribute(d("-1"), 1); err != ErrNegativePool {
		t.Errorf("expected ErrNegativePool, got %v", err)
	}
}

func TestDistribute_Empty(t *testing.T) {
	c, _ := ParseCurve([]string{"1"})
	got, err := c.Distribute(d("50"), 0)
	if err != nil || len(got) != 0 {
		t.Errorf("expected empty distribution, got %v %v", got, err)
	}
}
