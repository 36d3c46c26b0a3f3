package pricing

import "testing"

func TestFee(t *testing.T) {
	cases := []struct {
		name string
		base int64
		fee  int64
	}{
		{"round up from third", 3333, 500},   // $33.33 -> $5.00
		{"exact", 5000, 750},                 // $50.00 -> $7.50
		{"single cent", 1, 0},                // 0.15 cents rounds down
		{"half rounds up", 10, 2},            // 1.5 cents -> 2
		{"item price", 2500, 375},            // $25.00 -> $3.75
		{"zero", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Fee(tc.base); got != tc.fee {
				t.Fatalf("Fee(%d) = %d, want %d", tc.base, got, tc.fee)
			}
		})
	}
}

func TestTotal(t *testing.T) {
	if got := Total(2500); got != 2875 {
		t.Fatalf("Total(2500) = %d, want 2875", got)
	}
}

// The fee is applied once to the scope total, not per item. Summing per-item
// fees would differ by a cent here, which is exactly the drift the single
// rounding point avoids.
func TestFeeSingleRoundingPoint(t *testing.T) {
	items := []int64{1111, 1111, 1111} // three items at $11.11

	perItem := Fee(items[0]) + Fee(items[1]) + Fee(items[2])
	once := Fee(Sum(items...))

	if once != 500 {
		t.Fatalf("Fee(sum) = %d, want 500", once)
	}
	if perItem == once {
		t.Fatalf("expected per-item rounding to drift from the single rounding point")
	}
}

func TestToCents(t *testing.T) {
	cases := []struct {
		dollars float64
		cents   int64
	}{
		{33.33, 3333},
		{24.999999999, 2500},
		{0.01, 1},
		{0, 0},
	}
	for _, tc := range cases {
		if got := ToCents(tc.dollars); got != tc.cents {
			t.Fatalf("ToCents(%v) = %d, want %d", tc.dollars, got, tc.cents)
		}
	}
}

func TestToDollars(t *testing.T) {
	if got := ToDollars(2875); got != 28.75 {
		t.Fatalf("ToDollars(2875) = %v, want 28.75", got)
	}
}
