package fixed

import (
	"testing"

	"github.com/shopspring/decimal"
)

func di(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestDiv_TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"7", "2", "3"},
		{"-7", "2", "-3"},
		{"7", "-2", "-3"},
		{"1", "3", "0"},
		{"999", "1000", "0"},
		{"1000000000000000000000000000000", "3", "333333333333333333333333333333"},
	}
	for _, tt := range tests {
		got := Div(di(tt.a), di(tt.b))
		if !got.Equal(di(tt.want)) {
			t.Errorf("Div(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMulDiv_ExactBeforeTruncation(t *testing.T) {
	// 1e30 * 1e18 would overflow int64 arithmetic; decimal keeps it exact.
	a := PricePrecision
	b := Pow10(18)
	got := MulDiv(a, b, Pow10(18))
	if !got.Equal(PricePrecision) {
		t.Errorf("MulDiv round-trip = %s, want %s", got, PricePrecision)
	}

	// 10 * 7 / 3 = 23 (truncated), not 23.33.
	if got := MulDiv(di("10"), di("7"), di("3")); !got.Equal(di("23")) {
		t.Errorf("MulDiv(10,7,3) = %s, want 23", got)
	}
}

func TestAfterFee(t *testing.T) {
	// 30 bps on 10000 units leaves 9970.
	got := AfterFee(di("10000"), di("30"))
	if !got.Equal(di("9970")) {
		t.Errorf("AfterFee(10000, 30) = %s, want 9970", got)
	}

	// Truncation: 30 bps on 333 = 333*9970/10000 = 331 (332.0001 truncated... exact: 3320010/10000=332).
	got = AfterFee(di("333"), di("30"))
	if !got.Equal(di("332")) {
		t.Errorf("AfterFee(333, 30) = %s, want 332", got)
	}
}

func TestApplyBps(t *testing.T) {
	if got := ApplyBps(di("10000"), di("20")); !got.Equal(di("10020")) {
		t.Errorf("ApplyBps(10000, +20) = %s, want 10020", got)
	}
	if got := ApplyBps(di("10000"), di("-20")); !got.Equal(di("9980")) {
		t.Errorf("ApplyBps(10000, -20) = %s, want 9980", got)
	}
}

func TestMinMax(t *testing.T) {
	a, b := di("5"), di("9")
	if !Min(a, b).Equal(a) {
		t.Errorf("Min(5,9) = %s", Min(a, b))
	}
	if !Max(a, b).Equal(b) {
		t.Errorf("Max(5,9) = %s", Max(a, b))
	}
}

func TestPricePrecisionScale(t *testing.T) {
	if PricePrecision.String() != "1000000000000000000000000000000" {
		t.Errorf("PricePrecision = %s", PricePrecision)
	}
	if !OneUSD.Equal(PricePrecision) {
		t.Errorf("OneUSD should equal PricePrecision")
	}
}
