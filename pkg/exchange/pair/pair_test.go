package pair

import (
	"testing"

	"github.com/shopspring/decimal"
)

func testPair(t *testing.T) *Pair {
	t.Helper()
	p, err := New("BTC-USDT", "BTC", "USDT", Params{
		PricePrecision:  2,
		AmountPrecision: 8,
		MinAmount:       decimal.RequireFromString("0.0001"),
		MinNotional:     decimal.RequireFromString("10"),
		MakerFeeBps:     10,
		TakerFeeBps:     20,
		MaxDeviationBps: 1500,
	})
	if err != nil {
		t.Fatalf("failed to create pair: %v", err)
	}
	return p
}

func TestNewRejectsBadParams(t *testing.T) {
	if _, err := New("", "BTC", "USDT", Params{MaxDeviationBps: 1}); err == nil {
		t.Error("expected error for empty symbol")
	}
	if _, err := New("BTC-BTC", "BTC", "BTC", Params{MaxDeviationBps: 1}); err == nil {
		t.Error("expected error for identical base and quote")
	}
	if _, err := New("BTC-USDT", "BTC", "USDT", Params{MaxDeviationBps: 0}); err == nil {
		t.Error("expected error for zero max deviation")
	}
}

func TestConformsPrecision(t *testing.T) {
	cases := []struct {
		value string
		prec  int32
		want  bool
	}{
		{"50000.00", 2, true},
		{"50000.001", 2, false},
		{"1.230", 2, true}, // trailing zero carries no extra precision
		{"0.00000001", 8, true},
		{"0.000000001", 8, false},
		{"42", 0, true},
		{"42.1", 0, false},
	}
	for _, c := range cases {
		v := decimal.RequireFromString(c.value)
		if got := ConformsPrecision(v, c.prec); got != c.want {
			t.Errorf("ConformsPrecision(%s, %d) = %v, want %v", c.value, c.prec, got, c.want)
		}
	}
}

func TestValidatePrice(t *testing.T) {
	p := testPair(t)

	if err := p.ValidatePrice(decimal.RequireFromString("50000.12")); err != nil {
		t.Errorf("valid price rejected: %v", err)
	}
	if err := p.ValidatePrice(decimal.RequireFromString("50000.123")); err == nil {
		t.Error("expected rejection for excess price precision")
	}
	if err := p.ValidatePrice(decimal.Zero); err == nil {
		t.Error("expected rejection for zero price")
	}
	if err := p.ValidatePrice(decimal.RequireFromString("-1")); err == nil {
		t.Error("expected rejection for negative price")
	}
}

func TestValidateAmount(t *testing.T) {
	p := testPair(t)

	if err := p.ValidateAmount(decimal.RequireFromString("0.0001")); err != nil {
		t.Errorf("minimum amount rejected: %v", err)
	}
	if err := p.ValidateAmount(decimal.RequireFromString("0.00009")); err == nil {
		t.Error("expected rejection below minimum amount")
	}
	if err := p.ValidateAmount(decimal.RequireFromString("0.000000001")); err == nil {
		t.Error("expected rejection for excess amount precision")
	}
}

func TestValidateNotional(t *testing.T) {
	p := testPair(t)

	// 50000 * 0.0002 = 10, exactly at the minimum
	if err := p.ValidateNotional(decimal.RequireFromString("50000"), decimal.RequireFromString("0.0002")); err != nil {
		t.Errorf("notional at minimum rejected: %v", err)
	}
	if err := p.ValidateNotional(decimal.RequireFromString("50000"), decimal.RequireFromString("0.0001")); err == nil {
		t.Error("expected rejection below minimum notional")
	}
}

func TestFeesAreExact(t *testing.T) {
	p := testPair(t)

	// 20 bps of 0.3: 0.3 * 20 / 10000 = 0.0006, no rounding
	fee := p.TakerFee(decimal.RequireFromString("0.3"))
	if !fee.Equal(decimal.RequireFromString("0.0006")) {
		t.Errorf("taker fee = %s, want 0.0006", fee)
	}

	// 10 bps of 15000.50 = 15.0005
	fee = p.MakerFee(decimal.RequireFromString("15000.50"))
	if !fee.Equal(decimal.RequireFromString("15.0005")) {
		t.Errorf("maker fee = %s, want 15.0005", fee)
	}
}

func TestDecimalAdditionExact(t *testing.T) {
	// The representation the whole pipeline rides on: 0.1 + 0.2 == 0.3
	sum := decimal.RequireFromString("0.1").Add(decimal.RequireFromString("0.2"))
	if !sum.Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("0.1 + 0.2 = %s, want 0.3", sum)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p := testPair(t)

	if err := r.Register(p); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(p); err == nil {
		t.Error("expected error on duplicate registration")
	}

	got, err := r.Get("BTC-USDT")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Symbol != "BTC-USDT" {
		t.Errorf("got symbol %s", got.Symbol)
	}

	if _, err := r.Get("ETH-USDT"); err == nil {
		t.Error("expected error for unknown symbol")
	}

	if err := r.UpdateStatus("BTC-USDT", Suspended); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	if len(r.ListActive()) != 0 {
		t.Error("suspended pair listed as active")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
}
