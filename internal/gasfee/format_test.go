package gasfee

import (
	"math/big"
	"strings"
	"testing"
)

func TestWeiToEthString(t *testing.T) {
	oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	if got := WeiToEthString(oneEth); got != "1.000000" {
		t.Fatalf("expected 1.000000, got %q", got)
	}

	half := new(big.Int).Div(oneEth, big.NewInt(2))
	if got := WeiToEthString(half); got != "0.500000" {
		t.Fatalf("expected 0.500000, got %q", got)
	}

	if got := WeiToEthString(nil); got != "0" {
		t.Fatalf("expected 0 for nil, got %q", got)
	}
}

func TestWeiToGweiString(t *testing.T) {
	if got := WeiToGweiString(big.NewInt(1_500_000_000)); got != "1.500" {
		t.Fatalf("expected 1.500, got %q", got)
	}
}

func TestDescribe(t *testing.T) {
	legacy := Describe(FeeParams{GasPrice: big.NewInt(2_000_000_000)})
	if !strings.Contains(legacy, "gasPrice=2.000 gwei") {
		t.Fatalf("unexpected legacy description: %s", legacy)
	}

	dyn := Describe(FeeParams{MaxFeePerGas: big.NewInt(3_000_000_000), MaxPriorityFeePerGas: big.NewInt(1_000_000_000)})
	if !strings.Contains(dyn, "maxFee=3.000 gwei") || !strings.Contains(dyn, "tip=1.000 gwei") {
		t.Fatalf("unexpected eip1559 description: %s", dyn)
	}

	if got := Describe(FeeParams{}); got != "no fees" {
		t.Fatalf("expected no fees, got %q", got)
	}
}
