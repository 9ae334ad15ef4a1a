package gasfee

import (
	"fmt"
	"math/big"
)

var (
	weiPerEth  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	weiPerGwei = big.NewInt(1_000_000_000)
)

func WeiToEthString(wei *big.Int) string {
	return ratio(wei, weiPerEth, 6)
}

func WeiToGweiString(wei *big.Int) string {
	return ratio(wei, weiPerGwei, 3)
}

// Describe renders fee params for log lines.
func Describe(p FeeParams) string {
	switch p.Type() {
	case FeeTypeLegacy:
		return fmt.Sprintf("gasPrice=%s gwei", WeiToGweiString(p.GasPrice))
	case FeeTypeEIP1559:
		return fmt.Sprintf("maxFee=%s gwei tip=%s gwei",
			WeiToGweiString(p.MaxFeePerGas), WeiToGweiString(p.MaxPriorityFeePerGas))
	}
	return "no fees"
}

func ratio(wei, unit *big.Int, prec int) string {
	if wei == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(wei, unit)
	return r.FloatString(prec)
}
