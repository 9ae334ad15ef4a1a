package ethwatch

import (
	"math/big"
	"time"

	"github.com/pvzzle/ordertrack/internal/ledger"

	"github.com/ethereum/go-ethereum/core/types"
)

// ToLedgerReceipt converts a chain receipt. confirmed is the block time.
func ToLedgerReceipt(r *types.Receipt, confirmed time.Time) *ledger.Receipt {
	out := &ledger.Receipt{
		BlockHash:        r.BlockHash,
		TransactionIndex: r.TransactionIndex,
		GasUsed:          r.GasUsed,
		ConfirmedTime:    confirmed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = new(big.Int).Set(r.EffectiveGasPrice)
	}
	return out
}

// NetworkFeeOf is gasUsed * effectiveGasPrice in the native token, or nil
// when the receipt has no effective gas price.
func NetworkFeeOf(r *types.Receipt, symbol string, chainID uint64) *ledger.NetworkFee {
	if r.EffectiveGasPrice == nil {
		return nil
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
	return &ledger.NetworkFee{
		Quantity:    fee.String(),
		TokenSymbol: symbol,
		ChainID:     chainID,
	}
}

// FinalStatus maps a mined receipt onto the record it settles. A
// Cancelling record keyed by its own hash was re-keyed to the cancel
// transaction, so its receipt settles the cancellation.
func FinalStatus(rec ledger.TransactionRecord, receiptStatus uint64) ledger.Status {
	ok := receiptStatus == types.ReceiptStatusSuccessful
	if rec.Status == ledger.StatusCancelling && rec.ID == rec.Hash {
		if ok {
			return ledger.StatusCanceled
		}
		return ledger.StatusFailedCancel
	}
	if ok {
		return ledger.StatusSuccess
	}
	return ledger.StatusFailed
}
