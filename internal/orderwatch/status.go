package orderwatch

import (
	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/orderapi"
)

// ToTransactionStatus maps a remote order status onto the local status set.
func ToTransactionStatus(s orderapi.Status) ledger.Status {
	switch s {
	case orderapi.StatusOpen:
		return ledger.StatusPending
	case orderapi.StatusFilled:
		return ledger.StatusSuccess
	case orderapi.StatusCancelled:
		return ledger.StatusCanceled
	case orderapi.StatusExpired:
		return ledger.StatusExpired
	case orderapi.StatusError:
		return ledger.StatusFailed
	case orderapi.StatusInsufficientFunds:
		return ledger.StatusInsufficientFunds
	default:
		return ledger.StatusUnknown
	}
}
