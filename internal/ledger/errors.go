package ledger

import "errors"

var (
	ErrTransactionExists    = errors.New("transaction already exists")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateOrderHash   = errors.New("order hash already tracked")
	ErrMissingFillHash      = errors.New("successful order requires a fill transaction hash")
	ErrNotFinalStatus       = errors.New("status is not final")
	ErrNotFiatOnRamp        = errors.New("record is not a fiat on-ramp transaction")
	ErrLedgerNotEmpty       = errors.New("ledger already holds transactions")
	ErrMissingCancelRequest = errors.New("cancel request is required")
	ErrNotOrder             = errors.New("transaction is not an order")
	ErrAlreadyFinal         = errors.New("transaction already has a final status")
	ErrInvalidQueueStatus   = errors.New("unknown queue status")
	ErrKeyChanged           = errors.New("update must keep the record key and order hash")
)
