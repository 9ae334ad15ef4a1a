package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusCancelling        Status = "cancelling"
	StatusReplacing         Status = "replacing"
	StatusSuccess           Status = "confirmed"
	StatusFailed            Status = "failed"
	StatusCanceled          Status = "cancelled"
	StatusFailedCancel      Status = "failedCancel"
	StatusExpired           Status = "expired"
	StatusInsufficientFunds Status = "insufficientFunds"
	StatusUnknown           Status = "unknown"
)

// IsFinal reports whether no further transition is expected.
func (s Status) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled, StatusFailedCancel, StatusExpired:
		return true
	}
	return false
}

// QueueStatus tracks an off-chain order before the filler network sees it.
type QueueStatus string

const (
	QueueNone             QueueStatus = ""
	QueueWaiting          QueueStatus = "waiting"
	QueueApprovalFailed   QueueStatus = "approvalFailed"
	QueueAppClosed        QueueStatus = "appClosed"
	QueueStale            QueueStatus = "stale"
	QueueSubmissionFailed QueueStatus = "submissionFailed"
	QueueSubmitted        QueueStatus = "submitted"
)

func (q QueueStatus) Valid() bool {
	switch q {
	case QueueWaiting, QueueApprovalFailed, QueueAppClosed, QueueStale, QueueSubmissionFailed, QueueSubmitted:
		return true
	}
	return false
}

type Kind string

const (
	KindClassic    Kind = "classic"
	KindOrder      Kind = "order"
	KindFiatOnRamp Kind = "fiat-onramp"
)

type Key struct {
	From    common.Address
	ChainID uint64
	ID      string
}

// TxRequest is the raw request submitted (or to be submitted) on chain.
// Either GasPrice or both EIP-1559 fields are expected to be set.
type TxRequest struct {
	From     common.Address
	To       *common.Address
	Nonce    uint64
	Value    *big.Int
	Data     []byte
	GasLimit uint64

	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type Receipt struct {
	BlockHash         common.Hash
	BlockNumber       uint64
	TransactionIndex  uint
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	ConfirmedTime     time.Time
}

type NetworkFee struct {
	Quantity     string
	TokenSymbol  string
	TokenAddress string
	ChainID      uint64
}

type TransactionRecord struct {
	ChainID uint64
	ID      string
	From    common.Address
	Kind    Kind
	Status  Status

	Hash       string
	Receipt    *Receipt
	NetworkFee *NetworkFee

	Request       *TxRequest
	CancelRequest *TxRequest

	OrderHash   string
	QueueStatus QueueStatus

	AddedTime              time.Time
	LastCheckedBlockNumber uint64
}

func (r TransactionRecord) Key() Key {
	return Key{From: r.From, ChainID: r.ChainID, ID: r.ID}
}

func (r TransactionRecord) IsOrder() bool { return r.Kind == KindOrder }

// Clone returns a deep copy so callers never share mutable state with the ledger.
func (r TransactionRecord) Clone() TransactionRecord {
	out := r
	if r.Receipt != nil {
		rc := *r.Receipt
		rc.EffectiveGasPrice = copyInt(r.Receipt.EffectiveGasPrice)
		out.Receipt = &rc
	}
	if r.NetworkFee != nil {
		nf := *r.NetworkFee
		out.NetworkFee = &nf
	}
	out.Request = r.Request.Clone()
	out.CancelRequest = r.CancelRequest.Clone()
	return out
}

func (q *TxRequest) Clone() *TxRequest {
	if q == nil {
		return nil
	}
	out := *q
	if q.To != nil {
		to := *q.To
		out.To = &to
	}
	if q.Data != nil {
		out.Data = append([]byte(nil), q.Data...)
	}
	out.Value = copyInt(q.Value)
	out.GasPrice = copyInt(q.GasPrice)
	out.MaxFeePerGas = copyInt(q.MaxFeePerGas)
	out.MaxPriorityFeePerGas = copyInt(q.MaxPriorityFeePerGas)
	return &out
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

type Op string

const (
	OpAdded     Op = "added"
	OpUpdated   Op = "updated"
	OpFinalized Op = "finalized"
	OpDeleted   Op = "deleted"
	OpCancelled Op = "cancelled"
	OpReplaced  Op = "replaced"
	OpCleared   Op = "cleared"
	OpReset     Op = "reset"
	OpChecked   Op = "checked"
)

// Update is broadcast after every committed write. Record is set for ops
// that leave a record behind; Key alone identifies deletions. For OpCleared
// only Key.From and Key.ChainID are meaningful. Watch is false only for
// updates applied by the order watcher itself.
type Update struct {
	Op     Op
	Key    Key
	Record *TransactionRecord
	Watch  bool
}
