package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pvzzle/ordertrack/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// TxRow is the persisted form of a ledger record. Nested structures are
// kept as JSON documents; big integers encode as JSON numbers.
type TxRow struct {
	Owner   string
	ChainID uint64
	ID      string
	Kind    string
	Status  string

	Hash        *string
	OrderHash   *string
	QueueStatus *string

	Request       []byte
	CancelRequest []byte
	Receipt       []byte
	NetworkFee    []byte

	AddedAt          time.Time
	LastCheckedBlock uint64
}

func RowFromRecord(rec ledger.TransactionRecord) (TxRow, error) {
	row := TxRow{
		Owner:            rec.From.Hex(),
		ChainID:          rec.ChainID,
		ID:               rec.ID,
		Kind:             string(rec.Kind),
		Status:           string(rec.Status),
		Hash:             optString(rec.Hash),
		OrderHash:        optString(rec.OrderHash),
		QueueStatus:      optString(string(rec.QueueStatus)),
		AddedAt:          rec.AddedTime,
		LastCheckedBlock: rec.LastCheckedBlockNumber,
	}

	var err error
	if row.Request, err = optJSON(rec.Request); err != nil {
		return TxRow{}, fmt.Errorf("encode request: %w", err)
	}
	if row.CancelRequest, err = optJSON(rec.CancelRequest); err != nil {
		return TxRow{}, fmt.Errorf("encode cancel request: %w", err)
	}
	if row.Receipt, err = optJSON(rec.Receipt); err != nil {
		return TxRow{}, fmt.Errorf("encode receipt: %w", err)
	}
	if row.NetworkFee, err = optJSON(rec.NetworkFee); err != nil {
		return TxRow{}, fmt.Errorf("encode network fee: %w", err)
	}
	return row, nil
}

func (r TxRow) Record() (ledger.TransactionRecord, error) {
	if !common.IsHexAddress(r.Owner) {
		return ledger.TransactionRecord{}, fmt.Errorf("row %s: invalid owner %q", r.ID, r.Owner)
	}
	rec := ledger.TransactionRecord{
		ChainID:                r.ChainID,
		ID:                     r.ID,
		From:                   common.HexToAddress(r.Owner),
		Kind:                   ledger.Kind(r.Kind),
		Status:                 ledger.Status(r.Status),
		AddedTime:              r.AddedAt,
		LastCheckedBlockNumber: r.LastCheckedBlock,
	}
	if r.Hash != nil {
		rec.Hash = *r.Hash
	}
	if r.OrderHash != nil {
		rec.OrderHash = *r.OrderHash
	}
	if r.QueueStatus != nil {
		rec.QueueStatus = ledger.QueueStatus(*r.QueueStatus)
	}

	if len(r.Request) > 0 {
		rec.Request = new(ledger.TxRequest)
		if err := json.Unmarshal(r.Request, rec.Request); err != nil {
			return ledger.TransactionRecord{}, fmt.Errorf("row %s: decode request: %w", r.ID, err)
		}
	}
	if len(r.CancelRequest) > 0 {
		rec.CancelRequest = new(ledger.TxRequest)
		if err := json.Unmarshal(r.CancelRequest, rec.CancelRequest); err != nil {
			return ledger.TransactionRecord{}, fmt.Errorf("row %s: decode cancel request: %w", r.ID, err)
		}
	}
	if len(r.Receipt) > 0 {
		rec.Receipt = new(ledger.Receipt)
		if err := json.Unmarshal(r.Receipt, rec.Receipt); err != nil {
			return ledger.TransactionRecord{}, fmt.Errorf("row %s: decode receipt: %w", r.ID, err)
		}
	}
	if len(r.NetworkFee) > 0 {
		rec.NetworkFee = new(ledger.NetworkFee)
		if err := json.Unmarshal(r.NetworkFee, rec.NetworkFee); err != nil {
			return ledger.TransactionRecord{}, fmt.Errorf("row %s: decode network fee: %w", r.ID, err)
		}
	}
	return rec, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
