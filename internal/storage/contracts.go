package storage

import (
	"context"

	"github.com/pvzzle/ordertrack/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

type Repository interface {
	EnsureSchema(ctx context.Context) error

	UpsertTx(ctx context.Context, rec ledger.TransactionRecord) error
	DeleteTx(ctx context.Context, key ledger.Key) error
	DeleteScope(ctx context.Context, from common.Address, chainID uint64) error
	DeleteAll(ctx context.Context) error

	ListAll(ctx context.Context) ([]ledger.TransactionRecord, error)
	ListByOwner(ctx context.Context, from common.Address, limit int) ([]ledger.TransactionRecord, error)
}
