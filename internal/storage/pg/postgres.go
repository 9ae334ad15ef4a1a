package pg

import (
	"context"
	"time"

	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/storage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (r *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS ledger_transactions (
  owner    TEXT   NOT NULL,
  chain_id BIGINT NOT NULL,
  id       TEXT   NOT NULL,

  kind   TEXT NOT NULL,
  status TEXT NOT NULL,

  hash         TEXT NULL,
  order_hash   TEXT NULL,
  queue_status TEXT NULL,

  request        JSONB NULL,
  cancel_request JSONB NULL,
  receipt        JSONB NULL,
  network_fee    JSONB NULL,

  added_at           TIMESTAMPTZ NOT NULL,
  last_checked_block BIGINT NOT NULL DEFAULT 0,
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (owner, chain_id, id)
);

CREATE INDEX IF NOT EXISTS ledger_transactions_owner_added_idx ON ledger_transactions(owner, added_at DESC);
CREATE INDEX IF NOT EXISTS ledger_transactions_order_hash_idx ON ledger_transactions(order_hash) WHERE order_hash IS NOT NULL;
`
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

func (r *Postgres) UpsertTx(ctx context.Context, rec ledger.TransactionRecord) error {
	row, err := storage.RowFromRecord(rec)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	q := `
INSERT INTO ledger_transactions(
  owner, chain_id, id, kind, status,
  hash, order_hash, queue_status,
  request, cancel_request, receipt, network_fee,
  added_at, last_checked_block
) VALUES (
  $1, $2, $3, $4, $5,
  $6, $7, $8,
  $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb,
  $13, $14
)
ON CONFLICT(owner, chain_id, id) DO UPDATE SET
  kind               = EXCLUDED.kind,
  status             = EXCLUDED.status,
  hash               = EXCLUDED.hash,
  order_hash         = EXCLUDED.order_hash,
  queue_status       = EXCLUDED.queue_status,
  request            = EXCLUDED.request,
  cancel_request     = EXCLUDED.cancel_request,
  receipt            = EXCLUDED.receipt,
  network_fee        = EXCLUDED.network_fee,
  added_at           = EXCLUDED.added_at,
  last_checked_block = EXCLUDED.last_checked_block,
  updated_at         = now()
`
	_, err = r.pool.Exec(cctx, q,
		row.Owner, int64(row.ChainID), row.ID, row.Kind, row.Status,
		row.Hash, row.OrderHash, row.QueueStatus,
		jsonArg(row.Request), jsonArg(row.CancelRequest), jsonArg(row.Receipt), jsonArg(row.NetworkFee),
		row.AddedAt, int64(row.LastCheckedBlock),
	)
	return err
}

func (r *Postgres) DeleteTx(ctx context.Context, key ledger.Key) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := r.pool.Exec(cctx,
		`DELETE FROM ledger_transactions WHERE owner = $1 AND chain_id = $2 AND id = $3`,
		key.From.Hex(), int64(key.ChainID), key.ID,
	)
	return err
}

func (r *Postgres) DeleteScope(ctx context.Context, from common.Address, chainID uint64) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := r.pool.Exec(cctx,
		`DELETE FROM ledger_transactions WHERE owner = $1 AND chain_id = $2`,
		from.Hex(), int64(chainID),
	)
	return err
}

func (r *Postgres) DeleteAll(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.pool.Exec(cctx, `DELETE FROM ledger_transactions`)
	return err
}

const selectColumns = `
SELECT
  owner, chain_id, id, kind, status,
  hash, order_hash, queue_status,
  request, cancel_request, receipt, network_fee,
  added_at, last_checked_block
FROM ledger_transactions
`

func (r *Postgres) ListAll(ctx context.Context) ([]ledger.TransactionRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.pool.Query(cctx, selectColumns+`ORDER BY added_at`)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (r *Postgres) ListByOwner(ctx context.Context, from common.Address, limit int) ([]ledger.TransactionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.pool.Query(cctx,
		selectColumns+`WHERE owner = $1 ORDER BY added_at DESC LIMIT $2`,
		from.Hex(), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]ledger.TransactionRecord, error) {
	defer rows.Close()

	var out []ledger.TransactionRecord
	for rows.Next() {
		var (
			row       storage.TxRow
			chainID   int64
			lastBlock int64
		)
		if err := rows.Scan(
			&row.Owner, &chainID, &row.ID, &row.Kind, &row.Status,
			&row.Hash, &row.OrderHash, &row.QueueStatus,
			&row.Request, &row.CancelRequest, &row.Receipt, &row.NetworkFee,
			&row.AddedAt, &lastBlock,
		); err != nil {
			return nil, err
		}
		row.ChainID = uint64(chainID)
		row.LastCheckedBlock = uint64(lastBlock)

		rec, err := row.Record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return out, nil
}

// jsonArg maps an absent document to SQL NULL.
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
