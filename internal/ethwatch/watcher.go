package ethwatch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/pvzzle/ordertrack/internal/gasfee"
	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"
)

type ChainReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Ledger interface {
	All() []ledger.TransactionRecord
	CheckedTransaction(key ledger.Key, blockNumber uint64)
	FinalizeTransaction(rec ledger.TransactionRecord) error
}

type WatcherConfig struct {
	ChainID      uint64
	Workers      int
	TasksBuffer  int
	PollInterval time.Duration
	NativeSymbol string
	Metrics      *metrics.Metrics
}

type receiptTask struct {
	rec  ledger.TransactionRecord
	head uint64
}

// Watcher settles classic transactions from their on-chain receipts. Each
// new head queues every in-flight record of the chain that has not been
// checked at that height; workers fetch receipts and either finalize the
// record or note the block they checked.
type Watcher struct {
	client ChainReader
	ledger Ledger
	cfg    WatcherConfig

	tasks chan receiptTask
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[ledger.Key]struct{}
	lastHead uint64
}

func NewWatcher(client ChainReader, l Ledger, cfg WatcherConfig) *Watcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.TasksBuffer <= 0 {
		cfg.TasksBuffer = 1024
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}

	return &Watcher{
		client:   client,
		ledger:   l,
		cfg:      cfg,
		tasks:    make(chan receiptTask, cfg.TasksBuffer),
		inflight: make(map[ledger.Key]struct{}),
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	w.startWorkers(ctx)
	defer w.stopWorkers()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.scan(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scan queues receipt checks for a new head. It only fails when ctx is done.
func (w *Watcher) scan(ctx context.Context) error {
	head, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).WithField("component", "ethwatch").Warn("head fetch")
		return nil
	}

	n := head.Number.Uint64()
	if n <= w.lastHead {
		return nil
	}
	w.lastHead = n

	for _, rec := range w.ledger.All() {
		if !w.tracked(rec, n) || !w.claim(rec.Key()) {
			continue
		}
		select {
		case w.tasks <- receiptTask{rec: rec, head: n}:
		case <-ctx.Done():
			w.release(rec.Key())
			return ctx.Err()
		}
	}
	return nil
}

func (w *Watcher) tracked(rec ledger.TransactionRecord, head uint64) bool {
	if rec.ChainID != w.cfg.ChainID || rec.Kind != ledger.KindClassic || rec.Hash == "" {
		return false
	}
	switch rec.Status {
	case ledger.StatusPending, ledger.StatusCancelling, ledger.StatusReplacing:
	default:
		return false
	}
	return rec.LastCheckedBlockNumber < head
}

func (w *Watcher) claim(key ledger.Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[key]; ok {
		return false
	}
	w.inflight[key] = struct{}{}
	return true
}

func (w *Watcher) release(key ledger.Key) {
	w.mu.Lock()
	delete(w.inflight, key)
	w.mu.Unlock()
}

func (w *Watcher) startWorkers(ctx context.Context) {
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()

			for {
				select {
				case <-ctx.Done():
					return

				case task, ok := <-w.tasks:
					if !ok {
						return
					}
					w.handleTask(ctx, task)
					w.release(task.rec.Key())
				}
			}
		}()
	}
}

func (w *Watcher) stopWorkers() {
	close(w.tasks)
	w.wg.Wait()
}

func (w *Watcher) handleTask(ctx context.Context, task receiptTask) {
	rec := task.rec
	logger := log.WithFields(log.Fields{"component": "ethwatch", "id": rec.ID, "hash": rec.Hash})

	r, err := w.client.TransactionReceipt(ctx, common.HexToHash(rec.Hash))
	if errors.Is(err, ethereum.NotFound) {
		w.ledger.CheckedTransaction(rec.Key(), task.head)
		w.cfg.Metrics.ChainChecked("pending")
		return
	}
	if err != nil {
		logger.WithError(err).Warn("receipt fetch")
		w.cfg.Metrics.ChainChecked("error")
		return
	}

	var confirmed time.Time
	if r.BlockNumber != nil {
		if h, err := w.client.HeaderByNumber(ctx, r.BlockNumber); err == nil {
			confirmed = time.Unix(int64(h.Time), 0).UTC()
		}
	}

	rec.Status = FinalStatus(rec, r.Status)
	rec.Receipt = ToLedgerReceipt(r, confirmed)
	rec.NetworkFee = NetworkFeeOf(r, w.cfg.NativeSymbol, rec.ChainID)

	if err := w.ledger.FinalizeTransaction(rec); err != nil {
		logger.WithError(err).Warn("finalize from receipt")
		w.cfg.Metrics.ChainChecked("error")
		return
	}
	w.cfg.Metrics.ChainChecked("finalized")

	entry := logger.WithField("status", rec.Status)
	if rec.NetworkFee != nil {
		fee, _ := new(big.Int).SetString(rec.NetworkFee.Quantity, 10)
		entry = entry.WithField("fee_eth", gasfee.WeiToEthString(fee))
	}
	entry.Info("transaction settled on chain")
}
