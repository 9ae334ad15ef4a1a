package orderwatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvzzle/ordertrack/internal/bus"
	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/metrics"
	"github.com/pvzzle/ordertrack/internal/orderapi"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval      = 2 * time.Second
	DefaultSubmissionTimeout = 20 * time.Second
)

const (
	outcomeRemote           = "remote"
	outcomeSubmissionFailed = "submission_failed"
	outcomeDropped          = "dropped"
	outcomeSettled          = "settled"
)

type StatusClient interface {
	GetOrders(ctx context.Context, orderHashes []string) ([]orderapi.Order, error)
}

type Ledger interface {
	GetByOrderHash(orderHash string) (ledger.TransactionRecord, bool)
	ApplyOrderUpdate(orderHash string, fn func(cur ledger.TransactionRecord) (ledger.TransactionRecord, bool)) (ledger.TransactionRecord, bool, error)
	Subscribe() *bus.Subscription[ledger.Update]
}

type Config struct {
	PollInterval      time.Duration
	SubmissionTimeout time.Duration
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

// Watcher reconciles locally tracked orders against the remote status
// service and resolves the futures handed out by WaitForOrderStatus.
type Watcher struct {
	ledger Ledger
	client StatusClient
	cfg    Config

	mu       sync.Mutex
	order    []string
	registry map[string]*Future

	loopMu     sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	loopDone   chan struct{}
	running    atomic.Int32
}

func New(l Ledger, client StatusClient, cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SubmissionTimeout <= 0 {
		cfg.SubmissionTimeout = DefaultSubmissionTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Watcher{
		ledger:   l,
		client:   client,
		cfg:      cfg,
		registry: make(map[string]*Future),
	}
}

// Start launches a new poll loop and cancels the previous one, so at most
// one loop keeps polling no matter how often Start is called.
func (w *Watcher) Start(ctx context.Context) uint64 {
	w.loopMu.Lock()
	defer w.loopMu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	w.generation++
	gen := w.generation

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.loopDone = done
	w.cfg.Metrics.SetGeneration(gen)

	go w.run(loopCtx, gen, done)
	return gen
}

// Stop cancels the active loop and waits for it to return.
func (w *Watcher) Stop() {
	w.loopMu.Lock()
	cancel, done := w.cancel, w.loopDone
	w.cancel, w.loopDone = nil, nil
	w.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) Generation() uint64 {
	w.loopMu.Lock()
	defer w.loopMu.Unlock()
	return w.generation
}

func (w *Watcher) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	w.running.Add(1)
	defer w.running.Add(-1)

	logger := log.WithFields(log.Fields{"component": "orderwatch", "generation": gen})
	logger.Debug("poll loop started")

	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("poll loop stopped")
			return
		case <-timer.C:
		}

		if err := w.poll(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("order status poll failed")
		}
		timer.Reset(w.cfg.PollInterval)
	}
}

// Pending reports how many order hashes are awaiting resolution.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// WaitForOrderStatus returns a future for the final record of orderHash.
// Orders not yet submitted are first awaited on the ledger stream until they
// reach Submitted. Concurrent callers share one registration. An order the
// ledger already holds as settled gets a resolved future.
func (w *Watcher) WaitForOrderStatus(ctx context.Context, orderHash string, queueStatus ledger.QueueStatus) (*Future, error) {
	if queueStatus != ledger.QueueSubmitted {
		rec, err := w.awaitSubmitted(ctx, orderHash)
		if err != nil {
			return nil, err
		}
		if rec.QueueStatus == ledger.QueueSubmissionFailed {
			return resolvedFuture(rec), nil
		}
	}
	return w.register(orderHash), nil
}

func (w *Watcher) awaitSubmitted(ctx context.Context, orderHash string) (ledger.TransactionRecord, error) {
	// subscribe before reading the ledger so a concurrent submit is not lost
	sub := w.ledger.Subscribe()
	defer sub.Close()

	if rec, ok := w.ledger.GetByOrderHash(orderHash); ok && submissionSettled(rec.QueueStatus) {
		return rec, nil
	}

	for {
		u, err := sub.Next(ctx)
		if err != nil {
			return ledger.TransactionRecord{}, err
		}
		if u.Record == nil || u.Record.OrderHash != orderHash {
			continue
		}
		if submissionSettled(u.Record.QueueStatus) {
			return *u.Record, nil
		}
	}
}

func submissionSettled(q ledger.QueueStatus) bool {
	return q == ledger.QueueSubmitted || q == ledger.QueueSubmissionFailed
}

// settled reports whether polling can no longer change rec.
func settled(rec ledger.TransactionRecord) bool {
	return rec.Status.IsFinal() || rec.QueueStatus == ledger.QueueSubmissionFailed
}

func (w *Watcher) register(orderHash string) *Future {
	w.mu.Lock()
	f, ok := w.registry[orderHash]

	// read under w.mu: a reconcile commits to the ledger before it resolves
	if rec, found := w.ledger.GetByOrderHash(orderHash); found && settled(rec) {
		w.mu.Unlock()
		if ok {
			w.resolve(orderHash, rec, outcomeSettled)
			return f
		}
		return resolvedFuture(rec)
	}
	defer w.mu.Unlock()

	if ok {
		return f
	}
	f = newFuture()
	w.registry[orderHash] = f
	w.order = append(w.order, orderHash)
	w.cfg.Metrics.SetRegistrations(len(w.order))
	return f
}

func (w *Watcher) resolve(orderHash string, rec ledger.TransactionRecord, outcome string) {
	w.mu.Lock()
	f, ok := w.registry[orderHash]
	if ok {
		delete(w.registry, orderHash)
		for i, h := range w.order {
			if h == orderHash {
				w.order = append(w.order[:i], w.order[i+1:]...)
				break
			}
		}
	}
	w.cfg.Metrics.SetRegistrations(len(w.order))
	w.mu.Unlock()

	if ok && f.resolve(rec) {
		w.cfg.Metrics.Resolved(outcome)
	}
}

func (w *Watcher) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.order...)
}

// poll runs one reconciliation cycle over every registered order hash.
func (w *Watcher) poll(ctx context.Context) error {
	hashes := w.snapshot()
	if len(hashes) == 0 {
		return nil
	}

	started := time.Now()
	orders, err := w.client.GetOrders(ctx, hashes)
	w.cfg.Metrics.ObservePoll(started, err)
	if err != nil {
		return err
	}

	remote := make(map[string]orderapi.Order, len(orders))
	for _, o := range orders {
		remote[o.OrderID] = o
	}

	now := w.cfg.Now()
	for _, h := range hashes {
		o, found := remote[h]
		var match *orderapi.Order
		if found {
			match = &o
		}
		w.reconcile(h, match, now)
	}
	return nil
}

// reconcile decides and commits under the ledger lock, so a transition
// committed by someone else between polls is always seen.
func (w *Watcher) reconcile(orderHash string, remote *orderapi.Order, now time.Time) {
	logger := log.WithFields(log.Fields{"component": "orderwatch", "order_hash": orderHash})

	var outcome string
	rec, applied, err := w.ledger.ApplyOrderUpdate(orderHash, func(rec ledger.TransactionRecord) (ledger.TransactionRecord, bool) {
		outcome = ""
		if rec.QueueStatus == ledger.QueueSubmissionFailed {
			outcome = outcomeDropped
			return rec, false
		}
		if rec.Status.IsFinal() {
			outcome = outcomeSettled
			return rec, false
		}

		if remote == nil {
			if now.Sub(rec.AddedTime) <= w.cfg.SubmissionTimeout {
				return rec, false
			}
			rec.QueueStatus = ledger.QueueSubmissionFailed
			rec.Status = ledger.StatusFailed
			outcome = outcomeSubmissionFailed
			return rec, true
		}

		status := ToTransactionStatus(remote.OrderStatus)
		if status == rec.Status {
			return rec, false
		}
		// a stale non-final read must not clobber a cancellation in flight
		if !status.IsFinal() && rec.Status == ledger.StatusCancelling {
			return rec, false
		}

		rec.Status = status
		if remote.TxHash != "" {
			rec.Hash = remote.TxHash
		}
		outcome = outcomeRemote
		return rec, true
	})
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return
	}
	if err != nil {
		logger.WithError(err).Warn("apply order status")
		return
	}
	if outcome == "" {
		return
	}

	if applied {
		entry := logger.WithField("status", rec.Status)
		if outcome == outcomeSubmissionFailed {
			entry.Info("order unknown to remote service past grace period, marking submission failed")
		} else {
			entry.Debug("order status reconciled")
		}
	}
	w.resolve(orderHash, rec, outcome)
}
