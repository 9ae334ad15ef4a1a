package orderwatch

import (
	"context"
	"sync"

	"github.com/pvzzle/ordertrack/internal/ledger"
)

// Future resolves exactly once with the reconciled order record. It is
// shared by every caller awaiting the same order hash.
type Future struct {
	once sync.Once
	done chan struct{}
	rec  ledger.TransactionRecord
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(rec ledger.TransactionRecord) *Future {
	f := newFuture()
	f.resolve(rec)
	return f
}

func (f *Future) resolve(rec ledger.TransactionRecord) bool {
	resolved := false
	f.once.Do(func() {
		f.rec = rec
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Record returns the result if the future has resolved.
func (f *Future) Record() (ledger.TransactionRecord, bool) {
	select {
	case <-f.done:
		return f.rec.Clone(), true
	default:
		return ledger.TransactionRecord{}, false
	}
}

func (f *Future) Wait(ctx context.Context) (ledger.TransactionRecord, error) {
	select {
	case <-f.done:
		return f.rec.Clone(), nil
	case <-ctx.Done():
		return ledger.TransactionRecord{}, ctx.Err()
	}
}
