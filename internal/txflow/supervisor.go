package txflow

import (
	"context"
	"errors"
	"sync"

	"github.com/pvzzle/ordertrack/internal/bus"
	"github.com/pvzzle/ordertrack/internal/ledger"

	log "github.com/sirupsen/logrus"
)

type OrderFinalizer interface {
	WatchOrder(ctx context.Context, key ledger.Key) (ledger.TransactionRecord, error)
}

// Supervisor starts one WatchOrder per pending order, both for orders
// already in the ledger and for orders added or updated later. A watch that
// ends on a non-final status is started again.
type Supervisor struct {
	ledger    *ledger.Ledger
	finalizer OrderFinalizer
	sub       *bus.Subscription[ledger.Update]

	mu     sync.Mutex
	active map[ledger.Key]struct{}
	wg     sync.WaitGroup
}

func NewSupervisor(l *ledger.Ledger, f OrderFinalizer) *Supervisor {
	return &Supervisor{
		ledger:    l,
		finalizer: f,
		sub:       l.Subscribe(),
		active:    make(map[ledger.Key]struct{}),
	}
}

func (s *Supervisor) Run(ctx context.Context) error {
	defer s.wg.Wait()
	defer s.sub.Close()

	for _, rec := range s.ledger.All() {
		if watchable(rec) {
			s.start(ctx, rec.Key())
		}
	}

	for {
		u, err := s.sub.Next(ctx)
		if err != nil {
			return err
		}
		if !u.Watch || u.Record == nil {
			continue
		}
		if u.Op != ledger.OpAdded && u.Op != ledger.OpUpdated {
			continue
		}
		if watchable(*u.Record) {
			s.start(ctx, u.Key)
		}
	}
}

// Active reports how many watches are in flight.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func watchable(rec ledger.TransactionRecord) bool {
	return rec.IsOrder() && rec.OrderHash != "" && !rec.Status.IsFinal()
}

func (s *Supervisor) start(ctx context.Context, key ledger.Key) {
	s.mu.Lock()
	if _, ok := s.active[key]; ok {
		s.mu.Unlock()
		return
	}
	s.active[key] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, key)
			s.mu.Unlock()
		}()

		entry := log.WithFields(log.Fields{"component": "supervisor", "id": key.ID})
		for {
			rec, err := s.finalizer.WatchOrder(ctx, key)
			switch {
			case err == nil && watchable(rec):
				// the remote service can still move a non-final order
				entry.WithField("status", rec.Status).Debug("order not final, watching again")
				continue
			case err == nil:
				entry.WithField("status", rec.Status).Debug("watch done")
			case errors.Is(err, context.Canceled):
			default:
				entry.WithError(err).Warn("watch order")
			}
			return
		}
	}()
}
