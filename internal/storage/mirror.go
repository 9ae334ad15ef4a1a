package storage

import (
	"context"
	"fmt"

	"github.com/pvzzle/ordertrack/internal/bus"
	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/metrics"

	log "github.com/sirupsen/logrus"
)

// Mirror replays ledger updates into a Repository. Failed writes are logged
// and skipped; the in-memory ledger stays authoritative.
type Mirror struct {
	repo    Repository
	sub     *bus.Subscription[ledger.Update]
	metrics *metrics.Metrics
}

// NewMirror subscribes immediately so no update committed after the call is missed.
func NewMirror(repo Repository, l *ledger.Ledger, m *metrics.Metrics) *Mirror {
	return &Mirror{repo: repo, sub: l.Subscribe(), metrics: m}
}

func (m *Mirror) Run(ctx context.Context) error {
	defer m.sub.Close()

	for {
		u, err := m.sub.Next(ctx)
		if err != nil {
			return err
		}
		m.metrics.LedgerUpdate(string(u.Op))

		if err := m.apply(ctx, u); err != nil {
			m.metrics.MirrorFailed()
			log.WithError(err).WithFields(log.Fields{
				"component": "mirror",
				"op":        u.Op,
				"id":        u.Key.ID,
			}).Warn("mirror ledger update")
		}
	}
}

func (m *Mirror) apply(ctx context.Context, u ledger.Update) error {
	switch u.Op {
	case ledger.OpDeleted:
		return m.repo.DeleteTx(ctx, u.Key)
	case ledger.OpCleared:
		return m.repo.DeleteScope(ctx, u.Key.From, u.Key.ChainID)
	case ledger.OpReset:
		return m.repo.DeleteAll(ctx)
	}
	if u.Record == nil {
		return fmt.Errorf("update %s without record", u.Op)
	}
	return m.repo.UpsertTx(ctx, *u.Record)
}

// Load hydrates an empty ledger with every persisted record.
func Load(ctx context.Context, repo Repository, l *ledger.Ledger) (int, error) {
	recs, err := repo.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persisted transactions: %w", err)
	}
	if err := l.Hydrate(recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}
