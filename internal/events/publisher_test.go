package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func (w *fakeWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

var owner = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func order(id, hash string) ledger.TransactionRecord {
	return ledger.TransactionRecord{
		ChainID:     1,
		ID:          id,
		From:        owner,
		Kind:        ledger.KindOrder,
		Status:      ledger.StatusPending,
		OrderHash:   hash,
		QueueStatus: ledger.QueueSubmitted,
		AddedTime:   time.Unix(1700000000, 0),
	}
}

func runPublisher(t *testing.T, p *Publisher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestPublisher_PublishesResolvedAndFinalized(t *testing.T) {
	w := &fakeWriter{}
	l := ledger.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := NewPublisher(w, l, m)
	p.now = func() time.Time { return time.Unix(1700000100, 0) }
	stop := runPublisher(t, p)

	rec := order("o1", "0xorder1")
	require.NoError(t, l.AddTransaction(rec))
	require.NoError(t, l.UpdateTransaction(rec))

	rec.Status = ledger.StatusSuccess
	rec.Hash = "0xfill"
	require.NoError(t, l.UpdateTransactionWithoutWatch(rec))

	rec.NetworkFee = &ledger.NetworkFee{Quantity: "2100", TokenSymbol: "ETH", ChainID: 1}
	rec.Receipt = &ledger.Receipt{BlockNumber: 77}
	require.NoError(t, l.FinalizeTransaction(rec))

	require.Eventually(t, func() bool { return len(w.messages()) == 2 }, time.Second, 5*time.Millisecond)
	stop()
	require.True(t, w.isClosed())

	msgs := w.messages()
	require.Equal(t, "0xorder1", string(msgs[0].Key))

	var first, second OrderEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &first))
	require.NoError(t, json.Unmarshal(msgs[1].Value, &second))

	require.Equal(t, "updated", first.Op)
	require.Equal(t, "confirmed", first.Status)
	require.Equal(t, "0xfill", first.Hash)
	require.Empty(t, first.NetworkFee)

	require.Equal(t, "finalized", second.Op)
	require.Equal(t, "2100", second.NetworkFee)
	require.Equal(t, uint64(77), second.BlockNumber)
	require.Equal(t, owner.Hex(), second.From)

	require.Equal(t, 2.0, testutil.ToFloat64(m.EventsPublished))
}

func TestPublisher_SkipsClassicWatcherlessUpdates(t *testing.T) {
	w := &fakeWriter{}
	l := ledger.New()
	stop := runPublisher(t, NewPublisher(w, l, nil))

	rec := order("c1", "")
	rec.Kind = ledger.KindClassic
	require.NoError(t, l.AddTransaction(rec))
	require.NoError(t, l.UpdateTransactionWithoutWatch(rec))

	rec.Status = ledger.StatusFailed
	require.NoError(t, l.FinalizeTransaction(rec))

	require.Eventually(t, func() bool { return len(w.messages()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	msgs := w.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "c1", string(msgs[0].Key))
}

func TestPublisher_WriteErrorCounted(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	l := ledger.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	stop := runPublisher(t, NewPublisher(w, l, m))
	defer stop()

	rec := order("o1", "0xorder1")
	require.NoError(t, l.AddTransaction(rec))
	rec.Status = ledger.StatusExpired
	require.NoError(t, l.FinalizeTransaction(rec))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EventErrors) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNewKafkaWriter_Validates(t *testing.T) {
	_, err := NewKafkaWriter(nil, "t")
	require.Error(t, err)
	_, err = NewKafkaWriter([]string{"localhost:9092"}, "")
	require.Error(t, err)

	w, err := NewKafkaWriter([]string{"localhost:9092"}, "order-updates")
	require.NoError(t, err)
	require.Equal(t, "order-updates", w.Topic)
}
