package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pvzzle/ordertrack/internal/bus"
	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/metrics"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderEvent is the payload published for resolved and finalized records.
type OrderEvent struct {
	Op          string    `json:"op"`
	ChainID     uint64    `json:"chainId"`
	ID          string    `json:"id"`
	From        string    `json:"from"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	QueueStatus string    `json:"queueStatus,omitempty"`
	Hash        string    `json:"hash,omitempty"`
	OrderHash   string    `json:"orderHash,omitempty"`
	NetworkFee  string    `json:"networkFee,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	EmittedAt   time.Time `json:"emittedAt"`
}

func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic must not be empty")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}, nil
}

type Publisher struct {
	writer  MessageWriter
	sub     *bus.Subscription[ledger.Update]
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewPublisher(w MessageWriter, l *ledger.Ledger, m *metrics.Metrics) *Publisher {
	return &Publisher{writer: w, sub: l.Subscribe(), metrics: m, now: time.Now}
}

// Run forwards matching ledger updates until ctx is done, then closes the writer.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.sub.Close()
	defer func() {
		if err := p.writer.Close(); err != nil {
			log.WithError(err).Warn("close kafka writer")
		}
	}()

	for {
		u, err := p.sub.Next(ctx)
		if err != nil {
			return err
		}
		if !shouldPublish(u) {
			continue
		}

		err = p.publish(ctx, u)
		p.metrics.EventPublished(err)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"component": "events",
				"op":        u.Op,
				"id":        u.Key.ID,
			}).Warn("publish order event")
		}
	}
}

func shouldPublish(u ledger.Update) bool {
	if u.Record == nil {
		return false
	}
	switch {
	case u.Op == ledger.OpFinalized:
		return true
	case u.Op == ledger.OpUpdated && !u.Watch:
		return u.Record.IsOrder()
	}
	return false
}

func (p *Publisher) publish(ctx context.Context, u ledger.Update) error {
	ev := eventFromUpdate(u, p.now())
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	key := ev.OrderHash
	if key == "" {
		key = ev.ID
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return p.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "op", Value: []byte(u.Op)},
		},
	})
}

func eventFromUpdate(u ledger.Update, now time.Time) OrderEvent {
	rec := u.Record
	ev := OrderEvent{
		Op:          string(u.Op),
		ChainID:     rec.ChainID,
		ID:          rec.ID,
		From:        rec.From.Hex(),
		Kind:        string(rec.Kind),
		Status:      string(rec.Status),
		QueueStatus: string(rec.QueueStatus),
		Hash:        rec.Hash,
		OrderHash:   rec.OrderHash,
		EmittedAt:   now.UTC(),
	}
	if rec.NetworkFee != nil {
		ev.NetworkFee = rec.NetworkFee.Quantity
	}
	if rec.Receipt != nil {
		ev.BlockNumber = rec.Receipt.BlockNumber
	}
	return ev
}
