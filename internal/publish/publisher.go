package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/xtrntr/marketsim/internal/exchange"
	"github.com/xtrntr/marketsim/internal/models"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer the publisher uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher streams settled ledger entries to Kafka, one message per entry
// keyed by instrument. It is an exchange.Listener; Settled never blocks the
// engine and drops batches when the buffer is full.
type Publisher struct {
	writer  MessageWriter
	batches chan []models.LedgerEntry
	logger  *zap.Logger
}

var _ exchange.Listener = (*Publisher)(nil)

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewPublisher(w MessageWriter, buffer int, logger *zap.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		writer:  w,
		batches: make(chan []models.LedgerEntry, buffer),
		logger:  logger.Named("publish"),
	}
}

func (p *Publisher) OffersChanged([]models.Offer) {}

func (p *Publisher) Settled(entries []models.LedgerEntry) {
	select {
	case p.batches <- entries:
	default:
		p.logger.Warn("publish buffer full, dropping settlement batch", zap.Int("entries", len(entries)))
	}
}

// Run writes queued batches until ctx is done, then closes the writer
func (p *Publisher) Run(ctx context.Context) {
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.logger.Warn("close kafka writer", zap.Error(err))
		}
	}()
	for {
		select {
		case batch := <-p.batches:
			if err := p.send(ctx, batch); err != nil {
				p.logger.Error("publish settlements failed", zap.Int("entries", len(batch)), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, batch []models.LedgerEntry) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Instrument),
			Value: value,
			Time:  e.SettledAt,
		})
	}
	return p.writer.WriteMessages(ctx, msgs...)
}
