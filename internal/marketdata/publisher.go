// Package marketdata bridges order book change notifications to a Kafka
// topic for downstream consumers.
package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/depthbook/internal/book"
)

// envelope is the wire form of one published change.
type envelope struct {
	ID           string       `json:"id"`
	Pair         string       `json:"pair"`
	ExchangeName string       `json:"exchange_name"`
	Quotes       book.Quotes  `json:"quotes"`
	FromSnapshot bool         `json:"from_snapshot"`
	Ladder       *book.Ladder `json:"ladder,omitempty"`
	PublishedAt  time.Time    `json:"published_at"`
}

// Publisher forwards a book's any-change stream to Kafka. Publish failures
// are logged and absorbed; the feed pipeline never blocks on the broker.
type Publisher struct {
	logger *zap.Logger
	writer *kafka.Writer
	unsubs []func()
}

// NewPublisher creates a publisher writing to the topic on the brokers.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		logger: logger,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Attach subscribes the publisher to the book's any-change stream. Multiple
// books may share one publisher; messages are keyed by pair.
func (p *Publisher) Attach(b *book.Book) {
	unsub := b.AnyChangeStream().Subscribe(func(ch *book.Change) {
		p.publish(ch)
	})
	p.unsubs = append(p.unsubs, unsub)
}

func (p *Publisher) publish(ch *book.Change) {
	env := envelope{
		ID:           uuid.New().String(),
		Pair:         ch.Pair,
		ExchangeName: ch.ExchangeName,
		Quotes:       ch.Quotes,
		FromSnapshot: ch.FromSnapshot,
		Ladder:       ch.Ladder,
		PublishedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("marketdata: marshal change", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ch.Pair),
		Value: data,
	}); err != nil {
		p.logger.Error("marketdata: publish change",
			zap.String("pair", ch.Pair), zap.Error(err))
	}
}

// Close detaches from all books and closes the writer.
func (p *Publisher) Close() error {
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
	return p.writer.Close()
}
