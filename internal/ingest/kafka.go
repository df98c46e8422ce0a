package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/domain"
)

// Handler processes one decoded signal and returns the pipeline's verdict;
// satisfied by *dispatcher.Dispatcher.Submit.
type Handler func(sig domain.Signal) (domain.ResponseEnvelope, error)

// KafkaConsumerConfig configures the reader, mirroring spec.md §6.2's
// bus-sourced ingestion path.
type KafkaConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaConsumer reads signal envelopes off a topic and hands each to
// Handler, acknowledging only after the pipeline has returned a verdict —
// a crash mid-processing redelivers the message rather than silently
// dropping a signal.
type KafkaConsumer struct {
	reader  *kafka.Reader
	handler Handler
	logger  *zap.Logger
}

func NewKafkaConsumer(cfg KafkaConsumerConfig, handler Handler, logger *zap.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader, handler: handler, logger: logger.Named("ingest.kafka")}
}

// Run blocks, consuming until ctx is cancelled. Malformed envelopes are
// logged and committed (never redelivered, since they will never parse);
// processing errors from the handler are logged but the message is still
// committed, since the pipeline itself is responsible for its own audit
// trail and retry semantics per spec.md §7.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("kafka fetch failed", zap.Error(err))
			continue
		}

		sig, err := DecodeSignalEnvelope(msg.Value, time.Now())
		if err != nil {
			c.logger.Warn("dropping malformed signal envelope", zap.Error(err), zap.Int64("offset", msg.Offset))
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		envelope, err := c.handler(sig)
		if err != nil {
			c.logger.Error("dispatcher submit failed", zap.Error(err), zap.String("strategy_id", sig.StrategyID))
		} else {
			c.logger.Debug("signal processed",
				zap.String("strategy_id", sig.StrategyID),
				zap.String("symbol", sig.Symbol),
				zap.String("status", string(envelope.Status)))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn("kafka commit failed", zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
