package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"examguard/internal/config"
	"examguard/internal/model"
)

// StartKafka consumes frame messages from the configured topic. Offsets are
// committed only after a frame is queued; a frame replayed after a crash is
// dropped by the engine's redelivery check.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Frame, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 20e6,
	})
	go func() {
		defer reader.Close()
		consume(ctx, reader, out, logger)
	}()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func consume(ctx context.Context, reader messageReader, out chan<- model.Frame, logger *slog.Logger) {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		f, err := DecodeFrame(m.Value, "kafka")
		if err != nil {
			if logger != nil {
				logger.Warn("kafka frame rejected", "partition", m.Partition, "offset", m.Offset, "err", err)
			}
		} else if !Send(ctx, out, f) {
			return
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && logger != nil {
			logger.Warn("kafka commit error", "offset", m.Offset, "err", err)
		}
	}
}
