package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"fieldops/internal/config"
)

// StartBacklogConsumer keeps the backlog in sync with the routine topic until
// ctx is cancelled. Each message value is one routine JSON object.
func StartBacklogConsumer(ctx context.Context, cfg config.KafkaConfig, backlog *Backlog, logger *slog.Logger) {
	if !cfg.Enabled || cfg.BacklogTopic == "" {
		if logger != nil {
			logger.Info("kafka backlog consumer disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka backlog consumer enabled", "brokers", cfg.Brokers, "topic", cfg.BacklogTopic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.BacklogTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		failures := 0
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				delay := backoffDelay(failures)
				if logger != nil {
					logger.Warn("kafka read error", "err", err, "retry_in", delay)
				}
				if !sleepCtx(ctx, delay) {
					return
				}
				continue
			}
			failures = 0
			var obj map[string]any
			if err := json.Unmarshal(m.Value, &obj); err != nil {
				if logger != nil {
					logger.Warn("kafka routine decode error", "err", err, "offset", m.Offset)
				}
				continue
			}
			if err := backlog.Apply(obj); err != nil && logger != nil {
				logger.Warn("kafka routine rejected", "err", err, "offset", m.Offset)
			}
		}
	}()
}
