// Package worker consumes crowd reports published on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/menza-app/menza/internal/domain"
	"github.com/menza-app/menza/internal/service"
)

// Submitter accepts crowd reports. *service.Service implements it.
type Submitter interface {
	SubmitReport(ctx context.Context, req service.SubmitRequest) (*service.SubmitResponse, error)
}

// Worker feeds report submissions from the EventBus into the crowd service.
type Worker struct {
	bus       domain.EventBus
	submitter Submitter

	processed atomic.Int64
	rejected  atomic.Int64

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Topics to consume. Defaults to domain.TopicReportSubmitted.
	Topics []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, submitter Submitter) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		submitter: submitter,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the configured topics.
func (w *Worker) Start(cfg Config) error {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{domain.TopicReportSubmitted}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, topic := range topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)

		slog.Info("report worker started", "topic", topic)
	}
	return nil
}

// handleMessage decodes a submission and hands it to the service. Rejected
// reports are logged and counted; they are not retried.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var sub domain.ReportSubmission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		w.rejected.Add(1)
		slog.Error("failed to parse report submission",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	req := service.SubmitRequest{
		RestaurantID: sub.RestaurantID,
		UserID:       sub.UserID,
		Level:        string(sub.Level),
	}
	if sub.At > 0 {
		req.At = time.UnixMilli(sub.At).UTC()
	}

	resp, err := w.submitter.SubmitReport(ctx, req)
	if err != nil {
		w.rejected.Add(1)
		level := slog.LevelWarn
		if !isClientError(err) {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "report submission rejected",
			"message_id", msg.ID,
			"restaurant_id", sub.RestaurantID,
			"user_id", sub.UserID,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	slog.Debug("report submission processed",
		"message_id", msg.ID,
		"restaurant_id", sub.RestaurantID,
		"effective_level", resp.View.Level,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func isClientError(err error) bool {
	return errors.Is(err, domain.ErrInvalidLevel) ||
		errors.Is(err, service.ErrUnknownRestaurant) ||
		errors.Is(err, service.ErrMissingUser) ||
		errors.Is(err, service.ErrThrottled) ||
		errors.Is(err, service.ErrInvalidTimestamp)
}

// Stop gracefully stops all subscriptions.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("report workers stopped",
		"processed", w.processed.Load(),
		"rejected", w.rejected.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Rejected          int64    `json:"rejected"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Rejected:          w.rejected.Load(),
	}
}
