package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup, when set, load-balances each subject across
	// subscribers in the same group.
	NATSQueueGroup string
}

// Standard topic names for the crowd pipeline.
const (
	TopicReportSubmitted = "menza.crowd.report.submitted"
	TopicReportAccepted  = "menza.crowd.report.accepted"
	TopicSpike           = "menza.crowd.spike"
)

// ReportSubmission is the payload of TopicReportSubmitted.
type ReportSubmission struct {
	RestaurantID string     `json:"restaurantId"`
	UserID       string     `json:"userId"`
	Level        CrowdLevel `json:"level"`
	At           int64      `json:"at,omitempty"` // epoch ms, optional
}

// ReportAccepted is the payload of TopicReportAccepted.
type ReportAccepted struct {
	RestaurantID string       `json:"restaurantId"`
	UserID       string       `json:"userId,omitempty"`
	Report       ReportRecord `json:"report"`
	Level        CrowdLevel   `json:"effectiveLevel"`
	Score        float64      `json:"score"`
}

// SpikeEvent is the payload of TopicSpike.
type SpikeEvent struct {
	RestaurantID string   `json:"restaurantId"`
	AnomalyUntil int64    `json:"anomalyUntil"` // epoch ms
	Window5m     int      `json:"window5m"`
	PrevScore    float64  `json:"prevScore"`
	NextScore    float64  `json:"nextScore"`
	Reasons      []string `json:"reasons"`
}
