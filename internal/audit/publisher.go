package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/weichain/galactic-bridge-icp/internal/queue"
)

var ErrInvalidConfig = errors.New("audit: invalid config")

// Sink accepts audit events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Discard drops every event.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) error { return nil }

type PublisherConfig struct {
	Topic string
	Now   func() time.Time
}

// Publisher encodes events and hands them to a queue producer.
type Publisher struct {
	producer queue.Producer
	topic    string
	now      func() time.Time
}

func NewPublisher(producer queue.Producer, cfg PublisherConfig) (*Publisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Publisher{producer: producer, topic: topic, now: now}, nil
}

func (p *Publisher) Emit(ctx context.Context, e Event) error {
	e.Version = Version
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now().UTC()
	}
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(ctx, p.topic, []byte(e.PartitionKey()), payload); err != nil {
		return fmt.Errorf("audit: publish %s: %w", e.Type, err)
	}
	return nil
}

// Emit sends e to sink and logs a failure instead of returning it. Audit
// delivery never blocks the state transition it describes.
func Emit(ctx context.Context, sink Sink, log *slog.Logger, e Event) {
	if sink == nil {
		return
	}
	if err := sink.Emit(ctx, e); err != nil {
		if log == nil {
			log = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		log.Warn("audit emit failed", "type", string(e.Type), "err", err)
	}
}
