package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryProducer keeps published messages in order. It backs
// --queue-driver memory and tests.
type MemoryProducer struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
}

func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{}
}

func (p *MemoryProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.msgs = append(p.msgs, Message{
		Topic:     topic,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Messages returns a copy of everything published so far.
func (p *MemoryProducer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

func (p *MemoryProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
