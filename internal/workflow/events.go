package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/model"
)

// DefaultEventBuffer is the default per-subscriber event buffer.
const DefaultEventBuffer = 64

// Publisher receives committed workflow changes.
type Publisher interface {
	Publish(ctx context.Context, evt model.WorkflowEvent) error
}

// Subscriber streams committed changes of one workflow. The returned channel
// is closed when ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, workflowID string) (<-chan model.WorkflowEvent, error)
}

// Broker is both ends of the change feed.
type Broker interface {
	Publisher
	Subscriber
}

// MemoryBroker fans events out to in-process subscribers. Slow subscribers
// lose events rather than block publishers.
type MemoryBroker struct {
	mu         sync.Mutex
	subs       map[string]map[uint64]chan model.WorkflowEvent // workflowID → subscriber ID → channel
	nextID     uint64
	bufferSize int

	totalPublished atomic.Int64
	totalDropped   atomic.Int64
}

// NewMemoryBroker creates an in-process broker. A bufferSize <= 0 uses
// DefaultEventBuffer.
func NewMemoryBroker(bufferSize int) *MemoryBroker {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBuffer
	}
	return &MemoryBroker{
		subs:       make(map[string]map[uint64]chan model.WorkflowEvent),
		bufferSize: bufferSize,
	}
}

// Publish delivers evt to every subscriber of its workflow.
func (b *MemoryBroker) Publish(_ context.Context, evt model.WorkflowEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[evt.WorkflowID] {
		select {
		case ch <- evt:
			b.totalPublished.Add(1)
		default:
			b.totalDropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber for workflowID until ctx is done.
func (b *MemoryBroker) Subscribe(ctx context.Context, workflowID string) (<-chan model.WorkflowEvent, error) {
	ch := make(chan model.WorkflowEvent, b.bufferSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[workflowID] == nil {
		b.subs[workflowID] = make(map[uint64]chan model.WorkflowEvent)
	}
	b.subs[workflowID][id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[workflowID], id)
		if len(b.subs[workflowID]) == 0 {
			delete(b.subs, workflowID)
		}
		close(ch)
	}()

	return ch, nil
}

// Stats returns delivered and dropped event counts.
func (b *MemoryBroker) Stats() (published, dropped int64) {
	return b.totalPublished.Load(), b.totalDropped.Load()
}

// RedisBroker carries events over Redis pub/sub so every replica's
// subscribers see changes made by any other replica.
type RedisBroker struct {
	client     redis.UniversalClient
	prefix     string
	bufferSize int
	logger     *zap.Logger
}

// NewRedisBroker creates a Redis pub/sub broker. Channels are named
// "<prefix>:workflow:<id>".
func NewRedisBroker(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisBroker {
	if prefix == "" {
		prefix = "claimflow"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client:     client,
		prefix:     prefix,
		bufferSize: DefaultEventBuffer,
		logger:     logger,
	}
}

func (b *RedisBroker) channel(workflowID string) string {
	return b.prefix + ":workflow:" + workflowID
}

// HealthCheck pings the Redis server.
func (b *RedisBroker) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish sends evt on the workflow's channel.
func (b *RedisBroker) Publish(ctx context.Context, evt model.WorkflowEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal workflow event: %w", err)
	}
	ch := b.channel(evt.WorkflowID)
	if err := b.client.Publish(ctx, ch, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", ch, err)
	}
	return nil
}

// Subscribe listens on the workflow's channel until ctx is done. It returns
// once the subscription is confirmed by the server.
func (b *RedisBroker) Subscribe(ctx context.Context, workflowID string) (<-chan model.WorkflowEvent, error) {
	name := b.channel(workflowID)
	pubsub := b.client.Subscribe(ctx, name)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", name, err)
	}

	out := make(chan model.WorkflowEvent, b.bufferSize)
	go func() {
		defer close(out)
		defer pubsub.Close() //nolint:errcheck

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt model.WorkflowEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.logger.Warn("dropping malformed workflow event",
						zap.String("channel", name),
						zap.Error(err),
					)
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
