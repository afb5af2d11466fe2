package pubsub

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
)

// MemoryBroker is an in-process stand-in for RabbitMQ with the same
// delivery semantics: competing consumers per queue, one in-flight delivery
// per consumer, ack/reject/requeue via Dispose. Used for tests and for
// running the pipeline without a broker.
type MemoryBroker struct {
	log *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[string][]memoryMessage
	rejected map[string][][]byte
	inflight int
}

type memoryMessage struct {
	meta        common.Meta
	body        []byte
	redelivered bool
}

func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &MemoryBroker{
		log:      logger,
		queues:   make(map[string][]memoryMessage),
		rejected: make(map[string][][]byte),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBroker) Publish(ctx context.Context, queue string, meta common.Meta, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := append([]byte(nil), body...)
	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], memoryMessage{meta: meta, body: cp})
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}

// RunWithConsumers serves every spec from its queue until ctx ends.
func (b *MemoryBroker) RunWithConsumers(ctx context.Context, specs ...ConsumerSpec) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	var wg sync.WaitGroup
	for _, s := range specs {
		wg.Add(1)
		go func(s ConsumerSpec) {
			defer wg.Done()
			b.serve(ctx, s)
		}(s)
	}
	wg.Wait()
	return ctx.Err()
}

func (b *MemoryBroker) serve(ctx context.Context, spec ConsumerSpec) {
	for {
		m, ok := b.next(ctx, spec.Queue)
		if !ok {
			return
		}
		err := spec.Consume(ctx, amqp.Delivery{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     m.meta.ID,
			CorrelationId: m.meta.CorrelationID,
			Type:          m.meta.Type,
			Timestamp:     m.meta.Time,
			AppId:         m.meta.Producer,
			RoutingKey:    spec.Queue,
			Redelivered:   m.redelivered,
			Body:          m.body,
		})

		b.mu.Lock()
		switch Dispose(err) {
		case Reject:
			b.rejected[spec.Queue] = append(b.rejected[spec.Queue], m.body)
		case Requeue:
			m.redelivered = true
			b.queues[spec.Queue] = append([]memoryMessage{m}, b.queues[spec.Queue]...)
		}
		if err != nil {
			b.log.Warn("memory consumer error", slog.String("consumer", spec.Name), slog.Any("error", err))
		}
		b.inflight--
		b.mu.Unlock()
		b.cond.Broadcast()
	}
}

func (b *MemoryBroker) next(ctx context.Context, queue string) (memoryMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queues[queue]) == 0 {
		if ctx.Err() != nil {
			return memoryMessage{}, false
		}
		b.cond.Wait()
	}
	if ctx.Err() != nil {
		return memoryMessage{}, false
	}
	m := b.queues[queue][0]
	b.queues[queue] = b.queues[queue][1:]
	b.inflight++
	return m, true
}

// Drain removes and returns every message waiting on queue.
func (b *MemoryBroker) Drain(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.queues[queue] {
		out = append(out, m.body)
	}
	delete(b.queues, queue)
	return out
}

// Len reports how many messages wait on queue.
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Rejected returns bodies rejected without requeue on queue.
func (b *MemoryBroker) Rejected(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.rejected[queue]...)
}

// WaitIdle blocks until the named queues (all queues when none are named)
// are empty and nothing is in flight, or ctx ends.
func (b *MemoryBroker) WaitIdle(ctx context.Context, queues ...string) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.idleLocked(queues) {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
	}
	return nil
}

func (b *MemoryBroker) idleLocked(queues []string) bool {
	if b.inflight > 0 {
		return false
	}
	if len(queues) == 0 {
		for name := range b.queues {
			queues = append(queues, name)
		}
	}
	for _, name := range queues {
		if len(b.queues[name]) > 0 {
			return false
		}
	}
	return true
}
