// Package outbox holds messages composed while the realtime channel was down
// and drains them once it comes back.
package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// Store persists the full queue snapshot.
type Store interface {
	LoadQueue() ([]model.Message, error)
	SaveQueue(msgs []model.Message) error
}

// Transmitter writes one message to the server.
type Transmitter interface {
	Send(ctx context.Context, m *model.Message) error
}

// FlushResult is the payload of queue.flushed events.
type FlushResult struct {
	Sent      int
	Remaining int
}

// Queue is the ordered, persisted list of unsent messages.
type Queue struct {
	store  Store
	bus    *bus.Bus
	logger *zap.Logger

	flushMu sync.Mutex // one flush at a time
	saveMu  sync.Mutex // held from snapshot to write so the newest state lands last

	mu   sync.Mutex
	msgs []model.Message
}

// New loads the persisted queue.
func New(st Store, b *bus.Bus, logger *zap.Logger) (*Queue, error) {
	msgs, err := st.LoadQueue()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	return &Queue{store: st, bus: b, logger: logging.OrNop(logger), msgs: msgs}, nil
}

// Enqueue appends m and persists the whole queue. The message stays queued
// in memory even when the write fails.
func (q *Queue) Enqueue(m model.Message) error {
	q.mu.Lock()
	q.msgs = append(q.msgs, m)
	q.mu.Unlock()

	n, err := q.persist()
	if err != nil {
		q.logger.Error("failed to persist queue", zap.Error(err), zap.Int("len", n))
		return fmt.Errorf("persist queue: %w", err)
	}
	q.logger.Debug("message queued", zap.String("local_id", m.LocalID), zap.Int("len", n))
	return nil
}

// persist writes the current queue. The snapshot is taken under saveMu, so
// of two racing writers the later one always carries the newer state.
func (q *Queue) persist() (int, error) {
	q.saveMu.Lock()
	defer q.saveMu.Unlock()
	snap := q.Snapshot()
	return len(snap), q.store.SaveQueue(snap)
}

// Flush transmits queued messages in order. Transmission is fire-and-forget:
// a message counts as delivered once written. On the first failure the flush
// stops and the failed message and everything after it stay queued.
// Messages enqueued during the flush are kept for the next one.
func (q *Queue) Flush(ctx context.Context, tx Transmitter) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	pending := q.Snapshot()
	if len(pending) == 0 {
		return 0, nil
	}

	sent := 0
	var sendErr error
	for i := range pending {
		if err := tx.Send(ctx, &pending[i]); err != nil {
			sendErr = fmt.Errorf("transmit %s: %w", pending[i].LocalID, err)
			break
		}
		sent++
	}

	q.mu.Lock()
	q.msgs = slices.Clone(q.msgs[sent:])
	q.mu.Unlock()

	remaining, saveErr := q.persist()
	if saveErr != nil {
		q.logger.Error("failed to persist queue", zap.Error(saveErr))
	}

	q.logger.Info("queue flushed", zap.Int("sent", sent), zap.Int("remaining", remaining), zap.Error(sendErr))
	if q.bus != nil {
		q.bus.Publish(bus.NewEvent(bus.KindQueueFlushed, FlushResult{Sent: sent, Remaining: remaining}))
	}

	if sendErr != nil {
		return sent, sendErr
	}
	if saveErr != nil {
		return sent, fmt.Errorf("persist queue: %w", saveErr)
	}
	return sent, nil
}

// Snapshot returns a copy of the queued messages in order.
func (q *Queue) Snapshot() []model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.msgs)
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
