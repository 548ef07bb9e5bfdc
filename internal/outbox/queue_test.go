package outbox

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
)

// mockTransmitter records sends and fails on the configured call.
type mockTransmitter struct {
	sent   []model.Message
	failAt int // 1-based; 0 never fails
	onSend func()
}

func (m *mockTransmitter) Send(_ context.Context, msg *model.Message) error {
	if m.onSend != nil {
		m.onSend()
	}
	if m.failAt > 0 && len(m.sent)+1 == m.failAt {
		return errors.New("connection reset")
	}
	m.sent = append(m.sent, *msg)
	return nil
}

func testSnapshots(t *testing.T) *store.Snapshots {
	t.Helper()
	fb, err := store.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store.NewSnapshots(fb)
}

func msg(localID string) model.Message {
	return model.Message{LocalID: localID, SentTo: "peer", Body: "body " + localID}
}

func localIDs(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.LocalID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnqueuePersistsSnapshot(t *testing.T) {
	snaps := testSnapshots(t)
	if err := snaps.SaveQueue([]model.Message{msg("a")}); err != nil {
		t.Fatal(err)
	}
	q, err := New(snaps, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(msg("b")); err != nil {
		t.Fatal(err)
	}

	persisted, err := snaps.LoadQueue()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := localIDs(persisted), []string{"a", "b"}; !equal(got, want) {
		t.Errorf("persisted = %v, want %v", got, want)
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}

func TestFlushTransmitsInOrderAndClears(t *testing.T) {
	snaps := testSnapshots(t)
	b := bus.New()
	q, err := New(snaps, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"1", "2", "3"} {
		if err := q.Enqueue(msg(id)); err != nil {
			t.Fatal(err)
		}
	}
	events, unsub := b.Subscribe("queue.", 4)
	defer unsub()

	tx := &mockTransmitter{}
	n, err := q.Flush(context.Background(), tx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("sent = %d, want 3", n)
	}
	if got, want := localIDs(tx.sent), []string{"1", "2", "3"}; !equal(got, want) {
		t.Errorf("transmitted = %v, want %v", got, want)
	}
	persisted, err := snaps.LoadQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 0 {
		t.Errorf("persisted queue has %d messages, want 0", len(persisted))
	}

	select {
	case evt := <-events:
		res := evt.Payload.(FlushResult)
		if res.Sent != 3 || res.Remaining != 0 {
			t.Errorf("flush result = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("no queue.flushed event")
	}
}

func TestFlushStopsAtFailureAndKeepsTail(t *testing.T) {
	snaps := testSnapshots(t)
	q, err := New(snaps, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"1", "2", "3"} {
		if err := q.Enqueue(msg(id)); err != nil {
			t.Fatal(err)
		}
	}

	tx := &mockTransmitter{failAt: 2}
	n, err := q.Flush(context.Background(), tx)
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 1 {
		t.Errorf("sent = %d, want 1", n)
	}
	if got, want := localIDs(q.Snapshot()), []string{"2", "3"}; !equal(got, want) {
		t.Errorf("queue = %v, want %v", got, want)
	}
	persisted, err := snaps.LoadQueue()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := localIDs(persisted), []string{"2", "3"}; !equal(got, want) {
		t.Errorf("persisted = %v, want %v", got, want)
	}
}

func TestEnqueueDuringFlushIsKept(t *testing.T) {
	q, err := New(testSnapshots(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(msg("1")); err != nil {
		t.Fatal(err)
	}

	tx := &mockTransmitter{}
	tx.onSend = func() {
		tx.onSend = nil
		if err := q.Enqueue(msg("late")); err != nil {
			t.Error(err)
		}
	}
	if _, err := q.Flush(context.Background(), tx); err != nil {
		t.Fatal(err)
	}
	if got, want := localIDs(q.Snapshot()), []string{"late"}; !equal(got, want) {
		t.Errorf("queue = %v, want %v", got, want)
	}
}

func TestFlushEmptyQueue(t *testing.T) {
	q, err := New(testSnapshots(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := q.Flush(context.Background(), &mockTransmitter{})
	if err != nil || n != 0 {
		t.Errorf("Flush() = %d, %v", n, err)
	}
}

// slowStore delays every write by a varying amount so racing saves finish
// out of order.
type slowStore struct {
	*store.Snapshots
	writes atomic.Int64
}

func (s *slowStore) SaveQueue(msgs []model.Message) error {
	n := s.writes.Add(1)
	time.Sleep(time.Duration(n%3) * time.Millisecond)
	return s.Snapshots.SaveQueue(msgs)
}

func TestConcurrentEnqueuePersistsEverything(t *testing.T) {
	snaps := testSnapshots(t)
	q, err := New(&slowStore{Snapshots: snaps}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Enqueue(msg(strconv.Itoa(i))); err != nil {
				t.Errorf("Enqueue() error = %v", err)
			}
		}()
	}
	wg.Wait()

	persisted, err := snaps.LoadQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != n || q.Len() != n {
		t.Fatalf("persisted %d, in memory %d, want %d", len(persisted), q.Len(), n)
	}
	if !equal(localIDs(persisted), localIDs(q.Snapshot())) {
		t.Error("persisted order differs from in-memory order")
	}
}
