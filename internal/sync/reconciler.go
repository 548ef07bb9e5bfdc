package sync

import (
	"sync/atomic"

	"github.com/matheus3301/chatsync/internal/logging"
	"go.uber.org/zap"
)

// CheckpointStore persists the last-received high-water mark.
type CheckpointStore interface {
	LastReceived() (int64, error)
	SetLastReceived(ts int64) error
}

// Reconciler keeps the time of the newest inbound message. The realtime
// channel sends it in the init frame so the server can replay the gap.
type Reconciler struct {
	store  CheckpointStore
	logger *zap.Logger
	last   atomic.Int64
}

// NewReconciler loads the persisted checkpoint. A read failure starts from
// zero, which makes the server replay everything it still holds.
func NewReconciler(st CheckpointStore, logger *zap.Logger) *Reconciler {
	r := &Reconciler{store: st, logger: logging.OrNop(logger)}
	ts, err := st.LastReceived()
	if err != nil {
		r.logger.Warn("failed to read last received checkpoint", zap.Error(err))
	}
	r.last.Store(ts)
	return r
}

// LastReceived returns the high-water mark in epoch ms.
func (r *Reconciler) LastReceived() int64 {
	return r.last.Load()
}

// Advance moves the mark to ts and persists it. Older timestamps are ignored.
func (r *Reconciler) Advance(ts int64) error {
	for {
		cur := r.last.Load()
		if ts <= cur {
			return nil
		}
		if r.last.CompareAndSwap(cur, ts) {
			break
		}
	}
	return r.store.SetLastReceived(ts)
}
