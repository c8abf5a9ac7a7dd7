package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
)

// PeriodicTask runs fn on a fixed interval in its own goroutine.  It runs
// once immediately on Start, then on every tick.  Errors are logged and the
// loop carries on.
//
// An interval of 0 disables the task.
type PeriodicTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	log      logrus.FieldLogger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPeriodicTask(name string, interval time.Duration, fn func(ctx context.Context) error, log logrus.FieldLogger) *PeriodicTask {
	return &PeriodicTask{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      log.WithField("task", name),
		done:     make(chan struct{}),
	}
}

func (t *PeriodicTask) Name() string { return t.name }

// Start begins the loop.  It exits when ctx is cancelled or Stop is called.
// Only the first call has an effect, and a stopped task stays stopped.
func (t *PeriodicTask) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	if t.interval <= 0 {
		t.log.Info("periodic task disabled")
		close(t.done)
		return
	}

	ctx, t.cancel = context.WithCancel(ctx)
	go t.loop(ctx)

	t.log.WithField("interval", t.interval.String()).Info("periodic task started")
}

// Stop signals the loop to exit and waits for it.  Safe to call more than
// once and from any goroutine.  Before Start it only prevents a later Start.
func (t *PeriodicTask) Stop() {
	t.mu.Lock()
	t.stopped = true
	started := t.started
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if started {
		<-t.done
	}
}

func (t *PeriodicTask) loop(ctx context.Context) {
	defer close(t.done)

	t.run(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.run(ctx)
		}
	}
}

func (t *PeriodicTask) run(ctx context.Context) {
	if err := t.fn(ctx); err != nil && ctx.Err() == nil {
		t.log.WithError(err).Error("periodic task failed")
	}
}

// PruneHeartbeats returns a task body deleting heartbeat rows older than
// retention.  A retention of 0 keeps everything.
func PruneHeartbeats(st store.HeartbeatStore, retention time.Duration, now Clock, log logrus.FieldLogger) func(ctx context.Context) error {
	if now == nil {
		now = systemClock
	}
	return func(ctx context.Context) error {
		if retention <= 0 {
			return nil
		}
		cutoff := now().Add(-retention)
		deleted, err := st.PruneOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		if deleted > 0 {
			log.WithFields(logrus.Fields{
				"deleted": deleted,
				"cutoff":  cutoff.Format(time.RFC3339),
			}).Info("heartbeat prune")
		}
		return nil
	}
}
