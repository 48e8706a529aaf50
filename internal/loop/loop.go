// Package loop implements the cooperative single-threaded scheduling model
// shared by the manager and all scanners.
//
// One goroutine owns every piece of mutable aggregation state. Code already
// running on the loop mutates state directly; scanner drivers and other
// goroutines marshal work onto the loop with Schedule, Dispatch or Call.
// Timers fire as loop jobs, so a timer callback observes the same
// single-threaded world as everything else.
package loop

import (
	"context"
	"errors"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Call when the loop shut down before the job ran.
var ErrStopped = errors.New("loop stopped")

var processStart = time.Now()

// MonotonicTime returns seconds since process start on the monotonic clock.
// All advertisement timestamps and expiry arithmetic use this time base.
func MonotonicTime() float64 {
	return time.Since(processStart).Seconds()
}

// Loop is a single-goroutine job runner with two inbound lanes: a blocking
// control lane for calls that must not be lost, and an overwrite-oldest event
// lane for high-rate advertisement traffic.
type Loop struct {
	calls  chan func()
	events *RingChannel[func()]
	done   chan struct{}
	cancel context.CancelFunc
	log    *logrus.Logger

	running atomic.Bool
}

// New creates a loop. A nil logger falls back to logrus.New().
func New(logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		calls:  make(chan func(), 256),
		events: NewRingChannel[func()](1024),
		done:   make(chan struct{}),
		log:    logger,
	}
}

// Start spawns the loop goroutine. It may be called once.
func (l *Loop) Start() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go pprof.Do(ctx, pprof.Labels("goroutine_name", "bluehub-loop"), l.run)
}

// Stop terminates the loop goroutine and waits for it to exit. Jobs still
// queued are discarded.
func (l *Loop) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	l.cancel()
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.calls:
			fn()
		case fn := <-l.events.C():
			fn()
		}
	}
}

// Schedule queues fn on the control lane. It blocks if the lane is full and
// must not be called from the loop goroutine with a saturated lane.
func (l *Loop) Schedule(fn func()) {
	l.calls <- fn
}

// Dispatch queues fn on the event lane, shedding the oldest queued event when
// the lane is full. Use for per-advertisement work only.
func (l *Loop) Dispatch(fn func()) {
	if l.events.ForceSend(fn) {
		l.log.Debug("loop: event lane full, dropped oldest advertisement job")
	}
}

// Call runs fn on the loop and waits for it to complete.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	doneCh := make(chan struct{})
	l.Schedule(func() {
		defer close(doneCh)
		fn()
	})
	select {
	case <-doneCh:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain synchronously runs every job currently queued on either lane. It is
// intended for shutdown and for tests that drive the loop from the test
// goroutine instead of starting it.
func (l *Loop) Drain() {
	for {
		select {
		case fn := <-l.calls:
			fn()
			continue
		default:
		}
		if fn, ok := l.events.TryReceive(); ok {
			fn()
			continue
		}
		return
	}
}

// TimerHandle cancels a pending CallLater.
type TimerHandle struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

// Cancel prevents the timer callback from running. Safe to call from any
// goroutine and more than once.
func (h *TimerHandle) Cancel() {
	h.cancelled.Store(true)
	h.timer.Stop()
}

// CallLater schedules fn to run on the loop after d. The callback is skipped
// if the handle is cancelled, even when the underlying timer already fired.
func (l *Loop) CallLater(d time.Duration, fn func()) *TimerHandle {
	h := &TimerHandle{}
	h.timer = time.AfterFunc(d, func() {
		l.Schedule(func() {
			if h.cancelled.Load() {
				return
			}
			fn()
		})
	})
	return h
}
