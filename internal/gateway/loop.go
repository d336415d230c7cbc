package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/metrics"
)

var errHandlerPanicked = errors.New("gateway: handler panicked")

type task struct {
	name     string
	fn       func(ctx context.Context)
	enqueued time.Time
}

// Loop runs submitted tasks one at a time in submission order. Submit never
// blocks, so a task may submit further tasks.
type Loop struct {
	mu    sync.Mutex
	queue []task
	wake  chan struct{}
}

// NewLoop creates an idle Loop. Call Run to start processing.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Submit enqueues fn under name (used for metrics and logs).
func (l *Loop) Submit(name string, fn func(ctx context.Context)) {
	l.mu.Lock()
	l.queue = append(l.queue, task{name: name, fn: fn, enqueued: time.Now()})
	depth := len(l.queue)
	l.mu.Unlock()
	metrics.EventQueueDepth.Set(float64(depth))

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it. It returns ctx.Err() if ctx ends
// first; fn still runs later in that case.
func (l *Loop) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	l.Submit(name, func(loopCtx context.Context) {
		err := errHandlerPanicked
		defer func() { done <- err }()
		err = fn(loopCtx)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		t, ok := l.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
				continue
			}
		}
		l.run(ctx, t)
		if ctx.Err() != nil {
			return
		}
	}
}

func (l *Loop) next() (task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return task{}, false
	}
	t := l.queue[0]
	l.queue[0] = task{}
	l.queue = l.queue[1:]
	metrics.EventQueueDepth.Set(float64(len(l.queue)))
	return t, true
}

func (l *Loop) run(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "gateway").Str("event", t.name).Interface("panic", r).Msg("handler panicked")
		}
		metrics.EventLatency.WithLabelValues(t.name).Observe(time.Since(t.enqueued).Seconds())
	}()
	t.fn(ctx)
}
