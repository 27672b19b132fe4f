package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Async decouples a slow sink from the caller. Publish enqueues and returns;
// a single goroutine forwards batches to the sink in order. When the queue is
// full the batch is dropped and logged.
type Async struct {
	sink    Publisher
	queue   chan []Event
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(sink Publisher, size int, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		sink:    sink,
		queue:   make(chan []Event, size),
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for batch := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Publish(ctx, batch...); err != nil {
			a.logger.Warn("event publish failed",
				zap.Int("events", len(batch)),
				zap.Uint64("first_seq", batch[0].Seq),
				zap.Error(err))
		}
		cancel()
	}
}

func (a *Async) Publish(_ context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	batch := make([]Event, len(evs))
	copy(batch, evs)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("event publisher closed, dropping batch", zap.Int("events", len(batch)))
		return nil
	}
	select {
	case a.queue <- batch:
	default:
		a.logger.Warn("event queue full, dropping batch",
			zap.Int("events", len(batch)),
			zap.Uint64("first_seq", batch[0].Seq))
	}
	return nil
}

// Close stops accepting events, drains the queue and closes the sink
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.sink.Close()
}
