package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenchat/gateway/internal/metrics"
)

const (
	defaultRecorderQueue = 256
	taskTimeout          = 30 * time.Second
)

type task struct {
	name string
	run  func(ctx context.Context) error
}

// recorder runs fire-and-forget side effects (usage recording, vector
// stores) off the request path on a bounded queue. A full queue drops the
// task with a log line and a metric rather than blocking the caller.
type recorder struct {
	tasks     chan task
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newRecorder(queueSize int) *recorder {
	if queueSize <= 0 {
		queueSize = defaultRecorderQueue
	}

	r := &recorder{
		tasks: make(chan task, queueSize),
	}

	r.wg.Add(1)
	go r.work()

	return r
}

func (r *recorder) work() {
	defer r.wg.Done()

	for t := range r.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		err := t.run(ctx)
		cancel()

		if err != nil {
			slog.Warn("background task failed", "task", t.name, "error", err)
			metrics.RecordBackgroundTask(t.name, "error")
			continue
		}
		metrics.RecordBackgroundTask(t.name, "ok")
	}
}

func (r *recorder) enqueue(name string, run func(ctx context.Context) error) {
	select {
	case r.tasks <- task{name: name, run: run}:
	default:
		slog.Warn("background task queue full, dropping task", "task", name)
		metrics.RecordBackgroundTask(name, "dropped")
	}
}

// close drains all queued tasks before returning.
func (r *recorder) close() {
	r.closeOnce.Do(func() {
		close(r.tasks)
	})
	r.wg.Wait()
}
