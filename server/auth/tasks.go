package auth

import (
	"context"
	"sync"
	"time"

	"github.com/kitemail/kite/logger"
	"github.com/kitemail/kite/pkg/metrics"
)

// Task is one non-critical store write-back.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// TaskQueue decouples non-critical writes (last-used timestamps, audit
// rows) from the authentication hot path. Enqueue never blocks and never
// fails: when the bounded queue is full the oldest task is dropped,
// because for the writes carried here the newest information wins.
// Losing a last-used update is acceptable; losing an authentication
// decision is not, so decisions never travel through this queue.
type TaskQueue struct {
	tasks       chan Task
	taskTimeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTaskQueue creates the queue and starts its single drain worker.
func NewTaskQueue(size int, taskTimeout time.Duration) *TaskQueue {
	if size <= 0 {
		size = 1024
	}
	if taskTimeout <= 0 {
		taskTimeout = 5 * time.Second
	}
	q := &TaskQueue{
		tasks:       make(chan Task, size),
		taskTimeout: taskTimeout,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go q.worker()
	return q
}

// Enqueue adds a task without ever blocking the caller. On overflow the
// oldest queued task is dropped to make room.
func (q *TaskQueue) Enqueue(task Task) {
	for {
		select {
		case q.tasks <- task:
			metrics.TaskQueueDepth.Set(float64(len(q.tasks)))
			return
		default:
		}
		// Queue full: shed the oldest entry and retry.
		select {
		case dropped := <-q.tasks:
			metrics.TaskQueueDroppedTotal.Inc()
			logger.Debug("TaskQueue: dropped oldest task on overflow", "task", dropped.Name)
		default:
		}
	}
}

// worker drains the queue. Failures are logged once and never retried;
// the writes carried here are best-effort.
func (q *TaskQueue) worker() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case task := <-q.tasks:
					q.runTask(task)
				default:
					return
				}
			}
		case task := <-q.tasks:
			q.runTask(task)
			metrics.TaskQueueDepth.Set(float64(len(q.tasks)))
		}
	}
}

func (q *TaskQueue) runTask(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.taskTimeout)
	defer cancel()

	if err := task.Run(ctx); err != nil {
		metrics.TaskQueueFailuresTotal.Inc()
		logger.Warn("TaskQueue: task failed", "task", task.Name, "error", err)
	}
}

// Stop shuts the worker down after draining already-queued tasks.
func (q *TaskQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}
