// ============================================================================
// scangrade Worker - Page Reading Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker runs in an independent goroutine and reads the labels
// of the pages it receives.
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ handler(ctx, task)      │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Result delivery blocks until the pool owner receives it or the pool stops,
// so no reading is ever dropped.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
	handler  Handler
}

// newWorker creates a new Worker instance
func newWorker(id int, handler Handler, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		handler:  handler,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		result := w.execute(task)
		result.Duration = time.Since(start)

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			log.Debug("worker dropped result on stop", "worker", w.id, "task", task.ID)
		}
	}
}

// execute runs the handler with the task timeout; a panic becomes an error.
func (w *Worker) execute(task Task) (result Result) {
	result.ID = task.ID

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic", "worker", w.id, "task", task.ID, "panic", r)
			result.Error = fmt.Errorf("worker %d: panic reading page %d: %v", w.id, task.ID, r)
		}
	}()

	result.Reading, result.Error = w.handler(ctx, task)
	return result
}
