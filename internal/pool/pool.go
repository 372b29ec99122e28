// Package pool bounds download concurrency. It is the only component that
// starts or stops a fetch run; everything else routes control through it so
// a pause can never race a worker that is mid-write.
package pool

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Cancellation causes. A runner inspects context.Cause to tell a pause
// (keep the partial file) from a cancel (remove it).
var (
	CausePause  = errors.New("task paused")
	CauseCancel = errors.New("task canceled")
)

// ErrQueueFull is returned by Submit when the waiting queue cannot accept
// another task.
var ErrQueueFull = errors.New("task queue full")

// ErrStopped is returned by Submit after Shutdown.
var ErrStopped = errors.New("pool stopped")

// Runner executes one task's transfer interval. The context is canceled with
// CausePause or CauseCancel when the task is interrupted.
type Runner func(ctx context.Context, taskID string)

// queueDepth bounds how many tasks may sit in waiting state behind the
// workers.
const queueDepth = 256

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	run     Runner
	jobs    chan string
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	claimed map[string]struct{} // queued or running task IDs
	running map[string]context.CancelCauseFunc
	stopped bool
}

// New builds a pool with the given worker count and starts its workers.
func New(workers int, run Runner) *Pool {
	if workers <= 0 {
		workers = 1
	}
	baseCtx, stop := context.WithCancel(context.Background())
	p := &Pool{
		run:     run,
		jobs:    make(chan string, queueDepth),
		baseCtx: baseCtx,
		stop:    stop,
		claimed: make(map[string]struct{}),
		running: make(map[string]context.CancelCauseFunc),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for taskID := range p.jobs {
		ctx, cancel := context.WithCancelCause(p.baseCtx)

		p.mu.Lock()
		if p.stopped {
			delete(p.claimed, taskID)
			p.mu.Unlock()
			cancel(ErrStopped)
			continue
		}
		p.running[taskID] = cancel
		p.mu.Unlock()

		log.WithFields(log.Fields{"worker": id, "taskId": taskID}).Debug("Worker picked up task")
		p.run(ctx, taskID)

		p.mu.Lock()
		delete(p.running, taskID)
		delete(p.claimed, taskID)
		p.mu.Unlock()
		cancel(nil)
	}
}

// Submit enqueues a task for execution. The task runs as soon as a worker is
// free; until then it stays in waiting state. A task ID that is already
// queued or running is not enqueued again, so at most one worker ever owns a
// given task.
func (p *Pool) Submit(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if _, ok := p.claimed[taskID]; ok {
		return nil
	}

	select {
	case p.jobs <- taskID:
		p.claimed[taskID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Pause interrupts a running task, keeping its partial state. It reports
// whether the task was actually running; a false return means the caller
// must apply the state change directly.
func (p *Pool) Pause(taskID string) bool {
	return p.interrupt(taskID, CausePause)
}

// Cancel interrupts a running task for removal. It reports whether the task
// was actually running.
func (p *Pool) Cancel(taskID string) bool {
	return p.interrupt(taskID, CauseCancel)
}

func (p *Pool) interrupt(taskID string, cause error) bool {
	p.mu.Lock()
	cancel, ok := p.running[taskID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel(cause)
	return true
}

// Running reports whether the task currently occupies a worker.
func (p *Pool) Running(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[taskID]
	return ok
}

// Shutdown interrupts all running tasks and waits for the workers to drain.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.stop()
	close(p.jobs)
	p.wg.Wait()
}
