// Package worker delivers start, resume and cancel requests to the agent
// in the background so control operations never wait on the agent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"cad-orchestrator/internal/agent"
	"cad-orchestrator/internal/logger"
)

// ErrQueueFull is reported when a dispatch could not even be queued
var ErrQueueFull = errors.New("dispatch queue full")

// TaskKind distinguishes what a task asks of the agent
type TaskKind string

const (
	TaskStart  TaskKind = "start"
	TaskCancel TaskKind = "cancel"
)

// Task is one queued agent call
type Task struct {
	Kind  TaskKind
	JobID string
	Start *agent.StartRequest
}

// FailureHandler is told about a start or resume that could not be
// delivered, with the run it was issued for. Cancels are best effort and
// never reported.
type FailureHandler func(ctx context.Context, jobID string, run int, err error)

// Options configures a Pool
type Options struct {
	Workers   int
	Retries   int
	Backoff   time.Duration
	QueueSize int
}

// Pool runs a fixed set of workers, each with its own queue. Every task
// for a job lands on the same worker, so a job's calls reach the agent in
// the order they were dispatched.
type Pool struct {
	client    agent.Client
	opts      Options
	workers   []*Worker
	onFailure FailureHandler
	ctx       context.Context
	wg        sync.WaitGroup
}

// NewPool creates a Pool. Call OnFailure before Start.
func NewPool(client agent.Client, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	p := &Pool{
		client: client,
		opts:   opts,
		ctx:    context.Background(),
	}
	for i := 1; i <= opts.Workers; i++ {
		p.workers = append(p.workers, &Worker{id: i, pool: p, queue: make(chan Task, opts.QueueSize)})
	}
	return p
}

// OnFailure sets the handler for undeliverable starts
func (p *Pool) OnFailure(h FailureHandler) {
	p.onFailure = h
}

// Start launches the workers. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for _, w := range p.workers {
		w := w
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Start(ctx)
		}()
	}
}

// Wait blocks until every worker has exited
func (p *Pool) Wait() {
	p.wg.Wait()
}

// DispatchStart queues a start or resume without blocking
func (p *Pool) DispatchStart(req *agent.StartRequest) {
	p.enqueue(Task{Kind: TaskStart, JobID: req.JobID, Start: req})
}

// DispatchCancel queues a cancel notification without blocking
func (p *Pool) DispatchCancel(jobID string) {
	p.enqueue(Task{Kind: TaskCancel, JobID: jobID})
}

// workerFor picks the worker owning jobID
func (p *Pool) workerFor(jobID string) *Worker {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return p.workers[h.Sum32()%uint32(len(p.workers))]
}

func (p *Pool) enqueue(t Task) {
	w := p.workerFor(t.JobID)
	select {
	case w.queue <- t:
		logger.Debugf("[DISPATCH] Queued Kind=%s JobID=%s WorkerID=%d", t.Kind, t.JobID, w.id)
	default:
		logger.Warnf("[DISPATCH] Queue full Kind=%s JobID=%s WorkerID=%d", t.Kind, t.JobID, w.id)
		if t.Kind == TaskStart {
			// Reported asynchronously; the caller may still hold the job lock.
			go p.reportFailure(t, ErrQueueFull)
		}
	}
}

func (p *Pool) reportFailure(t Task, err error) {
	if p.onFailure != nil {
		p.onFailure(p.ctx, t.JobID, t.Start.Run, err)
	}
}

// Worker delivers its queued tasks one at a time
type Worker struct {
	id    int
	pool  *Pool
	queue chan Task
}

// Start runs the worker loop until ctx is cancelled
func (w *Worker) Start(ctx context.Context) {
	logger.Infof("[WORKER-%d] Started", w.id)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[WORKER-%d] Shutting down", w.id)
			return
		case t := <-w.queue:
			w.process(ctx, t)
		}
	}
}

func (w *Worker) process(ctx context.Context, t Task) {
	attempts := w.pool.opts.Retries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = w.execute(ctx, t); err == nil {
			logger.Infof("[DISPATCH] Delivered Kind=%s JobID=%s WorkerID=%d Attempt=%d", t.Kind, t.JobID, w.id, attempt)
			return
		}
		if attempt == attempts {
			break
		}
		logger.Warnf("[RETRY] Kind=%s JobID=%s WorkerID=%d Attempt=%d/%d: %v", t.Kind, t.JobID, w.id, attempt, attempts, err)

		select {
		case <-ctx.Done():
			logger.Warnf("[DISPATCH] Abandoned on shutdown Kind=%s JobID=%s", t.Kind, t.JobID)
			return
		case <-time.After(w.pool.opts.Backoff * time.Duration(attempt)):
		}
	}

	logger.Errorf("[DISPATCH] Failed Kind=%s JobID=%s WorkerID=%d Attempts=%d: %v", t.Kind, t.JobID, w.id, attempts, err)
	if t.Kind == TaskStart {
		w.pool.reportFailure(t, err)
	}
}

func (w *Worker) execute(ctx context.Context, t Task) error {
	switch t.Kind {
	case TaskStart:
		return w.pool.client.Start(ctx, t.Start)
	case TaskCancel:
		return w.pool.client.Cancel(ctx, t.JobID)
	}
	return fmt.Errorf("unknown task kind %q", t.Kind)
}
