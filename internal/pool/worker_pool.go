package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrQueueFull 队列已满，任务被丢弃
var ErrQueueFull = errors.New("worker pool queue is full")

// ErrStopped 协程池已停止
var ErrStopped = errors.New("worker pool is stopped")

// Task 后台任务，失败只记录日志
type Task func(ctx context.Context) error

// WorkerPool 协程池
//
// 用于执行非关键的后台任务（如信誉重算），限制并发数量，任务失败或 panic 都不会向调用方传播
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan namedTask
	wg         sync.WaitGroup
	log        *zap.Logger

	mu      sync.RWMutex
	stopped bool

	failed atomic.Int64
}

type namedTask struct {
	name string
	run  Task
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan namedTask, queueSize),
		log:        log,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// TrySubmit 尝试提交任务，队列已满时立即返回 ErrQueueFull
func (p *WorkerPool) TrySubmit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.taskQueue <- namedTask{name: name, run: task}:
		return nil
	default:
		p.log.Warn("worker pool queue full, dropping task", zap.String("task", name))
		return ErrQueueFull
	}
}

// Failed 返回失败（含 panic）的任务数
func (p *WorkerPool) Failed() int64 {
	return p.failed.Load()
}

// Stop 停止接收任务并等待队列中的任务执行完毕
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()
	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(ctx, task)
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, task namedTask) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.log.Error("background task panicked", zap.String("task", task.name), zap.Any("panic", r))
		}
	}()
	if err := task.run(ctx); err != nil {
		p.failed.Add(1)
		p.log.Warn("background task failed", zap.String("task", task.name), zap.Error(err))
	}
}
