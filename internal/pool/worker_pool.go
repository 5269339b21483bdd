package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrPoolClosed 协程池已停止，不再接受任务
var ErrPoolClosed = errors.New("worker pool closed")

// WorkerPool 协程池
//
// 用于在请求返回后继续执行后台任务。Stop 会等待队列中已提交的
// 任务全部执行完毕，保证任务不会在关闭时被静默丢弃。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	quit       chan struct{} // Stop 时关闭，唤醒阻塞的 Submit
	drained    chan struct{} // 队列关闭且所有工作协程退出后关闭
	wg         sync.WaitGroup
	submitters sync.WaitGroup // 正在入队的 Submit/TrySubmit
	logger     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	pending atomic.Int64 // 排队中和执行中的任务数
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		quit:       make(chan struct{}),
		drained:    make(chan struct{}),
		logger:     logger,
	}
}

// Start 启动协程池，重复调用无效
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.closed {
		return
	}
	p.started = true
	p.spawn()
}

func (p *WorkerPool) spawn() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// enter 登记一次入队，协程池已停止时返回 false
func (p *WorkerPool) enter() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	p.submitters.Add(1)
	return true
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位；协程池停止后（包括阻塞期间停止）
// 返回 ErrPoolClosed，此时任务没有入队。
func (p *WorkerPool) Submit(task func()) error {
	if !p.enter() {
		return ErrPoolClosed
	}
	defer p.submitters.Done()

	p.pending.Add(1)
	select {
	case p.taskQueue <- task:
		return nil
	case <-p.quit:
		p.pending.Add(-1)
		return ErrPoolClosed
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或协程池已停止，立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	if !p.enter() {
		return false
	}
	defer p.submitters.Done()

	p.pending.Add(1)
	select {
	case p.taskQueue <- task:
		return true
	default:
		p.pending.Add(-1)
		return false
	}
}

// Pending 返回排队中和执行中的任务数
func (p *WorkerPool) Pending() int {
	return int(p.pending.Load())
}

// IsOpen 协程池是否仍接受任务
func (p *WorkerPool) IsOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started && !p.closed
}

// Stop 停止接受新任务并等待已提交的任务完成
//
// 未启动的协程池也会执行已排队的任务。ctx 结束时返回 ctx.Err()，
// 剩余任务仍在后台继续执行；之后可以再次调用 Stop 等待。
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
		spawn := !p.started
		p.started = true
		go p.drain(spawn)
	}
	p.mu.Unlock()

	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool drain timed out", zap.Int("pending", p.Pending()))
		return ctx.Err()
	}
}

// drain 等待入队结束后关闭队列，再等待工作协程执行完剩余任务
func (p *WorkerPool) drain(spawn bool) {
	p.submitters.Wait()
	close(p.taskQueue)
	if spawn {
		p.spawn()
	}
	p.wg.Wait()
	close(p.drained)
}

// worker 工作协程
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(task)
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(task func()) {
	defer p.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
