package queue

import (
	"context"
	"sync"
	"time"

	xerrors "VaultPilot/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，适用于单进程部署与测试。
// 底层 channel 从不关闭，关闭信号通过 done 广播。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将执行 ID 投递到队列。队列已满时阻塞，直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, executionID string) error {
	select {
	case <-q.done:
		return errQueueClosed()
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed()
	case q.ch <- executionID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case id := <-q.ch:
					if err := handler(ctx, id); err != nil {
						q.redeliver(ctx, id)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) redeliver(ctx context.Context, id string) {
	go func() {
		select {
		case <-ctx.Done():
		case <-q.done:
		case <-time.After(redeliverDelay):
			_ = q.Publish(ctx, id)
		}
	}()
}

// Close 关闭内存队列，阻塞中的 Publish 与 Consume 随之返回。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

func errQueueClosed() error {
	return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
}
