package queue

import (
	"context"
	"fmt"
	"time"

	xerrors "VaultPilot/internal/errors"
)

// Handler 处理来自消息队列的执行 ID。返回错误表示需要重新投递。
type Handler func(ctx context.Context, executionID string) error

// Producer 负责向队列投递执行 ID。
type Producer interface {
	Publish(ctx context.Context, executionID string) error
	Close() error
}

// Consumer 负责从队列中消费执行 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Config 描述队列驱动及其参数。
type Config struct {
	Driver   string
	Buffer   int
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// New 根据驱动名称构造队列。
func New(cfg Config) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return NewRedisQueue(cfg.Redis)
	case "rabbitmq":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的队列驱动: %s", cfg.Driver))
	}
}

const redeliverDelay = 200 * time.Millisecond
