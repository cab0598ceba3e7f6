package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/pkg/logger"
)

const (
	retryHeader        = "x-vaultpilot-retries"
	defaultRetryDelay  = 5 * time.Second
	defaultMaxRetries  = 20
	defaultRabbitQueue = "vaultpilot.executions"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
//
// 处理失败的消息先进入带 TTL 的重试队列，过期后经默认交换机死信回主队列；
// 重试超过 MaxRetries 次的消息转入停放队列，等待人工处理。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
	RetryDelay time.Duration
	MaxRetries int
}

// amqpChannel 是队列用到的 *amqp.Channel 方法集合。
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQQueue 使用 RabbitMQ 实现执行队列。
type RabbitMQQueue struct {
	conn       *amqp.Connection
	ch         amqpChannel
	queue      string
	retryQueue string
	parkQueue  string
	retryDelay time.Duration
	maxRetries int
	log        *slog.Logger
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明主队列、重试队列与停放队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	q, err := newRabbitMQQueue(ch, cfg)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func newRabbitMQQueue(ch amqpChannel, cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	q := &RabbitMQQueue{
		ch:         ch,
		queue:      cfg.Queue,
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		log:        logger.Named("queue.rabbitmq"),
	}
	if q.queue == "" {
		q.queue = defaultRabbitQueue
	}
	if q.retryDelay <= 0 {
		q.retryDelay = defaultRetryDelay
	}
	if q.maxRetries <= 0 {
		q.maxRetries = defaultMaxRetries
	}
	q.retryQueue = q.queue + ".retry"
	q.parkQueue = q.queue + ".parked"

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	retryArgs := amqp.Table{
		"x-message-ttl":             q.retryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.queue,
	}
	declares := []struct {
		name string
		args amqp.Table
	}{
		{q.queue, nil},
		{q.retryQueue, retryArgs},
		{q.parkQueue, nil},
	}
	for _, d := range declares {
		if _, err := ch.QueueDeclare(d.name, cfg.Durable, cfg.AutoDelete, false, false, d.args); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列 "+d.name+" 失败")
		}
	}
	return q, nil
}

// Publish 将执行 ID 投递到主队列。
func (q *RabbitMQQueue) Publish(ctx context.Context, executionID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	if err := q.publish(ctx, q.queue, []byte(executionID), 0); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布执行失败")
	}
	return nil
}

func (q *RabbitMQQueue) publish(ctx context.Context, target string, body []byte, retries int32) error {
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if retries > 0 {
		msg.Headers = amqp.Table{retryHeader: retries}
	}
	return q.ch.PublishWithContext(ctx, "", target, false, false, msg)
}

// Consume 以手动确认模式消费主队列。处理失败的消息转入重试队列延迟投递。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
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
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.deliver(ctx, msg, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	id := string(msg.Body)
	if err := handler(ctx, id); err == nil {
		if err := msg.Ack(false); err != nil {
			q.log.Warn("确认 RabbitMQ 消息失败", slog.String("execution_id", id), slog.Any("error", err))
		}
		return
	}

	retries := retryCount(msg.Headers) + 1
	target := q.retryQueue
	if int(retries) > q.maxRetries {
		target = q.parkQueue
		q.log.Error("执行重试次数耗尽，转入停放队列",
			slog.String("execution_id", id),
			slog.Int("retries", int(retries)-1),
			slog.String("queue", target),
		)
	}
	if err := q.publish(context.WithoutCancel(ctx), target, msg.Body, retries); err != nil {
		// 无法转入重试队列时退回 broker，先等待一个重投间隔避免空转。
		q.log.Warn("转入重试队列失败", slog.String("execution_id", id), slog.Any("error", err))
		select {
		case <-ctx.Done():
		case <-time.After(redeliverDelay):
		}
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func retryCount(headers amqp.Table) int32 {
	switch v := headers[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	case int16:
		return int32(v)
	case int8:
		return int32(v)
	}
	return 0
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
