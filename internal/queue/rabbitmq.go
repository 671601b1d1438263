package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apk-analysis/apk-rebuild-go/internal/config"
	"github.com/apk-analysis/apk-rebuild-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// errNotConnected 通道尚未建立或已关闭
var errNotConnected = errors.New("rabbitmq channel is not open")

// RabbitMQ 持久化队列客户端，断线后自动重连
type RabbitMQ struct {
	url       string
	queueName string
	prefetch  int
	heartbeat time.Duration
	logger    *logrus.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	closed    bool
	reconnect chan struct{}
}

// NewRabbitMQ 连接并声明队列，prefetch 应与消费 worker 数一致
func NewRabbitMQ(cfg *config.RabbitMQConfig, prefetch int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	mq := &RabbitMQ{
		url:       cfg.URL(),
		queueName: cfg.Queue,
		prefetch:  prefetch,
		heartbeat: 10 * time.Second,
		logger:    logger,
		reconnect: make(chan struct{}, 1),
	}
	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

func (mq *RabbitMQ) connect() error {
	conn, err := amqp.DialConfig(mq.url, amqp.Config{
		Heartbeat: mq.heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(mq.prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("set QoS: %w", err)
	}
	if _, err := ch.QueueDeclare(mq.queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", mq.queueName, err)
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.mu.Lock()
	mq.conn, mq.channel = conn, ch
	mq.mu.Unlock()

	go mq.watch(connClosed, chanClosed)

	mq.logger.WithFields(logrus.Fields{
		"queue":    mq.queueName,
		"prefetch": mq.prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

// watch 连接或通道被服务端关闭时发出重连信号
func (mq *RabbitMQ) watch(connClosed, chanClosed <-chan *amqp.Error) {
	var err *amqp.Error
	select {
	case err = <-connClosed:
	case err = <-chanClosed:
	}

	// 主动关闭时通知通道被直接关闭，err 为 nil
	mq.mu.RLock()
	closed := mq.closed
	mq.mu.RUnlock()
	if closed || err == nil {
		return
	}

	mq.logger.WithError(err).Error("RabbitMQ connection lost")
	select {
	case mq.reconnect <- struct{}{}:
	default:
	}
}

// Reconnected 每次需要重连时收到一个信号
func (mq *RabbitMQ) Reconnected() <-chan struct{} {
	return mq.reconnect
}

// Reconnect 关闭旧连接并按退避策略重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	cfg := retry.DefaultConfig("rabbitmq reconnect", mq.logger)
	cfg.MaxAttempts = 10
	cfg.InitialInterval = time.Second
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		return mq.connect()
	})
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return errNotConnected
	}

	return ch.PublishWithContext(ctx, "", mq.queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, errNotConnected
	}

	msgs, err := ch.Consume(mq.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待处理消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, errNotConnected
	}
	q, err := ch.QueueInspect(mq.queueName)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 关闭连接，之后不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
