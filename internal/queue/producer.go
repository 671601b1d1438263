package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apk-analysis/apk-rebuild-go/internal/retry"
	"github.com/sirupsen/logrus"
)

// Publisher 发布原始消息体
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 重建任务生产者
type Producer struct {
	pub    Publisher
	retry  *retry.Config
	logger *logrus.Logger
}

// NewProducer 创建生产者，发布失败按默认退避重试
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		pub:    pub,
		retry:  retry.DefaultConfig("publish rebuild", logger),
		logger: logger,
	}
}

// PublishRebuild 发布重建任务
func (p *Producer) PublishRebuild(ctx context.Context, msg *RebuildMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = retry.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.pub.Publish(ctx, body)
	})
	if err != nil {
		p.logger.WithError(err).WithField("run_id", msg.RunID).Error("Failed to publish rebuild")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"run_id":   msg.RunID,
		"apk_name": msg.APKName,
	}).Info("Rebuild published to queue")
	return nil
}
