package service

import (
	"context"

	"github.com/apk-analysis/apk-rebuild-go/internal/domain"
	"github.com/apk-analysis/apk-rebuild-go/internal/queue"
	"github.com/apk-analysis/apk-rebuild-go/internal/worker"
)

// Dispatcher 将排队中的记录交给异步执行者
type Dispatcher interface {
	Dispatch(ctx context.Context, run *domain.RebuildRun) error
}

// PoolDispatcher 提交到进程内 Worker 池
type PoolDispatcher struct {
	pool *worker.Pool
}

func NewPoolDispatcher(pool *worker.Pool) *PoolDispatcher {
	return &PoolDispatcher{pool: pool}
}

func (d *PoolDispatcher) Dispatch(_ context.Context, run *domain.RebuildRun) error {
	return d.pool.Submit(&worker.Task{
		ID:       run.ID,
		APKPath:  run.InputPath,
		PatchSet: run.PatchSet,
	})
}

// QueueDispatcher 发布到 RabbitMQ，由消费者执行
type QueueDispatcher struct {
	producer *queue.Producer
}

func NewQueueDispatcher(producer *queue.Producer) *QueueDispatcher {
	return &QueueDispatcher{producer: producer}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, run *domain.RebuildRun) error {
	return d.producer.PublishRebuild(ctx, &queue.RebuildMessage{
		RunID:    run.ID,
		APKName:  run.APKName,
		APKPath:  run.InputPath,
		PatchSet: run.PatchSet,
		Scheme:   run.Scheme,
	})
}
