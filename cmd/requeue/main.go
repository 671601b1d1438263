package main

import (
	"context"
	"fmt"
	"log"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/apk-analysis/apk-rebuild-go/internal/config"
	"github.com/apk-analysis/apk-rebuild-go/internal/domain"
	"github.com/apk-analysis/apk-rebuild-go/internal/queue"
	"github.com/apk-analysis/apk-rebuild-go/internal/repository"
)

// 将失败的重建记录重置为排队状态并重新投递到 RabbitMQ
func main() {
	configPath := pflag.String("config", "./configs/config.yaml", "配置文件路径")
	kind := pflag.String("kind", "", "只重投该失败分类，如 PipelineTimeout")
	limit := pflag.Int("limit", 0, "最多重投数量，0 表示不限")
	dryRun := pflag.Bool("dry-run", false, "只列出，不修改")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.RabbitMQ.Enabled {
		log.Fatal("rabbitmq.enabled is false, nothing to requeue to")
	}

	logger := config.InitLogger(&cfg.Log)
	ctx := context.Background()

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	runs := repository.NewRunRepository(db, logger)

	var candidates []*domain.RebuildRun
	for page := 1; ; page++ {
		batch, _, err := runs.List(ctx, page, 100, string(domain.RunStatusFailed))
		if err != nil {
			log.Fatalf("Failed to query failed runs: %v", err)
		}
		for _, run := range batch {
			if *kind == "" || string(run.FailureKind) == *kind {
				candidates = append(candidates, run)
			}
		}
		if len(batch) < 100 {
			break
		}
	}
	if *limit > 0 && len(candidates) > *limit {
		candidates = candidates[:*limit]
	}

	fmt.Printf("找到 %d 个失败记录\n", len(candidates))
	if *dryRun {
		for _, run := range candidates {
			fmt.Printf("  %s  %-26s %s\n", run.ID, run.FailureKind, run.APKName)
		}
		return
	}

	mq, err := queue.NewRabbitMQ(&cfg.RabbitMQ, 1, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()
	producer := queue.NewProducer(mq, logger)

	successCount := 0
	for i, run := range candidates {
		if err := runs.ResetFailed(ctx, run.ID); err != nil {
			logger.WithError(err).WithField("run_id", run.ID).Error("Failed to reset run")
			continue
		}

		msg := &queue.RebuildMessage{
			RunID:    run.ID,
			APKName:  run.APKName,
			APKPath:  run.InputPath,
			PatchSet: run.PatchSet,
			Scheme:   run.Scheme,
		}
		if err := producer.PublishRebuild(ctx, msg); err != nil {
			logger.WithError(err).WithField("run_id", run.ID).Error("Failed to publish run")
			continue
		}

		successCount++
		if (i+1)%100 == 0 {
			logger.WithFields(logrus.Fields{"done": i + 1, "total": len(candidates)}).Info("Requeue progress")
		}
	}

	fmt.Printf("\n成功重新入队 %d/%d 个记录\n", successCount, len(candidates))
}
