package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rebuild-go/internal/config"
	"github.com/apk-analysis/apk-rebuild-go/internal/domain"
	"github.com/apk-analysis/apk-rebuild-go/internal/patch"
	"github.com/apk-analysis/apk-rebuild-go/internal/pipeline"
	"github.com/apk-analysis/apk-rebuild-go/internal/queue"
	"github.com/apk-analysis/apk-rebuild-go/internal/repository"
	"github.com/apk-analysis/apk-rebuild-go/internal/signing"
	"github.com/apk-analysis/apk-rebuild-go/internal/worker"
)

var (
	// ErrInvalidRequest 提交参数无效（输入文件、补丁集或签名方案）
	ErrInvalidRequest = errors.New("invalid rebuild request")
	// ErrRunNotCompleted 记录尚未成功完成，没有可下载的输出
	ErrRunNotCompleted = errors.New("rebuild run has no output")
	// ErrNoDispatcher 未配置异步分发
	ErrNoDispatcher = errors.New("no dispatcher configured")
)

// SubmitRequest 新建重建记录的参数
type SubmitRequest struct {
	RunID     string // 为空时生成
	APKName   string
	InputPath string
	PatchSet  string // 补丁集文件路径，为空时使用配置中的默认补丁集
	Scheme    string
	Source    domain.RunSource
}

// RunRecorder 运行级指标
type RunRecorder interface {
	RecordRunQueued()
	RecordRunStarted()
	RecordRunCompleted(d time.Duration)
	RecordRunFailed(kind string, d time.Duration)
}

// RebuildService 重建服务接口
type RebuildService interface {
	// 创建排队中的记录，校验输入文件、补丁集与签名方案
	Submit(ctx context.Context, req *SubmitRequest) (*domain.RebuildRun, error)

	// 交给分发器异步执行
	Dispatch(ctx context.Context, run *domain.RebuildRun) error

	// 同步执行一条排队中的记录，返回最终状态
	Execute(ctx context.Context, runID string) (*domain.RebuildRun, error)

	GetRun(ctx context.Context, runID string) (*domain.RebuildRun, error)
	ListRuns(ctx context.Context, page, pageSize int, status string) ([]*domain.RebuildRun, int64, error)
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)

	// 已完成记录的输出文件路径
	OutputFile(ctx context.Context, runID string) (string, *domain.RebuildRun, error)

	// 各入口的处理函数
	HandleTask(ctx context.Context, task *worker.Task) error
	HandleMessage(ctx context.Context, msg *queue.RebuildMessage) error
	HandleInboxFile(ctx context.Context, filePath string) error

	SetDispatcher(d Dispatcher)
	SetRecorder(r RunRecorder)
}

type rebuildService struct {
	cfg        *config.Config
	runs       repository.RunRepository
	controller *pipeline.Controller
	identity   *signing.Identity
	dispatcher Dispatcher
	recorder   RunRecorder
	logger     *logrus.Logger
}

// NewRebuildService 创建重建服务实例
func NewRebuildService(cfg *config.Config, runs repository.RunRepository, controller *pipeline.Controller,
	identity *signing.Identity, logger *logrus.Logger) RebuildService {
	return &rebuildService{
		cfg:        cfg,
		runs:       runs,
		controller: controller,
		identity:   identity,
		logger:     logger,
	}
}

// SetDispatcher 设置异步分发器
func (s *rebuildService) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// SetRecorder 设置运行指标记录器
func (s *rebuildService) SetRecorder(r RunRecorder) { s.recorder = r }

func (s *rebuildService) Submit(ctx context.Context, req *SubmitRequest) (*domain.RebuildRun, error) {
	info, err := os.Stat(req.InputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: input %s: %v", ErrInvalidRequest, req.InputPath, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: input %s is not a regular non-empty file", ErrInvalidRequest, req.InputPath)
	}

	pref, err := signing.ParsePreference(req.Scheme)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	patchPath := req.PatchSet
	if patchPath == "" {
		patchPath = s.cfg.Pipeline.PatchSet
	}
	set, err := loadPatchSet(patchPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sum, err := fileSHA256(req.InputPath)
	if err != nil {
		return nil, fmt.Errorf("hash input: %w", err)
	}

	apkName := req.APKName
	if apkName == "" {
		apkName = filepath.Base(req.InputPath)
	}
	source := req.Source
	if source == "" {
		source = domain.RunSourceAPI
	}
	id := req.RunID
	if id == "" {
		id = uuid.New().String()
	}

	run := &domain.RebuildRun{
		ID:               id,
		APKName:          apkName,
		Source:           source,
		InputPath:        req.InputPath,
		PatchSet:         patchPath,
		Status:           domain.RunStatusQueued,
		Scheme:           string(pref),
		InstructionCount: len(set.Compile()),
		InputSHA256:      sum,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if s.recorder != nil {
		s.recorder.RecordRunQueued()
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":       run.ID,
		"apk_name":     run.APKName,
		"source":       run.Source,
		"patch_set":    run.PatchSet,
		"instructions": run.InstructionCount,
	}).Info("Rebuild run queued")
	return run, nil
}

func (s *rebuildService) Dispatch(ctx context.Context, run *domain.RebuildRun) error {
	if s.dispatcher == nil {
		return ErrNoDispatcher
	}
	return s.dispatcher.Dispatch(ctx, run)
}

func (s *rebuildService) Execute(ctx context.Context, runID string) (*domain.RebuildRun, error) {
	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.runs.MarkRunning(ctx, runID); err != nil {
		return nil, err
	}
	if s.recorder != nil {
		s.recorder.RecordRunStarted()
	}

	log := s.logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"apk_name": run.APKName,
	})
	log.Info("Rebuild run started")

	start := time.Now()
	outcome, runErr := s.rebuild(ctx, run)
	elapsed := time.Since(start)

	// 记录状态不受调用方取消影响
	saveCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		failure := describeFailure(runErr, elapsed)
		if err := s.runs.MarkFailed(saveCtx, run.ID, failure); err != nil {
			log.WithError(err).Error("Failed to persist run failure")
		}
		if s.recorder != nil {
			s.recorder.RecordRunFailed(string(failure.Kind), elapsed)
		}
		log.WithError(runErr).WithFields(logrus.Fields{
			"stage":        failure.Stage,
			"failure_kind": failure.Kind,
		}).Error("Rebuild run failed")
	} else {
		outcome.Duration = elapsed
		if err := s.runs.MarkCompleted(saveCtx, run.ID, *outcome); err != nil {
			return nil, fmt.Errorf("mark completed: %w", err)
		}
		if s.recorder != nil {
			s.recorder.RecordRunCompleted(elapsed)
		}
		log.WithFields(logrus.Fields{
			"scheme":   outcome.AppliedScheme,
			"output":   outcome.OutputPath,
			"size":     outcome.OutputSize,
			"duration": elapsed,
		}).Info("Rebuild run completed")
	}

	final, err := s.runs.FindByID(saveCtx, run.ID)
	if err != nil {
		return nil, err
	}
	return final, runErr
}

// rebuild 读取输入、运行流水线并写出结果
func (s *rebuildService) rebuild(ctx context.Context, run *domain.RebuildRun) (*repository.RunOutcome, error) {
	data, err := os.ReadFile(run.InputPath)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	set, err := loadPatchSet(run.PatchSet)
	if err != nil {
		return nil, err
	}
	pref, err := signing.ParsePreference(run.Scheme)
	if err != nil {
		return nil, err
	}

	res, err := s.controller.Run(ctx, &pipeline.Request{
		ID:           run.ID,
		APK:          data,
		Instructions: set.Compile(),
		NativeLibs:   set.NativeLibs,
		Identity:     s.identity,
		Scheme:       pref,
	})
	if err != nil {
		return nil, err
	}

	outPath := filepath.Join(s.cfg.Storage.OutputDir, outputName(run))
	if err := WriteFileAtomic(outPath, res.APK); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	digest := sha256.Sum256(res.APK)

	return &repository.RunOutcome{
		OutputPath:    outPath,
		OutputSHA256:  hex.EncodeToString(digest[:]),
		OutputSize:    int64(len(res.APK)),
		AppliedScheme: res.Scheme.String(),
		AppliedCount:  len(res.Applied),
		TouchedUnits:  strings.Join(res.Touched, ","),
		SignerSubject: s.identity.Certificate().Subject.String(),
	}, nil
}

// describeFailure 从 StageError 中提取失败阶段与分类
func describeFailure(err error, elapsed time.Duration) repository.RunFailure {
	f := repository.RunFailure{
		Stage:    pipeline.StageIdle.String(),
		Kind:     domain.FailureKind(pipeline.Kind(err)),
		Message:  err.Error(),
		Duration: elapsed,
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		f.Stage = se.Stage.String()
		f.Kind = domain.FailureKind(se.Kind())
		f.AppliedCount = len(se.Applied)
	}
	return f
}

func (s *rebuildService) GetRun(ctx context.Context, runID string) (*domain.RebuildRun, error) {
	return s.runs.FindByID(ctx, runID)
}

func (s *rebuildService) ListRuns(ctx context.Context, page, pageSize int, status string) ([]*domain.RebuildRun, int64, error) {
	return s.runs.List(ctx, page, pageSize, status)
}

func (s *rebuildService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.runs.StatusCounts(ctx)
}

func (s *rebuildService) OutputFile(ctx context.Context, runID string) (string, *domain.RebuildRun, error) {
	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		return "", nil, err
	}
	if run.Status != domain.RunStatusCompleted || run.OutputPath == "" {
		return "", run, fmt.Errorf("%w: %s is %s", ErrRunNotCompleted, runID, run.Status)
	}
	if _, err := os.Stat(run.OutputPath); err != nil {
		return "", run, fmt.Errorf("%w: %v", ErrRunNotCompleted, err)
	}
	return run.OutputPath, run, nil
}

// HandleTask worker.Pool 的处理函数
func (s *rebuildService) HandleTask(ctx context.Context, task *worker.Task) error {
	_, err := s.Execute(ctx, task.ID)
	return err
}

// HandleMessage 队列消费处理函数。消息可能来自其他生产者，记录不存在时按消息内容创建。
// 数据库访问失败时要求重新入队；流水线失败已落库，不再重试。
func (s *rebuildService) HandleMessage(ctx context.Context, msg *queue.RebuildMessage) error {
	run, err := s.runs.FindByID(ctx, msg.RunID)
	switch {
	case errors.Is(err, repository.ErrRunNotFound):
		run, err = s.Submit(ctx, &SubmitRequest{
			RunID:     msg.RunID,
			APKName:   msg.APKName,
			InputPath: msg.APKPath,
			PatchSet:  msg.PatchSet,
			Scheme:    msg.Scheme,
			Source:    domain.RunSourceQueue,
		})
		if err != nil {
			if errors.Is(err, ErrInvalidRequest) {
				return err
			}
			return fmt.Errorf("%w: %v", queue.ErrRequeue, err)
		}
	case err != nil:
		return fmt.Errorf("%w: %v", queue.ErrRequeue, err)
	}

	if run.Status != domain.RunStatusQueued {
		s.logger.WithFields(logrus.Fields{
			"run_id": run.ID,
			"status": run.Status,
		}).Info("Skipping message for run that is no longer queued")
		return nil
	}

	_, err = s.Execute(ctx, run.ID)
	if err != nil && !isPipelineFailure(err) {
		return fmt.Errorf("%w: %v", queue.ErrRequeue, err)
	}
	return err
}

// HandleInboxFile 收件箱新文件：使用默认补丁集创建记录并分发
func (s *rebuildService) HandleInboxFile(ctx context.Context, filePath string) error {
	run, err := s.Submit(ctx, &SubmitRequest{
		APKName:   filepath.Base(filePath),
		InputPath: filePath,
		Source:    domain.RunSourceWatcher,
	})
	if err != nil {
		return err
	}
	if s.dispatcher == nil {
		_, err = s.Execute(ctx, run.ID)
		return err
	}
	return s.dispatcher.Dispatch(ctx, run)
}

// isPipelineFailure 流水线或输入导致的失败，重试不会改变结果
func isPipelineFailure(err error) bool {
	var se *pipeline.StageError
	return errors.As(err, &se) || errors.Is(err, patch.ErrInvalidSet) || errors.Is(err, os.ErrNotExist)
}

func loadPatchSet(path string) (*patch.Set, error) {
	if path == "" {
		return &patch.Set{}, nil
	}
	return patch.LoadSet(path)
}

func outputName(run *domain.RebuildRun) string {
	base := strings.TrimSuffix(run.APKName, filepath.Ext(run.APKName))
	if base == "" {
		base = "app"
	}
	return fmt.Sprintf("%s-%s-signed.apk", base, run.ID)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteFileAtomic 先写临时文件再重命名，读者看不到写了一半的 APK
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rebuild-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
