package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/apk-rebuild-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrRunNotFound 记录不存在
	ErrRunNotFound = errors.New("rebuild run not found")
	// ErrRunNotQueued 记录不处于排队状态
	ErrRunNotQueued = errors.New("rebuild run is not queued")
	// ErrRunNotFailed 记录不处于失败状态
	ErrRunNotFailed = errors.New("rebuild run is not failed")
)

// RunOutcome 成功运行的结果摘要
type RunOutcome struct {
	OutputPath    string
	OutputSHA256  string
	OutputSize    int64
	AppliedScheme string
	AppliedCount  int
	TouchedUnits  string
	SignerSubject string
	Duration      time.Duration
}

// RunFailure 失败运行的摘要
type RunFailure struct {
	Stage        string
	Kind         domain.FailureKind
	Message      string
	AppliedCount int
	Duration     time.Duration
}

type RunRepository interface {
	Create(ctx context.Context, run *domain.RebuildRun) error
	Update(ctx context.Context, run *domain.RebuildRun) error
	FindByID(ctx context.Context, id string) (*domain.RebuildRun, error)
	List(ctx context.Context, page, pageSize int, status string) ([]*domain.RebuildRun, int64, error)
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, out RunOutcome) error
	MarkFailed(ctx context.Context, id string, f RunFailure) error
	StatusCounts(ctx context.Context) (map[string]int64, int64, error)
	FailInterrupted(ctx context.Context, reason string) (int64, error)
	ResetFailed(ctx context.Context, id string) error
}

type runRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRunRepository(db *gorm.DB, logger *logrus.Logger) RunRepository {
	return &runRepo{db: db, logger: logger}
}

func (r *runRepo) Create(ctx context.Context, run *domain.RebuildRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusQueued
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *runRepo) Update(ctx context.Context, run *domain.RebuildRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *runRepo) FindByID(ctx context.Context, id string) (*domain.RebuildRun, error) {
	var run domain.RebuildRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// List 分页查询，status 为空时不过滤
func (r *runRepo) List(ctx context.Context, page, pageSize int, status string) ([]*domain.RebuildRun, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	query := r.db.WithContext(ctx).Model(&domain.RebuildRun{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []*domain.RebuildRun
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&runs).Error
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// MarkRunning 只有排队中的记录可以开始执行
func (r *runRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.RebuildRun{}).
		Where("id = ? AND status = ?", id, domain.RunStatusQueued).
		Updates(map[string]interface{}{
			"status":     domain.RunStatusRunning,
			"started_at": &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotQueued, id)
	}
	return nil
}

func (r *runRepo) MarkCompleted(ctx context.Context, id string, out RunOutcome) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.RebuildRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         domain.RunStatusCompleted,
			"output_path":    out.OutputPath,
			"output_sha256":  out.OutputSHA256,
			"output_size":    out.OutputSize,
			"applied_scheme": out.AppliedScheme,
			"applied_count":  out.AppliedCount,
			"touched_units":  out.TouchedUnits,
			"signer_subject": out.SignerSubject,
			"duration_ms":    out.Duration.Milliseconds(),
			"completed_at":   &now,
		})
	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("run_id", id).Error("Failed to mark run completed")
		return result.Error
	}
	return nil
}

func (r *runRepo) MarkFailed(ctx context.Context, id string, f RunFailure) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.RebuildRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.RunStatusFailed,
			"failed_stage":  f.Stage,
			"failure_kind":  f.Kind,
			"error_message": f.Message,
			"applied_count": f.AppliedCount,
			"duration_ms":   f.Duration.Milliseconds(),
			"completed_at":  &now,
		})
	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("run_id", id).Error("Failed to mark run failed")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"run_id":           id,
		"stage":            f.Stage,
		"failure_kind":     f.Kind,
		"failure_severity": f.Kind.GetSeverity(),
		"display_name":     f.Kind.GetDisplayName(),
	}).Warn("Rebuild run marked as failed")
	return nil
}

// FailInterrupted 将服务重启前仍在执行的记录标记为失败
func (r *runRepo) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.RebuildRun{}).
		Where("status = ?", domain.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.RunStatusFailed,
			"failure_kind":  domain.FailureKindInternal,
			"error_message": reason,
			"completed_at":  &now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ResetFailed 清除失败信息并重新排队
func (r *runRepo) ResetFailed(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RebuildRun{}).
		Where("id = ? AND status = ?", id, domain.RunStatusFailed).
		Updates(map[string]interface{}{
			"status":        domain.RunStatusQueued,
			"failed_stage":  "",
			"failure_kind":  domain.FailureKindNone,
			"error_message": "",
			"applied_count": 0,
			"duration_ms":   0,
			"started_at":    nil,
			"completed_at":  nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFailed, id)
	}
	return nil
}

// StatusCounts 各状态数量（数据库聚合），缺失的状态补零
func (r *runRepo) StatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.RebuildRun{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	counts := make(map[string]int64, len(domain.AllRunStatuses))
	for _, s := range domain.AllRunStatuses {
		counts[string(s)] = 0
	}
	var total int64
	for _, row := range results {
		counts[row.Status] = row.Count
		total += row.Count
	}
	return counts, total, nil
}
