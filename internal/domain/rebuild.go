package domain

import (
	"time"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// AllRunStatuses 全部状态，用于统计时补零
var AllRunStatuses = []RunStatus{RunStatusQueued, RunStatusRunning, RunStatusCompleted, RunStatusFailed}

// RunSource 触发来源
type RunSource string

const (
	RunSourceAPI     RunSource = "api"
	RunSourceWatcher RunSource = "watcher"
	RunSourceQueue   RunSource = "queue"
	RunSourceCLI     RunSource = "cli"
)

// FailureKind 失败分类，与流水线错误分类一一对应
type FailureKind string

const (
	FailureKindNone                      FailureKind = ""
	FailureKindMalformedArchive          FailureKind = "MalformedArchive"
	FailureKindEntryNotFound             FailureKind = "EntryNotFound"
	FailureKindUnsupportedBytecodeFormat FailureKind = "UnsupportedBytecodeFormat"
	FailureKindReassemblyConflict        FailureKind = "ReassemblyConflict"
	FailureKindPatchConflict             FailureKind = "PatchConflict"
	FailureKindAlignmentInfeasible       FailureKind = "AlignmentInfeasible"
	FailureKindSigningFailed             FailureKind = "SigningFailed"
	FailureKindPipelineTimeout           FailureKind = "PipelineTimeout"
	FailureKindInternal                  FailureKind = "Internal"
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 成功或进行中
	FailureSeverityWarning FailureSeverity = "warning" // 输入问题，需要调用方修正
	FailureSeverityError   FailureSeverity = "error"   // 环境或程序问题，需要排查
)

// GetSeverity 获取失败分类对应的严重程度
func (k FailureKind) GetSeverity() FailureSeverity {
	switch k {
	case FailureKindNone:
		return FailureSeverityNormal
	case FailureKindMalformedArchive, FailureKindEntryNotFound, FailureKindUnsupportedBytecodeFormat,
		FailureKindPatchConflict, FailureKindReassemblyConflict:
		return FailureSeverityWarning
	default:
		return FailureSeverityError
	}
}

// GetDisplayName 获取失败分类的中文显示名称
func (k FailureKind) GetDisplayName() string {
	switch k {
	case FailureKindNone:
		return ""
	case FailureKindMalformedArchive:
		return "APK 损坏"
	case FailureKindEntryNotFound:
		return "条目不存在"
	case FailureKindUnsupportedBytecodeFormat:
		return "不支持的字节码"
	case FailureKindReassemblyConflict:
		return "回编失败"
	case FailureKindPatchConflict:
		return "补丁冲突"
	case FailureKindAlignmentInfeasible:
		return "无法对齐"
	case FailureKindSigningFailed:
		return "签名失败"
	case FailureKindPipelineTimeout:
		return "执行超时"
	default:
		return "内部错误"
	}
}

// RebuildRun 一次重建记录
type RebuildRun struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	APKName    string    `gorm:"type:varchar(255);not null;index:idx_apk_name" json:"apk_name"`
	Source     RunSource `gorm:"type:varchar(20);not null;default:'api'" json:"source"`
	InputPath  string    `gorm:"type:varchar(1024);not null" json:"-"`
	OutputPath string    `gorm:"type:varchar(1024)" json:"-"`
	PatchSet   string    `gorm:"type:varchar(255)" json:"patch_set,omitempty"`

	Status        RunStatus   `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	Scheme        string      `gorm:"type:varchar(10);default:'auto'" json:"scheme"`           // 请求的签名偏好
	AppliedScheme string      `gorm:"type:varchar(20)" json:"applied_scheme,omitempty"`        // 实际使用的方案
	FailedStage   string      `gorm:"type:varchar(30)" json:"failed_stage,omitempty"`          // 失败所在阶段
	FailureKind   FailureKind `gorm:"type:varchar(40);default:''" json:"failure_kind,omitempty"` // 失败分类
	ErrorMessage  string      `gorm:"type:text" json:"error_message,omitempty"`

	InstructionCount int    `gorm:"default:0" json:"instruction_count"`
	AppliedCount     int    `gorm:"default:0" json:"applied_count"`
	TouchedUnits     string `gorm:"type:varchar(1024)" json:"touched_units,omitempty"` // 逗号分隔
	InputSHA256      string `gorm:"type:char(64)" json:"input_sha256,omitempty"`
	OutputSHA256     string `gorm:"type:char(64)" json:"output_sha256,omitempty"`
	OutputSize       int64  `gorm:"default:0" json:"output_size"`
	SignerSubject    string `gorm:"type:varchar(255)" json:"signer_subject,omitempty"`
	DurationMS       int64  `gorm:"default:0" json:"duration_ms"`

	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (RebuildRun) TableName() string {
	return "apk_rebuild_runs"
}

// IsTerminal 是否已结束
func (r *RebuildRun) IsTerminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}
