package pipeline

import (
	"errors"
	"fmt"

	"github.com/apk-analysis/apk-rebuild-go/internal/align"
	"github.com/apk-analysis/apk-rebuild-go/internal/archive"
	"github.com/apk-analysis/apk-rebuild-go/internal/dex"
	"github.com/apk-analysis/apk-rebuild-go/internal/patch"
	"github.com/apk-analysis/apk-rebuild-go/internal/signing"
)

// ErrPipelineTimeout 运行超过调用方给定的时限或被取消
var ErrPipelineTimeout = errors.New("pipeline timeout")

// 错误分类名称
const (
	KindMalformedArchive          = "MalformedArchive"
	KindEntryNotFound             = "EntryNotFound"
	KindUnsupportedBytecodeFormat = "UnsupportedBytecodeFormat"
	KindReassemblyConflict        = "ReassemblyConflict"
	KindPatchConflict             = "PatchConflict"
	KindAlignmentInfeasible       = "AlignmentInfeasible"
	KindSigningFailed             = "SigningFailed"
	KindPipelineTimeout           = "PipelineTimeout"
	KindInternal                  = "Internal"
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrPipelineTimeout, KindPipelineTimeout},
	{patch.ErrPatchConflict, KindPatchConflict},
	{dex.ErrUnsupportedBytecodeFormat, KindUnsupportedBytecodeFormat},
	{dex.ErrReassemblyConflict, KindReassemblyConflict},
	{align.ErrAlignmentInfeasible, KindAlignmentInfeasible},
	{signing.ErrSigningFailed, KindSigningFailed},
	{archive.ErrEntryNotFound, KindEntryNotFound},
	{archive.ErrMalformedArchive, KindMalformedArchive},
}

// Kind 返回错误所属分类，无法识别时为 Internal
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return KindInternal
}

// StageError 带阶段标记的失败。Archive 为已恢复的最近检查点，
// 加载阶段之前失败时为 nil。
type StageError struct {
	Stage   Stage
	Err     error
	Applied []int
	Archive *archive.Archive
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline failed at %s (%s): %v", e.Stage, Kind(e.Err), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Kind 错误分类
func (e *StageError) Kind() string { return Kind(e.Err) }
