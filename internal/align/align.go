// Package align 负责 zip 对齐：通过本地文件头 extra 字段填充，使未压缩条目的数据
// 起始偏移满足对齐要求，条目内容与 CRC 不变。
package align

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/apk-analysis/apk-rebuild-go/internal/archive"
)

// ErrAlignmentInfeasible 在 extra 字段容量内无法满足对齐要求
var ErrAlignmentInfeasible = errors.New("alignment infeasible")

// ErrMisaligned Verify 发现未对齐条目
var ErrMisaligned = errors.New("entry misaligned")

const (
	// alignmentExtraID Android zipalign 使用的对齐 extra 字段
	alignmentExtraID = 0xd935
	// alignmentFieldMin header(4) + alignment(2)
	alignmentFieldMin = 6
	// PageSize native 库页对齐大小
	PageSize = 4096
)

// Options 对齐选项
type Options struct {
	// PageAlignNativeLibs 未压缩 .so 按 4096 对齐
	PageAlignNativeLibs bool
}

// Aligned 对齐完成的凭证；只能由 Align 创建，V2 签名阶段以此为输入
type Aligned struct {
	archive *archive.Archive
	opts    Options
	end     int64
}

// Archive 返回已对齐的归档
func (a *Aligned) Archive() *archive.Archive { return a.archive }

// Options 对齐时使用的选项
func (a *Aligned) Options() Options { return a.opts }

// EntriesEnd 条目区结束偏移
func (a *Aligned) EntriesEnd() int64 { return a.end }

// Alignment 条目的实际对齐要求
func Alignment(e *archive.Entry, opts Options) int {
	n := e.DesiredAlignment()
	if opts.PageAlignNativeLibs && e.Method() == archive.Stored && archive.IsNativeLibrary(e.Path()) {
		return PageSize
	}
	return n
}

// ComputePadding 返回条目放在 offset 处时需要追加的对齐 extra 字段长度（0 表示无需填充）
func ComputePadding(e *archive.Entry, alignment int, offset int64) (int, error) {
	if alignment <= 1 {
		return 0, nil
	}
	if alignment > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %s alignment %d exceeds field range", ErrAlignmentInfeasible, e.Path(), alignment)
	}
	base := StripPadding(e.LocalExtra())
	dataOffset := offset + int64(e.LeadingGap()) + int64(30+len(e.Path())+len(base))
	if dataOffset%int64(alignment) == 0 {
		return 0, nil
	}
	pad := int64(alignment) - (dataOffset+alignmentFieldMin)%int64(alignment)
	field := alignmentFieldMin + int(pad%int64(alignment))
	if len(base)+field > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %s extra field would be %d bytes", ErrAlignmentInfeasible, e.Path(), len(base)+field)
	}
	return field, nil
}

// Align 按顺序重新放置全部条目并写入对齐填充；对已对齐的归档重复执行输出不变
func Align(a *archive.Archive, opts Options) (*Aligned, error) {
	var offset int64
	for _, e := range a.Entries() {
		alignment := Alignment(e, opts)
		field, err := ComputePadding(e, alignment, offset)
		if err != nil {
			return nil, err
		}
		extra := StripPadding(e.LocalExtra())
		if field > 0 {
			extra = appendAlignmentField(extra, alignment, field)
		}
		e.SetLocalExtra(extra)
		offset += int64(e.LeadingGap()) + e.Span()
	}
	end := a.Layout()
	if err := Verify(a, opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlignmentInfeasible, err)
	}
	return &Aligned{archive: a, opts: opts, end: end}, nil
}

// Verify 检查每个条目的数据偏移是否满足对齐要求
func Verify(a *archive.Archive, opts Options) error {
	a.Layout()
	for _, e := range a.Entries() {
		alignment := Alignment(e, opts)
		if alignment <= 1 {
			continue
		}
		off, _ := e.DataOffset()
		if off%int64(alignment) != 0 {
			return fmt.Errorf("%w: %s data offset %d (mod %d = %d)",
				ErrMisaligned, e.Path(), off, alignment, off%int64(alignment))
		}
	}
	return nil
}

func appendAlignmentField(extra []byte, alignment, field int) []byte {
	extra = binary.LittleEndian.AppendUint16(extra, alignmentExtraID)
	extra = binary.LittleEndian.AppendUint16(extra, uint16(field-4))
	extra = binary.LittleEndian.AppendUint16(extra, uint16(alignment))
	return append(extra, make([]byte, field-alignmentFieldMin)...)
}

// StripPadding 去除已有的对齐填充：0xd935 字段以及旧版 zipalign 追加的全零字节
func StripPadding(extra []byte) []byte {
	out := make([]byte, 0, len(extra))
	rest := extra
	for len(rest) >= 4 {
		id := binary.LittleEndian.Uint16(rest)
		size := int(binary.LittleEndian.Uint16(rest[2:]))
		if 4+size > len(rest) {
			break
		}
		if id == 0 && allZero(rest[4:4+size]) {
			rest = rest[4+size:]
			continue
		}
		if id != alignmentExtraID {
			out = append(out, rest[:4+size]...)
		}
		rest = rest[4+size:]
	}
	if !allZero(rest) {
		out = append(out, rest...)
	}
	return out
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
