// Package patch 将调用方提供的编辑指令依次应用到 smali 中间表示上。
//
// 指令按给定顺序执行，后续指令可以引用前面指令创建的位置。单条指令是原子的：
// 目标无法解析时该指令不产生任何修改，但之前已成功的指令保持生效，
// 已生效的指令序号通过 ConflictError.Applied 返回给调用方。
package patch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrPatchConflict 指令目标位置无法解析
var ErrPatchConflict = errors.New("patch conflict")

// Op 指令类型
type Op string

const (
	OpInsert  Op = "insert"
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// Position 插入位置（相对锚点行）
type Position string

const (
	After  Position = "after"
	Before Position = "before"
)

// Target 指令寻址：unit -> class -> method -> anchor
type Target struct {
	Unit   string `yaml:"unit,omitempty" json:"unit,omitempty"`
	Class  string `yaml:"class" json:"class"`
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	Anchor string `yaml:"anchor,omitempty" json:"anchor,omitempty"`
}

func (t Target) String() string {
	var b strings.Builder
	if t.Unit != "" {
		b.WriteString(t.Unit)
		b.WriteString(":")
	}
	b.WriteString(t.Class)
	if t.Method != "" {
		b.WriteString("->")
		b.WriteString(t.Method)
	}
	if t.Anchor != "" {
		fmt.Fprintf(&b, " /%s/", t.Anchor)
	}
	return b.String()
}

// Instruction 单条编辑指令
type Instruction struct {
	Op       Op       `yaml:"op" json:"op"`
	Target   Target   `yaml:"target" json:"target"`
	Position Position `yaml:"position,omitempty" json:"position,omitempty"`
	Content  string   `yaml:"content,omitempty" json:"content,omitempty"`
}

// Validate 检查指令自身是否完整（不涉及目标是否存在）
func (in Instruction) Validate() error {
	switch in.Op {
	case OpInsert, OpReplace:
		if in.Content == "" && in.Op == OpInsert {
			return fmt.Errorf("insert requires content")
		}
	case OpRemove:
		if in.Content != "" {
			return fmt.Errorf("remove does not take content")
		}
	default:
		return fmt.Errorf("unknown op %q", in.Op)
	}
	switch in.Position {
	case "", After, Before:
	default:
		return fmt.Errorf("unknown position %q", in.Position)
	}
	if strings.TrimSpace(in.Target.Class) == "" {
		return fmt.Errorf("target class is required")
	}
	if in.Target.Anchor != "" {
		if _, err := regexp.Compile(in.Target.Anchor); err != nil {
			return fmt.Errorf("invalid anchor: %v", err)
		}
	}
	return nil
}

// ConflictError 指令失败详情
type ConflictError struct {
	Index   int
	Op      Op
	Target  Target
	Reason  string
	Applied []int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("patch conflict at instruction %d (%s %s): %s; %d instruction(s) already applied",
		e.Index, e.Op, e.Target, e.Reason, len(e.Applied))
}

func (e *ConflictError) Unwrap() error { return ErrPatchConflict }
