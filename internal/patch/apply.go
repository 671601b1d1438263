package patch

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/apk-analysis/apk-rebuild-go/internal/dex"
)

// DefaultUnit 新建类时的默认目标
const DefaultUnit = "classes.dex"

// Result 应用结果
type Result struct {
	Applied []int    // 成功的指令序号
	Touched []string // 被修改的 unit（条目路径，升序）
}

// Apply 按顺序应用指令，遇到第一条无法解析的指令即返回 *ConflictError
//
// 失败时返回的 Result 仍然有效，描述失败前已生效的修改。
func Apply(units map[string]*dex.Unit, instructions []Instruction) (*Result, error) {
	res := &Result{}
	touched := make(map[string]bool)
	defer func() {
		for u := range touched {
			res.Touched = append(res.Touched, u)
		}
		sort.Strings(res.Touched)
	}()

	for i, in := range instructions {
		unit, err := applyOne(units, in)
		if err != nil {
			return res, &ConflictError{
				Index:   i,
				Op:      in.Op,
				Target:  in.Target,
				Reason:  err.Error(),
				Applied: append([]int(nil), res.Applied...),
			}
		}
		res.Applied = append(res.Applied, i)
		touched[unit] = true
	}
	return res, nil
}

func applyOne(units map[string]*dex.Unit, in Instruction) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	desc := dex.ClassDescriptor(in.Target.Class)
	unit, err := resolveUnit(units, in.Target.Unit, desc)
	if err != nil {
		return "", err
	}

	src, ok := unit.Class(desc)
	if !ok {
		if in.Op == OpInsert && in.Target.Method == "" && in.Target.Anchor == "" {
			if err := checkClassContent(in.Content, desc); err != nil {
				return "", err
			}
			unit.SetClass(desc, withNewline(in.Content))
			return unit.Entry(), nil
		}
		return "", fmt.Errorf("class %s not found in %s", desc, unit.Entry())
	}

	out, removed, err := edit(src, desc, in)
	if err != nil {
		return "", err
	}
	if removed {
		unit.RemoveClass(desc)
	} else {
		unit.SetClass(desc, out)
	}
	return unit.Entry(), nil
}

// resolveUnit 指定 unit 时直接查找；否则选唯一包含该类的 unit，多个 unit 都有时报歧义，都没有时回落到 DefaultUnit
func resolveUnit(units map[string]*dex.Unit, name, desc string) (*dex.Unit, error) {
	if name != "" {
		u, ok := units[name]
		if !ok {
			return nil, fmt.Errorf("unit %s not found", name)
		}
		return u, nil
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("no bytecode units available")
	}
	names := make([]string, 0, len(units))
	for n := range units {
		names = append(names, n)
	}
	sort.Strings(names)
	var holders []string
	for _, n := range names {
		if _, ok := units[n].Class(desc); ok {
			holders = append(holders, n)
		}
	}
	switch len(holders) {
	case 0:
	case 1:
		return units[holders[0]], nil
	default:
		return nil, fmt.Errorf("class %s is ambiguous (defined in %s), set target.unit", desc, strings.Join(holders, ", "))
	}
	if u, ok := units[DefaultUnit]; ok {
		return u, nil
	}
	return units[names[0]], nil
}

func edit(src, desc string, in Instruction) (string, bool, error) {
	lines := splitLines(src)
	from, to := 0, len(lines)

	var span methodSpan
	if in.Target.Method != "" {
		sp, err := findMethod(lines, in.Target.Method)
		if err != nil {
			return "", false, err
		}
		span = sp
		from, to = sp.start, sp.end+1
	}

	anchor := -1
	var re *regexp.Regexp
	if in.Target.Anchor != "" {
		re = regexp.MustCompile(in.Target.Anchor)
		idx, err := findAnchor(lines, from, to, re)
		if err != nil {
			return "", false, err
		}
		anchor = idx
	}

	switch in.Op {
	case OpInsert:
		content := contentLines(in.Content)
		switch {
		case anchor >= 0:
			at := anchor + 1
			if in.Position == Before {
				at = anchor
			}
			lines = splice(lines, at, 0, content)
		case in.Target.Method != "":
			lines = splice(lines, bodyStart(lines, span), 0, content)
		default:
			lines = appendMember(lines, content)
		}

	case OpReplace:
		switch {
		case anchor >= 0:
			replaced := re.ReplaceAllString(lines[anchor], in.Content)
			lines = splice(lines, anchor, 1, splitLines(replaced))
		case in.Target.Method != "":
			lines = splice(lines, span.start, span.end-span.start+1, contentLines(in.Content))
		default:
			if err := checkClassContent(in.Content, desc); err != nil {
				return "", false, err
			}
			return withNewline(in.Content), false, nil
		}

	case OpRemove:
		switch {
		case anchor >= 0:
			lines = splice(lines, anchor, 1, nil)
		case in.Target.Method != "":
			lines = splice(lines, span.start, span.end-span.start+1, nil)
		default:
			return "", true, nil
		}
	}
	return joinLines(lines), false, nil
}

// appendMember 在类末尾追加成员（方法/字段），以空行分隔
func appendMember(lines, content []string) []string {
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	out := append([]string(nil), lines[:end]...)
	out = append(out, "")
	out = append(out, content...)
	return append(out, "")
}

func checkClassContent(content, desc string) error {
	got, err := dex.ParseClassDescriptor(content)
	if err != nil {
		return fmt.Errorf("class content: %v", err)
	}
	if got != desc {
		return fmt.Errorf("class content declares %s, target is %s", got, desc)
	}
	return nil
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
