package patch

import (
	"fmt"
	"regexp"
	"strings"
)

// methodSpan .method 行与 .end method 行的下标（闭区间）
type methodSpan struct {
	start int
	end   int
}

func splitLines(src string) []string {
	return strings.Split(src, "\n")
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

// contentLines 指令内容按行切分，去掉末尾换行
func contentLines(content string) []string {
	content = strings.TrimRight(content, "\r\n")
	if content == "" {
		return nil
	}
	return splitLines(content)
}

// methodMatches 选择器为 "name" 或完整签名 "name(args)ret"
func methodMatches(line, selector string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != ".method" {
		return false
	}
	sig := fields[len(fields)-1]
	if strings.Contains(selector, "(") {
		return sig == selector
	}
	return strings.HasPrefix(sig, selector+"(")
}

func findMethod(lines []string, selector string) (methodSpan, error) {
	var found []methodSpan
	for i := 0; i < len(lines); i++ {
		if !methodMatches(lines[i], selector) {
			continue
		}
		end := -1
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == ".end method" {
				end = j
				break
			}
		}
		if end < 0 {
			return methodSpan{}, fmt.Errorf("method %s has no .end method", selector)
		}
		found = append(found, methodSpan{start: i, end: end})
		i = end
	}
	switch len(found) {
	case 0:
		return methodSpan{}, fmt.Errorf("method %s not found", selector)
	case 1:
		return found[0], nil
	default:
		return methodSpan{}, fmt.Errorf("method %s is ambiguous (%d overloads)", selector, len(found))
	}
}

// bodyStart 方法体插入点：.registers/.locals 之后，没有则紧跟 .method 行
func bodyStart(lines []string, span methodSpan) int {
	for i := span.start + 1; i < span.end; i++ {
		t := strings.TrimSpace(lines[i])
		if strings.HasPrefix(t, ".registers") || strings.HasPrefix(t, ".locals") {
			return i + 1
		}
	}
	return span.start + 1
}

// findAnchor 锚点在 [from, to) 内必须恰好匹配一行
func findAnchor(lines []string, from, to int, re *regexp.Regexp) (int, error) {
	var found []int
	for i := from; i < to; i++ {
		if re.MatchString(lines[i]) {
			found = append(found, i)
		}
	}
	switch len(found) {
	case 0:
		return 0, fmt.Errorf("anchor /%s/ not found", re)
	case 1:
		return found[0], nil
	default:
		return 0, fmt.Errorf("anchor /%s/ is ambiguous (%d matching lines)", re, len(found))
	}
}

func splice(lines []string, at, drop int, insert []string) []string {
	out := make([]string, 0, len(lines)-drop+len(insert))
	out = append(out, lines[:at]...)
	out = append(out, insert...)
	return append(out, lines[at+drop:]...)
}

// EscapeSmaliString 转义 smali 字符串常量：去掉换行，转义反斜杠与双引号
func EscapeSmaliString(s string) string {
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
