package dex

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"
)

// Disassembler DEX 与中间表示之间的转换器
//
// 实现必须无状态：两次调用之间不得依赖内部状态，不同条目可并发调用。
type Disassembler interface {
	Unpack(ctx context.Context, entry string, data []byte) (*Unit, error)
	Pack(ctx context.Context, unit *Unit) ([]byte, error)
}

// Unit 单个 DEX 条目的可编辑表示：类描述符 -> smali 源码
type Unit struct {
	entry    string
	version  string
	classes  map[string]string
	modified bool
}

// NewUnit 创建空的中间表示
func NewUnit(entry, version string) *Unit {
	return &Unit{
		entry:   entry,
		version: version,
		classes: make(map[string]string),
	}
}

// Entry 来源归档条目路径
func (u *Unit) Entry() string { return u.entry }

// Version 来源 DEX 版本号（如 "035"）
func (u *Unit) Version() string { return u.version }

// Modified 是否被修改过
func (u *Unit) Modified() bool { return u.modified }

// Len 类数量
func (u *Unit) Len() int { return len(u.classes) }

// Class 按描述符返回类源码
func (u *Unit) Class(descriptor string) (string, bool) {
	s, ok := u.classes[descriptor]
	return s, ok
}

// Classes 按字典序返回全部类描述符
func (u *Unit) Classes() []string {
	out := make([]string, 0, len(u.classes))
	for d := range u.classes {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// SetClass 新增或覆盖类
func (u *Unit) SetClass(descriptor, source string) {
	u.classes[descriptor] = source
	u.modified = true
}

// RemoveClass 删除类
func (u *Unit) RemoveClass(descriptor string) bool {
	if _, ok := u.classes[descriptor]; !ok {
		return false
	}
	delete(u.classes, descriptor)
	u.modified = true
	return true
}

// Clone 深拷贝
func (u *Unit) Clone() *Unit {
	c := NewUnit(u.entry, u.version)
	for k, v := range u.classes {
		c.classes[k] = v
	}
	c.modified = u.modified
	return c
}

// AddSource 解包时加入一个类的源码，不标记修改
func (u *Unit) AddSource(source string) (string, error) {
	desc, err := ParseClassDescriptor(source)
	if err != nil {
		return "", err
	}
	u.classes[desc] = source
	return desc, nil
}

// ClassDescriptor 将 com.example.Main 或 Lcom/example/Main; 统一为描述符形式
func ClassDescriptor(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "L") && strings.HasSuffix(name, ";") {
		return name
	}
	return "L" + strings.ReplaceAll(name, ".", "/") + ";"
}

// ClassFileName 描述符对应的 smali 相对路径
func ClassFileName(descriptor string) string {
	return strings.TrimSuffix(strings.TrimPrefix(descriptor, "L"), ";") + ".smali"
}

// ParseClassDescriptor 从 smali 源码的 .class 指令中读取类描述符
func ParseClassDescriptor(source string) (string, error) {
	sc := bufio.NewScanner(strings.NewReader(source))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, ".class") {
			break
		}
		fields := strings.Fields(line)
		desc := fields[len(fields)-1]
		if strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";") {
			return desc, nil
		}
		break
	}
	return "", fmt.Errorf("%w: missing .class directive", ErrUnsupportedBytecodeFormat)
}
