package dex

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SmaliToolOptions baksmali/smali 运行参数
type SmaliToolOptions struct {
	JavaPath    string
	BaksmaliJar string
	SmaliJar    string
	APILevel    int
	WorkDir     string // 临时目录的父目录，为空时使用系统默认
}

// SmaliTool 通过 java -jar 调用 baksmali/smali 的 Disassembler 实现
//
// 每次调用使用独立的临时目录，调用结束即删除。
type SmaliTool struct {
	opts   SmaliToolOptions
	logger *logrus.Logger
}

// NewSmaliTool 创建 smali 适配器
func NewSmaliTool(opts SmaliToolOptions, logger *logrus.Logger) *SmaliTool {
	if opts.JavaPath == "" {
		opts.JavaPath = "java"
	}
	if opts.APILevel == 0 {
		opts.APILevel = 21
	}
	return &SmaliTool{opts: opts, logger: logger}
}

// Unpack 将 DEX 反汇编为 smali 类集合
func (t *SmaliTool) Unpack(ctx context.Context, entry string, data []byte) (*Unit, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", entry, err)
	}

	dir, err := os.MkdirTemp(t.opts.WorkDir, "baksmali-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.dex")
	out := filepath.Join(dir, "out")
	if err := os.WriteFile(in, data, 0600); err != nil {
		return nil, fmt.Errorf("write dex: %w", err)
	}
	if err := t.run(ctx, t.opts.BaksmaliJar, "d", in, "-o", out, "--api", strconv.Itoa(t.opts.APILevel)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: baksmali %s: %v", ErrUnsupportedBytecodeFormat, entry, err)
	}

	unit := NewUnit(entry, h.Version)
	err = filepath.WalkDir(out, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".smali") {
			return nil
		}
		src, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if _, err := unit.AddSource(string(src)); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read smali output: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"entry":   entry,
		"version": h.Version,
		"classes": unit.Len(),
	}).Debug("Disassembled dex")
	return unit, nil
}

// Pack 将 smali 类集合汇编为 DEX
func (t *SmaliTool) Pack(ctx context.Context, unit *Unit) ([]byte, error) {
	dir, err := os.MkdirTemp(t.opts.WorkDir, "smali-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "src")
	for _, desc := range unit.Classes() {
		body, _ := unit.Class(desc)
		p := filepath.Join(src, filepath.FromSlash(ClassFileName(desc)))
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return nil, fmt.Errorf("create class dir: %w", err)
		}
		if err := os.WriteFile(p, []byte(body), 0600); err != nil {
			return nil, fmt.Errorf("write %s: %w", desc, err)
		}
	}

	out := filepath.Join(dir, "out.dex")
	if err := t.run(ctx, t.opts.SmaliJar, "a", src, "-o", out, "--api", strconv.Itoa(t.opts.APILevel)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: smali %s: %v", ErrReassemblyConflict, unit.Entry(), err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("%w: read smali output: %v", ErrReassemblyConflict, err)
	}
	if err := CheckLimits(data); err != nil {
		return nil, fmt.Errorf("%s: %w", unit.Entry(), err)
	}
	return data, nil
}

func (t *SmaliTool) run(ctx context.Context, jar string, args ...string) error {
	start := time.Now()
	cmdArgs := append([]string{"-jar", jar}, args...)
	cmd := exec.CommandContext(ctx, t.opts.JavaPath, cmdArgs...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	t.logger.WithFields(logrus.Fields{
		"jar":      filepath.Base(jar),
		"command":  args[0],
		"duration": time.Since(start).String(),
	}).Debug("Smali tool finished")
	if err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(output.String()))
	}
	return nil
}
