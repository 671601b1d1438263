package patch

import (
	"fmt"
	"strings"

	"github.com/apk-analysis/apk-rebuild-go/internal/dex"
)

// Constant 生成到常量类中的 String 常量
type Constant struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// LoaderOptions 注入 native 库加载的参数
type LoaderOptions struct {
	// Activity 在其 onCreate 开头调用 System.loadLibrary
	Activity string `yaml:"activity"`
	// Library 库名，不含 lib 前缀与 .so 后缀
	Library string `yaml:"library"`
	// ConstantsClass 为空时不生成常量类
	ConstantsClass string     `yaml:"constants_class"`
	Constants      []Constant `yaml:"constants"`
}

const onCreateSignature = "onCreate(Landroid/os/Bundle;)V"

// LibraryLoader 生成两条指令：在 Activity.onCreate 方法体开头加载 native 库；
// 生成包含 public static final String 常量的类，供 native 层读取配置
func LibraryLoader(opts LoaderOptions) []Instruction {
	load := Instruction{
		Op: OpInsert,
		Target: Target{
			Class:  opts.Activity,
			Method: onCreateSignature,
		},
		Content: fmt.Sprintf("    const-string v0, \"%s\"\n"+
			"    invoke-static {v0}, Ljava/lang/System;->loadLibrary(Ljava/lang/String;)V\n",
			EscapeSmaliString(opts.Library)),
	}
	if opts.ConstantsClass == "" {
		return []Instruction{load}
	}

	desc := dex.ClassDescriptor(opts.ConstantsClass)
	var b strings.Builder
	fmt.Fprintf(&b, ".class public final %s\n", desc)
	b.WriteString(".super Ljava/lang/Object;\n\n")
	for _, c := range opts.Constants {
		fmt.Fprintf(&b, ".field public static final %s:Ljava/lang/String; = \"%s\"\n", c.Name, EscapeSmaliString(c.Value))
	}
	constants := Instruction{
		Op:      OpInsert,
		Target:  Target{Class: desc},
		Content: b.String(),
	}
	return []Instruction{load, constants}
}
