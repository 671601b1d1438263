package patch

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-rebuild-go/internal/dex"
)

const mainActivity = `.class public Lcom/example/MainActivity;
.super Landroid/app/Activity;

.method public constructor <init>()V
    .registers 1
    invoke-direct {p0}, Landroid/app/Activity;-><init>()V
    return-void
.end method

.method public onCreate(Landroid/os/Bundle;)V
    .registers 3
    invoke-super {p0, p1}, Landroid/app/Activity;->onCreate(Landroid/os/Bundle;)V
    const-string v0, "hello"
    return-void
.end method
`

func newUnits() map[string]*dex.Unit {
	u := dex.NewUnit("classes.dex", "035")
	u.SetClass("Lcom/example/MainActivity;", mainActivity)
	u2 := dex.NewUnit("classes2.dex", "035")
	u2.SetClass("Lcom/example/Util;", ".class public Lcom/example/Util;\n.super Ljava/lang/Object;\n")
	return map[string]*dex.Unit{"classes.dex": u, "classes2.dex": u2}
}

func class(t *testing.T, units map[string]*dex.Unit, unit, desc string) string {
	t.Helper()
	src, ok := units[unit].Class(desc)
	require.True(t, ok, "class %s missing", desc)
	return src
}

func TestApply_InsertAfterPrologue(t *testing.T) {
	units := newUnits()
	res, err := Apply(units, []Instruction{{
		Op:      OpInsert,
		Target:  Target{Class: "com.example.MainActivity", Method: "onCreate"},
		Content: "    const-string v0, \"sinum\"\n    invoke-static {v0}, Ljava/lang/System;->loadLibrary(Ljava/lang/String;)V\n",
	}})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Applied)
	assert.Equal(t, []string{"classes.dex"}, res.Touched)

	src := class(t, units, "classes.dex", "Lcom/example/MainActivity;")
	assert.Contains(t, src, "    .registers 3\n    const-string v0, \"sinum\"\n    invoke-static {v0}")
}

func TestApply_AnchoredEdits(t *testing.T) {
	tests := []struct {
		name  string
		in    Instruction
		check func(t *testing.T, src string)
	}{
		{
			name: "锚点前插入",
			in: Instruction{Op: OpInsert, Position: Before,
				Target:  Target{Class: "com.example.MainActivity", Method: "onCreate", Anchor: `return-void`},
				Content: "    nop"},
			check: func(t *testing.T, src string) {
				assert.Contains(t, src, "\"hello\"\n    nop\n    return-void\n.end method")
			},
		},
		{
			name: "锚点后插入",
			in: Instruction{Op: OpInsert,
				Target:  Target{Class: "com.example.MainActivity", Anchor: `^\.super`},
				Content: ".implements Ljava/lang/Runnable;"},
			check: func(t *testing.T, src string) {
				assert.Contains(t, src, ".super Landroid/app/Activity;\n.implements Ljava/lang/Runnable;\n")
			},
		},
		{
			name: "带捕获组替换",
			in: Instruction{Op: OpReplace,
				Target:  Target{Class: "com.example.MainActivity", Method: "onCreate", Anchor: `"(\w+)"`},
				Content: `"patched-$1"`},
			check: func(t *testing.T, src string) {
				assert.Contains(t, src, `    const-string v0, "patched-hello"`)
			},
		},
		{
			name: "删除锚点行",
			in: Instruction{Op: OpRemove,
				Target: Target{Class: "com.example.MainActivity", Method: "onCreate", Anchor: `const-string`}},
			check: func(t *testing.T, src string) {
				assert.NotContains(t, src, "hello")
			},
		},
		{
			name: "删除方法",
			in:   Instruction{Op: OpRemove, Target: Target{Class: "com.example.MainActivity", Method: "<init>()V"}},
			check: func(t *testing.T, src string) {
				assert.NotContains(t, src, "constructor <init>")
				assert.Contains(t, src, "onCreate")
			},
		},
		{
			name: "替换方法",
			in: Instruction{Op: OpReplace,
				Target:  Target{Class: "com.example.MainActivity", Method: "onCreate"},
				Content: ".method public onCreate(Landroid/os/Bundle;)V\n    .registers 2\n    return-void\n.end method"},
			check: func(t *testing.T, src string) {
				assert.Contains(t, src, "    .registers 2\n    return-void\n.end method")
				assert.NotContains(t, src, "invoke-super")
			},
		},
		{
			name: "类末尾追加方法",
			in: Instruction{Op: OpInsert,
				Target:  Target{Class: "com.example.MainActivity"},
				Content: ".method public run()V\n    .registers 1\n    return-void\n.end method\n"},
			check: func(t *testing.T, src string) {
				assert.True(t, strings.HasSuffix(src, ".end method\n\n.method public run()V\n    .registers 1\n    return-void\n.end method\n"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units := newUnits()
			_, err := Apply(units, []Instruction{tt.in})
			require.NoError(t, err)
			tt.check(t, class(t, units, "classes.dex", "Lcom/example/MainActivity;"))
		})
	}
}

func TestApply_CreateClassThenTarget(t *testing.T) {
	units := newUnits()
	res, err := Apply(units, []Instruction{
		{
			Op:      OpInsert,
			Target:  Target{Class: "io.sinum.Sinum"},
			Content: ".class Lio/sinum/Sinum;\n.super Ljava/lang/Object;\n",
		},
		{
			Op:      OpInsert,
			Target:  Target{Class: "io.sinum.Sinum", Anchor: `^\.super`},
			Content: `.field public static final HOST:Ljava/lang/String; = "example.com"`,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, res.Applied)

	src := class(t, units, "classes.dex", "Lio/sinum/Sinum;")
	assert.Contains(t, src, "HOST:Ljava/lang/String;")
}

func TestApply_ResolvesClassAcrossUnits(t *testing.T) {
	units := newUnits()
	res, err := Apply(units, []Instruction{{
		Op:     OpRemove,
		Target: Target{Class: "com.example.Util"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"classes2.dex"}, res.Touched)
	_, ok := units["classes2.dex"].Class("Lcom/example/Util;")
	assert.False(t, ok)
}

func TestApply_ConflictKeepsEarlierInstructions(t *testing.T) {
	units := newUnits()
	instructions := []Instruction{
		{Op: OpInsert, Target: Target{Class: "com.example.MainActivity", Method: "onCreate"}, Content: "    nop"},
		{Op: OpInsert, Target: Target{Class: "com.example.MainActivity", Method: "onDestroy"}, Content: "    nop"},
		{Op: OpRemove, Target: Target{Class: "com.example.MainActivity", Method: "onCreate"}},
	}

	res, err := Apply(units, instructions)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPatchConflict))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.Index)
	assert.Equal(t, []int{0}, conflict.Applied)
	assert.Contains(t, conflict.Reason, "onDestroy")
	assert.Equal(t, []int{0}, res.Applied)

	src := class(t, units, "classes.dex", "Lcom/example/MainActivity;")
	assert.Contains(t, src, ".registers 3\n    nop\n", "失败前的指令保持生效")
	assert.Contains(t, src, "onCreate", "失败后的指令不执行")
}

func TestApply_FailedInstructionIsAtomic(t *testing.T) {
	units := newUnits()
	_, err := Apply(units, []Instruction{{
		Op:      OpInsert,
		Target:  Target{Class: "com.example.MainActivity", Method: "onCreate", Anchor: `no-such-opcode`},
		Content: "    nop",
	}})
	assert.ErrorIs(t, err, ErrPatchConflict)
	assert.Equal(t, mainActivity, class(t, units, "classes.dex", "Lcom/example/MainActivity;"))
}

func TestApply_Conflicts(t *testing.T) {
	overloaded := mainActivity + "\n.method public onCreate()V\n    .registers 1\n    return-void\n.end method\n"

	tests := []struct {
		name string
		in   Instruction
	}{
		{"类不存在", Instruction{Op: OpRemove, Target: Target{Class: "com.example.Missing"}}},
		{"unit 不存在", Instruction{Op: OpRemove, Target: Target{Unit: "classes9.dex", Class: "com.example.MainActivity"}}},
		{"未知操作", Instruction{Op: "rename", Target: Target{Class: "com.example.MainActivity"}}},
		{"非法锚点", Instruction{Op: OpRemove, Target: Target{Class: "com.example.MainActivity", Anchor: "("}}},
		{"方法重载歧义", Instruction{Op: OpRemove, Target: Target{Unit: "classes3.dex", Class: "com.example.MainActivity", Method: "onCreate"}}},
		{"新类声明不符", Instruction{Op: OpInsert, Target: Target{Class: "com.example.New"}, Content: ".class Lcom/example/Other;\n"}},
		{"替换类声明不符", Instruction{Op: OpReplace, Target: Target{Class: "com.example.MainActivity"}, Content: ".class Lcom/example/Other;\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units := newUnits()
			u3 := dex.NewUnit("classes3.dex", "035")
			u3.SetClass("Lcom/example/MainActivity;", overloaded)
			units["classes3.dex"] = u3

			_, err := Apply(units, []Instruction{tt.in})
			var conflict *ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, 0, conflict.Index)
			assert.Empty(t, conflict.Applied)
		})
	}
}

func TestApply_AmbiguousSelectors(t *testing.T) {
	twoNops := strings.Replace(mainActivity, "    const-string v0, \"hello\"\n", "    nop\n    const-string v0, \"hello\"\n    nop\n", 1)

	t.Run("锚点匹配多行", func(t *testing.T) {
		units := newUnits()
		units["classes.dex"].SetClass("Lcom/example/MainActivity;", twoNops)
		instructions := []Instruction{
			{Op: OpInsert, Target: Target{Class: "com.example.Util"}, Content: ".field public static x:I"},
			{Op: OpRemove, Target: Target{Class: "com.example.MainActivity", Method: "onCreate", Anchor: `^\s+nop$`}},
		}

		res, err := Apply(units, instructions)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, 1, conflict.Index)
		assert.Equal(t, []int{0}, conflict.Applied)
		assert.Contains(t, conflict.Reason, "ambiguous")
		assert.Equal(t, []int{0}, res.Applied)
		assert.Equal(t, twoNops, class(t, units, "classes.dex", "Lcom/example/MainActivity;"), "歧义指令不修改类")
	})

	t.Run("锚点在方法范围内唯一", func(t *testing.T) {
		units := newUnits()
		// 两个方法都有 return-void，限定方法后只命中一行
		_, err := Apply(units, []Instruction{{
			Op: OpInsert, Position: Before,
			Target:  Target{Class: "com.example.MainActivity", Method: "<init>()V", Anchor: `return-void`},
			Content: "    nop",
		}})
		require.NoError(t, err)

		_, err = Apply(units, []Instruction{{
			Op:     OpRemove,
			Target: Target{Class: "com.example.MainActivity", Anchor: `return-void`},
		}})
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Contains(t, conflict.Reason, "2 matching lines")
	})

	t.Run("类存在于多个 unit", func(t *testing.T) {
		units := newUnits()
		dup := dex.NewUnit("classes3.dex", "035")
		dup.SetClass("Lcom/example/Util;", ".class public Lcom/example/Util;\n.super Ljava/lang/Object;\n")
		units["classes3.dex"] = dup
		instructions := []Instruction{
			{Op: OpInsert, Target: Target{Class: "com.example.MainActivity", Method: "onCreate"}, Content: "    nop"},
			{Op: OpRemove, Target: Target{Class: "com.example.Util"}},
		}

		res, err := Apply(units, instructions)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.ErrorIs(t, err, ErrPatchConflict)
		assert.Equal(t, 1, conflict.Index)
		assert.Equal(t, []int{0}, conflict.Applied)
		assert.Contains(t, conflict.Reason, "classes2.dex, classes3.dex")
		assert.Equal(t, []string{"classes.dex"}, res.Touched)
		_, ok := units["classes2.dex"].Class("Lcom/example/Util;")
		assert.True(t, ok)
		_, ok = units["classes3.dex"].Class("Lcom/example/Util;")
		assert.True(t, ok)

		// 指定 unit 后不再有歧义
		_, err = Apply(units, []Instruction{{Op: OpRemove, Target: Target{Unit: "classes3.dex", Class: "com.example.Util"}}})
		require.NoError(t, err)
		_, ok = units["classes3.dex"].Class("Lcom/example/Util;")
		assert.False(t, ok)
	})
}

func TestApply_Deterministic(t *testing.T) {
	instructions := LibraryLoader(LoaderOptions{
		Activity:       "com.example.MainActivity",
		Library:        "sinum",
		ConstantsClass: "io.sinum.Sinum",
		Constants:      []Constant{{Name: "HOST", Value: "example.com"}, {Name: "PORT", Value: "8080"}},
	})

	a, b := newUnits(), newUnits()
	_, err := Apply(a, instructions)
	require.NoError(t, err)
	_, err = Apply(b, instructions)
	require.NoError(t, err)

	for name := range a {
		for _, desc := range a[name].Classes() {
			assert.Equal(t, class(t, a, name, desc), class(t, b, name, desc))
		}
	}
}

func TestLibraryLoader(t *testing.T) {
	instructions := LibraryLoader(LoaderOptions{
		Activity:       "com.epicgames.ue4.GameActivity",
		Library:        "sinum",
		ConstantsClass: "io.sinum.Sinum",
		Constants: []Constant{
			{Name: "PROTOCOL", Value: "https"},
			{Name: "HOST", Value: "evil\"host\n"},
		},
	})
	require.Len(t, instructions, 2)

	assert.Equal(t, OpInsert, instructions[0].Op)
	assert.Equal(t, onCreateSignature, instructions[0].Target.Method)
	assert.Contains(t, instructions[0].Content, `const-string v0, "sinum"`)
	assert.Contains(t, instructions[0].Content, "Ljava/lang/System;->loadLibrary(Ljava/lang/String;)V")

	assert.Equal(t, "Lio/sinum/Sinum;", instructions[1].Target.Class)
	assert.Contains(t, instructions[1].Content, ".class public final Lio/sinum/Sinum;\n")
	assert.Contains(t, instructions[1].Content, `.field public static final HOST:Ljava/lang/String; = "evil\"host"`)

	assert.Len(t, LibraryLoader(LoaderOptions{Activity: "a.B", Library: "x"}), 1)
}

func TestEscapeSmaliString(t *testing.T) {
	assert.Equal(t, `a\"b`, EscapeSmaliString("a\"b"))
	assert.Equal(t, `c:\\dir`, EscapeSmaliString(`c:\dir`))
	assert.Equal(t, "ab", EscapeSmaliString("a\r\nb"))
}
