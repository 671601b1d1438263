package dex

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildDex 构造只有文件头的最小 DEX
func buildDex(methods, fields uint32) []byte {
	data := make([]byte, headerSize+8)
	copy(data, "dex\n035\x00")
	binary.LittleEndian.PutUint32(data[32:], uint32(len(data)))
	binary.LittleEndian.PutUint32(data[36:], headerSize)
	binary.LittleEndian.PutUint32(data[40:], endianConst)
	binary.LittleEndian.PutUint32(data[80:], fields)
	binary.LittleEndian.PutUint32(data[88:], methods)
	FixChecksum(data)
	return data
}

func TestParseHeader(t *testing.T) {
	h, err := ParseHeader(buildDex(10, 3))
	require.NoError(t, err)
	assert.Equal(t, "035", h.Version)
	assert.Equal(t, uint32(10), h.MethodIDs)
	assert.Equal(t, uint32(3), h.FieldIDs)
}

func TestParseHeader_Unsupported(t *testing.T) {
	mutate := func(f func([]byte)) []byte {
		d := buildDex(1, 1)
		f(d)
		return d
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"过短", []byte("dex\n035\x00")},
		{"非 DEX", append([]byte("PK\x03\x04"), make([]byte, headerSize)...)},
		{"版本非数字", mutate(func(d []byte) { d[5] = 'x' })},
		{"大端", mutate(func(d []byte) { binary.LittleEndian.PutUint32(d[40:], reverseEndian) })},
		{"文件大小不符", mutate(func(d []byte) { binary.LittleEndian.PutUint32(d[32:], 1) })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader(tt.data)
			assert.ErrorIs(t, err, ErrUnsupportedBytecodeFormat)
		})
	}
}

func TestCheckLimits(t *testing.T) {
	assert.NoError(t, CheckLimits(buildDex(MaxIndexCount, 10)))
	assert.ErrorIs(t, CheckLimits(buildDex(MaxIndexCount+1, 10)), ErrReassemblyConflict)
	assert.ErrorIs(t, CheckLimits(buildDex(10, MaxIndexCount+1)), ErrReassemblyConflict)
	assert.ErrorIs(t, CheckLimits([]byte("garbage")), ErrReassemblyConflict)
}

func TestFixChecksum(t *testing.T) {
	d := buildDex(1, 1)
	assert.True(t, VerifyChecksum(d))

	d[headerSize] = 0xff
	assert.False(t, VerifyChecksum(d))
	FixChecksum(d)
	assert.True(t, VerifyChecksum(d))
}

func TestIsBytecodeEntry(t *testing.T) {
	assert.True(t, IsBytecodeEntry("classes.dex"))
	assert.True(t, IsBytecodeEntry("classes12.dex"))
	assert.False(t, IsBytecodeEntry("assets/classes.dex"))
	assert.False(t, IsBytecodeEntry("classes.dex.bak"))
	assert.False(t, IsBytecodeEntry("lib/arm64-v8a/libfoo.so"))
}

func TestClassDescriptor(t *testing.T) {
	assert.Equal(t, "Lcom/example/Main;", ClassDescriptor("com.example.Main"))
	assert.Equal(t, "Lcom/example/Main;", ClassDescriptor("Lcom/example/Main;"))
	assert.Equal(t, "com/example/Main.smali", ClassFileName("Lcom/example/Main;"))
}

func TestParseClassDescriptor(t *testing.T) {
	desc, err := ParseClassDescriptor("# header\n.class public final Lcom/example/Main;\n.super Ljava/lang/Object;\n")
	require.NoError(t, err)
	assert.Equal(t, "Lcom/example/Main;", desc)

	_, err = ParseClassDescriptor(".super Ljava/lang/Object;\n")
	assert.ErrorIs(t, err, ErrUnsupportedBytecodeFormat)
}

func TestUnit_CloneAndModified(t *testing.T) {
	u := NewUnit("classes.dex", "035")
	desc, err := u.AddSource(".class public La;\n")
	require.NoError(t, err)
	assert.Equal(t, "La;", desc)
	assert.False(t, u.Modified())

	_, err = u.AddSource(".method foo()V\n")
	assert.ErrorIs(t, err, ErrUnsupportedBytecodeFormat)

	c := u.Clone()
	c.SetClass("Lb;", ".class Lb;")
	assert.True(t, c.Modified())
	assert.False(t, u.Modified())
	assert.Equal(t, 1, u.Len())
	assert.Equal(t, []string{"La;", "Lb;"}, c.Classes())

	assert.True(t, c.RemoveClass("La;"))
	assert.False(t, c.RemoveClass("La;"))
	_, ok := u.Class("La;")
	assert.True(t, ok)
}

func TestSmaliTool_UnpackRejectsNonDex(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	tool := NewSmaliTool(SmaliToolOptions{JavaPath: "/nonexistent/java"}, logger)

	_, err := tool.Unpack(context.Background(), "classes.dex", []byte("not a dex file at all"))
	assert.ErrorIs(t, err, ErrUnsupportedBytecodeFormat)
}

func TestSmaliTool_PackToolFailure(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	tool := NewSmaliTool(SmaliToolOptions{JavaPath: "/nonexistent/java", SmaliJar: "smali.jar", WorkDir: t.TempDir()}, logger)

	u := NewUnit("classes.dex", "035")
	u.SetClass("La;", ".class public La;\n.super Ljava/lang/Object;\n")
	_, err := tool.Pack(context.Background(), u)
	assert.ErrorIs(t, err, ErrReassemblyConflict)
}
