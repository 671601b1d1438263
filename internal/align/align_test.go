package align

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-rebuild-go/internal/archive"
)

const libPath = "lib/x86/libab.so"

// misalignedArchive 构造 native 库数据偏移 mod 4 == 2 的归档
func misalignedArchive(t *testing.T) *archive.Archive {
	t.Helper()
	a := archive.New()
	// 数据偏移 = 30 + len(libPath) = 46
	require.NoError(t, a.Insert(archive.NewEntry{Path: libPath, Content: []byte("\x7fELF...."), Method: archive.Stored}))
	require.NoError(t, a.Insert(archive.NewEntry{Path: "classes.dex", Content: []byte("dex\n035\x00"), Method: archive.Deflated}))
	require.NoError(t, a.Insert(archive.NewEntry{Path: "res/layout/main.xml", Content: []byte("<LinearLayout/>"), Method: archive.Deflated}))

	a.Layout()
	lib, err := a.Entry(libPath)
	require.NoError(t, err)
	off, ok := lib.DataOffset()
	require.True(t, ok)
	require.Equal(t, int64(2), off%4)
	return a
}

func dataOffset(t *testing.T, a *archive.Archive, path string) int64 {
	t.Helper()
	e, err := a.Entry(path)
	require.NoError(t, err)
	off, ok := e.DataOffset()
	require.True(t, ok)
	return off
}

func TestComputePadding(t *testing.T) {
	a := archive.New()
	require.NoError(t, a.Insert(archive.NewEntry{Path: "ab.so", Content: []byte("x"), Method: archive.Stored}))
	e, err := a.Entry("ab.so")
	require.NoError(t, err)

	// header = 30 + 5 = 35
	tests := []struct {
		name      string
		alignment int
		offset    int64
		want      int
	}{
		{"无需对齐", 1, 0, 0},
		{"已对齐", 4, 1, 0},
		{"差一字节", 4, 0, 6 + 3},
		{"页对齐", 4096, 0, 4096 - 35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputePadding(e, tt.alignment, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if got > 0 {
				assert.Zero(t, (tt.offset+35+int64(got))%int64(tt.alignment))
			}
		})
	}
}

func TestAlign_FixesMisalignedNativeLibrary(t *testing.T) {
	a := misalignedArchive(t)
	assert.ErrorIs(t, Verify(a, Options{}), ErrMisaligned)

	aligned, err := Align(a, Options{})
	require.NoError(t, err)
	assert.Same(t, a, aligned.Archive())
	assert.Zero(t, dataOffset(t, a, libPath)%4)
	assert.NoError(t, Verify(a, Options{}))

	out, err := a.Serialize()
	require.NoError(t, err)
	r, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	require.NoError(t, err)
	for _, f := range r.File {
		if f.Name != libPath {
			continue
		}
		off, err := f.DataOffset()
		require.NoError(t, err)
		assert.Zero(t, off%4)
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "\x7fELF....", string(content), "填充不得改变条目内容")
	}
}

func TestAlign_Idempotent(t *testing.T) {
	a := misalignedArchive(t)
	_, err := Align(a, Options{})
	require.NoError(t, err)
	first, err := a.Serialize()
	require.NoError(t, err)

	_, err = Align(a, Options{})
	require.NoError(t, err)
	second, err := a.Serialize()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	reloaded, err := archive.Load(first)
	require.NoError(t, err)
	_, err = Align(reloaded, Options{})
	require.NoError(t, err)
	third, err := reloaded.Serialize()
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestAlign_PageAlignNativeLibs(t *testing.T) {
	a := misalignedArchive(t)
	_, err := Align(a, Options{PageAlignNativeLibs: true})
	require.NoError(t, err)
	assert.Zero(t, dataOffset(t, a, libPath)%PageSize)
	assert.NoError(t, Verify(a, Options{PageAlignNativeLibs: true}))
}

func TestAlign_Infeasible(t *testing.T) {
	a := archive.New()
	require.NoError(t, a.Insert(archive.NewEntry{Path: "lib/x86/a.so", Content: []byte("x"), Method: archive.Stored}))
	e, err := a.Entry("lib/x86/a.so")
	require.NoError(t, err)

	// 单个 extra 字段占满 65533 字节，剩余空间放不下对齐字段
	extra := binary.LittleEndian.AppendUint16(nil, 0x1234)
	extra = binary.LittleEndian.AppendUint16(extra, 65529)
	extra = append(extra, bytes.Repeat([]byte{1}, 65529)...)
	e.SetLocalExtra(extra)

	_, err = Align(a, Options{})
	assert.ErrorIs(t, err, ErrAlignmentInfeasible)
}

func TestStripPadding(t *testing.T) {
	custom := []byte{0x34, 0x12, 0x02, 0x00, 0xaa, 0xbb}
	android := appendAlignmentField(nil, 4, 9)
	legacy := []byte{0x00, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00}

	tests := []struct {
		name  string
		extra []byte
		want  []byte
	}{
		{"空", nil, []byte{}},
		{"保留自定义字段", custom, custom},
		{"去除 0xd935", append(append([]byte(nil), custom...), android...), custom},
		{"去除零 ID 填充", append(append([]byte(nil), legacy...), custom...), custom},
		{"去除尾部零字节", append(append([]byte(nil), custom...), 0, 0, 0), custom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripPadding(tt.extra))
		})
	}
}
