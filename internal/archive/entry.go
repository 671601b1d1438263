package archive

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
)

// CompressionMethod 条目压缩方式
type CompressionMethod uint16

const (
	Stored   CompressionMethod = 0
	Deflated CompressionMethod = 8
)

func (m CompressionMethod) String() string {
	switch m {
	case Stored:
		return "stored"
	case Deflated:
		return "deflated"
	default:
		return fmt.Sprintf("method(%d)", uint16(m))
	}
}

// 新条目使用的固定 DOS 时间 (1981-01-01 01:01:02)，保证输出确定性
const (
	defaultModTime = 0x0821
	defaultModDate = 0x0221
)

// Entry 归档中的单个条目
type Entry struct {
	path   string
	method CompressionMethod
	crc32  uint32
	size   uint32 // 解压后大小
	raw    []byte // 按 method 存储的原始数据

	offset int64
	placed bool
	cdSeq  int

	desiredAlignment int

	versionMadeBy uint16
	versionNeeded uint16
	flags         uint16
	modTime       uint16
	modDate       uint16
	internalAttrs uint16
	externalAttrs uint32
	localExtra    []byte
	centralExtra  []byte
	comment       []byte

	// 数据描述符模式下本地头中的原值
	localCRC          uint32
	localCompressed   uint32
	localUncompressed uint32
	descriptor        []byte

	// 本条目之前无法归属的字节（通常为空）
	gap []byte
}

// NewEntry 待插入的新条目
type NewEntry struct {
	Path    string
	Content []byte
	Method  CompressionMethod
}

func (e *Entry) Path() string { return e.path }
func (e *Entry) Method() CompressionMethod { return e.method }
func (e *Entry) CRC32() uint32 { return e.crc32 }
func (e *Entry) UncompressedSize() uint32 { return e.size }
func (e *Entry) CompressedSize() int { return len(e.raw) }
func (e *Entry) DesiredAlignment() int { return e.desiredAlignment }
func (e *Entry) LocalExtra() []byte { return append([]byte(nil), e.localExtra...) }
func (e *Entry) HasDataDescriptor() bool { return e.flags&flagDataDescriptor != 0 }
func (e *Entry) IsDir() bool { return strings.HasSuffix(e.path, "/") }

// RawBytes 返回按压缩方式存储的数据，调用方不得修改
func (e *Entry) RawBytes() []byte { return e.raw }

// Offset 返回本地文件头偏移；条目尚未放置时 ok 为 false
func (e *Entry) Offset() (offset int64, ok bool) {
	return e.offset, e.placed
}

// HeaderSize 本地文件头（含文件名与 extra）长度
func (e *Entry) HeaderSize() int {
	return localHeaderLen + len(e.path) + len(e.localExtra)
}

// DataOffset 数据起始偏移
func (e *Entry) DataOffset() (int64, bool) {
	if !e.placed {
		return 0, false
	}
	return e.offset + int64(e.HeaderSize()), true
}

// SetLocalExtra 替换本地文件头 extra 字段，仅影响布局，不影响内容与 CRC
func (e *Entry) SetLocalExtra(extra []byte) {
	e.localExtra = append([]byte(nil), extra...)
	e.placed = false
}

// SetDesiredAlignment 覆盖条目对齐要求
func (e *Entry) SetDesiredAlignment(n int) {
	if n < 1 {
		n = 1
	}
	e.desiredAlignment = n
}

// Content 返回解压后的内容并校验 CRC
func (e *Entry) Content() ([]byte, error) {
	var data []byte
	switch e.method {
	case Stored:
		data = append([]byte(nil), e.raw...)
	case Deflated:
		r := flate.NewReader(bytes.NewReader(e.raw))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: inflate %s: %v", ErrMalformedArchive, e.path, err)
		}
		data = out
	default:
		return nil, fmt.Errorf("%w: %s uses unsupported %s", ErrMalformedArchive, e.path, e.method)
	}
	if crc32.ChecksumIEEE(data) != e.crc32 {
		return nil, fmt.Errorf("%w: crc mismatch for %s", ErrMalformedArchive, e.path)
	}
	return data, nil
}

// setContent 按条目压缩方式重新编码内容，清除数据描述符
func (e *Entry) setContent(content []byte) error {
	raw, err := encode(e.method, content)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.path, err)
	}
	e.raw = raw
	e.crc32 = crc32.ChecksumIEEE(content)
	e.size = uint32(len(content))
	e.flags &^= flagDataDescriptor
	e.descriptor = nil
	e.localCRC, e.localCompressed, e.localUncompressed = 0, 0, 0
	e.placed = false
	return nil
}

func encode(method CompressionMethod, content []byte) ([]byte, error) {
	switch method {
	case Stored:
		return append([]byte(nil), content...), nil
	case Deflated:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(content); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", method)
	}
}

func newEntry(ne NewEntry) (*Entry, error) {
	if ne.Path == "" {
		return nil, fmt.Errorf("entry path is empty")
	}
	method := ne.Method
	if method != Stored && method != Deflated {
		return nil, fmt.Errorf("unsupported compression %s", method)
	}
	e := &Entry{
		path:          ne.Path,
		method:        method,
		versionMadeBy: 20,
		versionNeeded: 10,
		modTime:       defaultModTime,
		modDate:       defaultModDate,
	}
	if method == Deflated {
		e.versionNeeded = 20
	}
	for i := 0; i < len(ne.Path); i++ {
		if ne.Path[i] >= 0x80 {
			e.flags |= flagUTF8
			break
		}
	}
	if err := e.setContent(ne.Content); err != nil {
		return nil, err
	}
	e.desiredAlignment = DefaultAlignment(e.path, e.method)
	return e, nil
}

func (e *Entry) clone() *Entry {
	c := *e
	c.raw = append([]byte(nil), e.raw...)
	c.localExtra = append([]byte(nil), e.localExtra...)
	c.centralExtra = append([]byte(nil), e.centralExtra...)
	c.comment = append([]byte(nil), e.comment...)
	c.descriptor = append([]byte(nil), e.descriptor...)
	c.gap = append([]byte(nil), e.gap...)
	return &c
}

// encodedLen 条目在容器中占用的总字节数
func (e *Entry) encodedLen() int64 {
	return int64(len(e.gap)) + e.Span()
}

// Span 本地文件头 + 数据 + 数据描述符的长度，不含前导空隙
func (e *Entry) Span() int64 {
	return int64(e.HeaderSize() + len(e.raw) + len(e.descriptor))
}

// LeadingGap 条目之前保留的未知字节数
func (e *Entry) LeadingGap() int { return len(e.gap) }

// IsNativeLibrary 判断是否为 lib/<abi>/*.so
func IsNativeLibrary(path string) bool {
	return strings.HasPrefix(path, "lib/") && strings.HasSuffix(path, ".so")
}

// DefaultAlignment 条目默认对齐：native 库与未压缩条目 4 字节，其余 1
func DefaultAlignment(path string, method CompressionMethod) int {
	if IsNativeLibrary(path) || method == Stored {
		return 4
	}
	return 1
}
