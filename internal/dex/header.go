// Package dex 处理 DEX 字节码容器与 smali 中间表示之间的转换。
package dex

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
	"path"
	"regexp"
)

var (
	// ErrUnsupportedBytecodeFormat 条目不是可识别的 DEX 容器
	ErrUnsupportedBytecodeFormat = errors.New("unsupported bytecode format")
	// ErrReassemblyConflict 打包结果违反 DEX 结构约束
	ErrReassemblyConflict = errors.New("reassembly conflict")
)

const (
	headerSize    = 0x70
	endianConst   = 0x12345678
	reverseEndian = 0x78563412

	// MaxIndexCount 单个 DEX 中 method/field 引用的可寻址上限
	MaxIndexCount = 65536
)

var dexMagic = []byte("dex\n")

// bytecodeEntryRe classes.dex, classes2.dex ...
var bytecodeEntryRe = regexp.MustCompile(`^classes[0-9]*\.dex$`)

// Header DEX 文件头
type Header struct {
	Version    string
	Checksum   uint32
	Signature  [20]byte
	FileSize   uint32
	HeaderSize uint32
	StringIDs  uint32
	TypeIDs    uint32
	ProtoIDs   uint32
	FieldIDs   uint32
	MethodIDs  uint32
	ClassDefs  uint32
}

// IsBytecodeEntry 判断归档路径是否为顶层 DEX 条目
func IsBytecodeEntry(p string) bool {
	return path.Dir(p) == "." && bytecodeEntryRe.MatchString(p)
}

// ParseHeader 解析并校验 DEX 头
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a dex header", ErrUnsupportedBytecodeFormat, len(data))
	}
	if !bytes.Equal(data[:4], dexMagic) || data[7] != 0 {
		return nil, fmt.Errorf("%w: bad magic %q", ErrUnsupportedBytecodeFormat, data[:8])
	}
	version := string(data[4:7])
	for _, c := range version {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: bad version %q", ErrUnsupportedBytecodeFormat, version)
		}
	}
	switch binary.LittleEndian.Uint32(data[40:]) {
	case endianConst:
	case reverseEndian:
		return nil, fmt.Errorf("%w: big-endian dex is not supported", ErrUnsupportedBytecodeFormat)
	default:
		return nil, fmt.Errorf("%w: bad endian tag", ErrUnsupportedBytecodeFormat)
	}

	h := &Header{
		Version:    version,
		Checksum:   binary.LittleEndian.Uint32(data[8:]),
		FileSize:   binary.LittleEndian.Uint32(data[32:]),
		HeaderSize: binary.LittleEndian.Uint32(data[36:]),
		StringIDs:  binary.LittleEndian.Uint32(data[56:]),
		TypeIDs:    binary.LittleEndian.Uint32(data[64:]),
		ProtoIDs:   binary.LittleEndian.Uint32(data[72:]),
		FieldIDs:   binary.LittleEndian.Uint32(data[80:]),
		MethodIDs:  binary.LittleEndian.Uint32(data[88:]),
		ClassDefs:  binary.LittleEndian.Uint32(data[96:]),
	}
	copy(h.Signature[:], data[12:32])
	if h.HeaderSize != headerSize {
		return nil, fmt.Errorf("%w: header size %#x", ErrUnsupportedBytecodeFormat, h.HeaderSize)
	}
	if int64(h.FileSize) != int64(len(data)) {
		return nil, fmt.Errorf("%w: file size field %d, actual %d", ErrUnsupportedBytecodeFormat, h.FileSize, len(data))
	}
	return h, nil
}

// CheckLimits 校验打包产物是否超出 DEX 可寻址范围
func CheckLimits(data []byte) error {
	h, err := ParseHeader(data)
	if err != nil {
		return fmt.Errorf("%w: packed output invalid: %v", ErrReassemblyConflict, err)
	}
	if h.MethodIDs > MaxIndexCount {
		return fmt.Errorf("%w: %d method references exceed %d", ErrReassemblyConflict, h.MethodIDs, MaxIndexCount)
	}
	if h.FieldIDs > MaxIndexCount {
		return fmt.Errorf("%w: %d field references exceed %d", ErrReassemblyConflict, h.FieldIDs, MaxIndexCount)
	}
	if h.TypeIDs > MaxIndexCount {
		return fmt.Errorf("%w: %d type references exceed %d", ErrReassemblyConflict, h.TypeIDs, MaxIndexCount)
	}
	return nil
}

// FixChecksum 重新计算 signature(SHA-1, 32..EOF) 与 checksum(adler32, 12..EOF)
func FixChecksum(data []byte) {
	if len(data) < headerSize {
		return
	}
	sig := sha1.Sum(data[32:])
	copy(data[12:32], sig[:])
	binary.LittleEndian.PutUint32(data[8:], adler32.Checksum(data[12:]))
}

// VerifyChecksum 校验 checksum 与 signature
func VerifyChecksum(data []byte) bool {
	if len(data) < headerSize {
		return false
	}
	sig := sha1.Sum(data[32:])
	return bytes.Equal(data[12:32], sig[:]) &&
		binary.LittleEndian.Uint32(data[8:]) == adler32.Checksum(data[12:])
}
