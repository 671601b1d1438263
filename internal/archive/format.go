package archive

import (
	"encoding/binary"
	"fmt"
	"math"
)

// zip 容器格式常量
const (
	localHeaderSig      = 0x04034b50
	centralHeaderSig    = 0x02014b50
	eocdSig             = 0x06054b50
	dataDescriptorSig   = 0x08074b50
	zip64LocatorSig     = 0x07064b50
	localHeaderLen      = 30
	centralHeaderLen    = 46
	eocdLen             = 22
	zip64LocatorLen     = 20
	flagDataDescriptor  = 0x0008
	flagUTF8            = 0x0800
	eocdCommentLenField = 20
)

// APK Signing Block 常量
const (
	sigBlockMagicLo = 0x20676953204b5041 // "APK Sig "
	sigBlockMagicHi = 0x3234206b636f6c42 // "Block 42"
	sigBlockMinSize = 32

	BlockIDSchemeV2 = 0x7109871a
	BlockIDSchemeV3 = 0xf05368c0
)

// eocdRecord End of Central Directory 记录
type eocdRecord struct {
	offset   int64
	entries  uint16
	cdSize   uint32
	cdOffset uint32
	comment  []byte
}

// findEOCD 从文件尾部向前查找 EOCD，注释长度必须与记录中的字段一致
func findEOCD(data []byte) (*eocdRecord, error) {
	if len(data) < eocdLen {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrMalformedArchive, len(data))
	}
	maxComment := len(data) - eocdLen
	if maxComment > math.MaxUint16 {
		maxComment = math.MaxUint16
	}
	for commentLen := 0; commentLen <= maxComment; commentLen++ {
		pos := len(data) - eocdLen - commentLen
		if binary.LittleEndian.Uint32(data[pos:]) != eocdSig {
			continue
		}
		if int(binary.LittleEndian.Uint16(data[pos+eocdCommentLenField:])) != commentLen {
			continue
		}
		rec := &eocdRecord{
			offset:   int64(pos),
			entries:  binary.LittleEndian.Uint16(data[pos+10:]),
			cdSize:   binary.LittleEndian.Uint32(data[pos+12:]),
			cdOffset: binary.LittleEndian.Uint32(data[pos+16:]),
			comment:  append([]byte(nil), data[pos+eocdLen:]...),
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%w: end of central directory not found", ErrMalformedArchive)
}

// isZip64 检查 EOCD 之前是否存在 zip64 locator
func isZip64(data []byte, eocdOffset int64) bool {
	pos := eocdOffset - zip64LocatorLen
	if pos < 0 {
		return false
	}
	return binary.LittleEndian.Uint32(data[pos:]) == zip64LocatorSig
}

// IsSigningBlock 判断一段字节是否为完整的 APK Signing Block
func IsSigningBlock(block []byte) bool {
	if len(block) < sigBlockMinSize {
		return false
	}
	footer := block[len(block)-24:]
	if binary.LittleEndian.Uint64(footer[8:]) != sigBlockMagicLo ||
		binary.LittleEndian.Uint64(footer[16:]) != sigBlockMagicHi {
		return false
	}
	size := binary.LittleEndian.Uint64(footer)
	return size+8 == uint64(len(block)) && binary.LittleEndian.Uint64(block) == size
}

// SigningBlockPairs 解析签名块中的 ID-value 对
func SigningBlockPairs(block []byte) (map[uint32][]byte, error) {
	if !IsSigningBlock(block) {
		return nil, fmt.Errorf("%w: not an APK signing block", ErrMalformedArchive)
	}
	pairs := make(map[uint32][]byte)
	body := block[8 : len(block)-24]
	for len(body) > 0 {
		if len(body) < 12 {
			return nil, fmt.Errorf("%w: truncated signing block pair", ErrMalformedArchive)
		}
		n := binary.LittleEndian.Uint64(body)
		if n < 4 || n > uint64(len(body)-8) {
			return nil, fmt.Errorf("%w: signing block pair size %d out of range", ErrMalformedArchive, n)
		}
		id := binary.LittleEndian.Uint32(body[8:])
		pairs[id] = body[12 : 8+n]
		body = body[8+n:]
	}
	return pairs, nil
}

// BuildSigningBlock 按 ID 升序组装 APK Signing Block
func BuildSigningBlock(ids []uint32, values map[uint32][]byte) []byte {
	var pairsLen uint64
	for _, id := range ids {
		pairsLen += 8 + 4 + uint64(len(values[id]))
	}
	size := pairsLen + 8 + 16
	block := make([]byte, 0, size+8)
	block = binary.LittleEndian.AppendUint64(block, size)
	for _, id := range ids {
		v := values[id]
		block = binary.LittleEndian.AppendUint64(block, uint64(4+len(v)))
		block = binary.LittleEndian.AppendUint32(block, id)
		block = append(block, v...)
	}
	block = binary.LittleEndian.AppendUint64(block, size)
	block = binary.LittleEndian.AppendUint64(block, sigBlockMagicLo)
	block = binary.LittleEndian.AppendUint64(block, sigBlockMagicHi)
	return block
}

func appendLocalHeader(b []byte, e *Entry) []byte {
	b = binary.LittleEndian.AppendUint32(b, localHeaderSig)
	b = binary.LittleEndian.AppendUint16(b, e.versionNeeded)
	b = binary.LittleEndian.AppendUint16(b, e.flags)
	b = binary.LittleEndian.AppendUint16(b, uint16(e.method))
	b = binary.LittleEndian.AppendUint16(b, e.modTime)
	b = binary.LittleEndian.AppendUint16(b, e.modDate)
	if e.flags&flagDataDescriptor != 0 {
		b = binary.LittleEndian.AppendUint32(b, e.localCRC)
		b = binary.LittleEndian.AppendUint32(b, e.localCompressed)
		b = binary.LittleEndian.AppendUint32(b, e.localUncompressed)
	} else {
		b = binary.LittleEndian.AppendUint32(b, e.crc32)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(e.raw)))
		b = binary.LittleEndian.AppendUint32(b, e.size)
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.path)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.localExtra)))
	b = append(b, e.path...)
	b = append(b, e.localExtra...)
	return b
}

func appendCentralHeader(b []byte, e *Entry, offset int64) []byte {
	b = binary.LittleEndian.AppendUint32(b, centralHeaderSig)
	b = binary.LittleEndian.AppendUint16(b, e.versionMadeBy)
	b = binary.LittleEndian.AppendUint16(b, e.versionNeeded)
	b = binary.LittleEndian.AppendUint16(b, e.flags)
	b = binary.LittleEndian.AppendUint16(b, uint16(e.method))
	b = binary.LittleEndian.AppendUint16(b, e.modTime)
	b = binary.LittleEndian.AppendUint16(b, e.modDate)
	b = binary.LittleEndian.AppendUint32(b, e.crc32)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.raw)))
	b = binary.LittleEndian.AppendUint32(b, e.size)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.path)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.centralExtra)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.comment)))
	b = binary.LittleEndian.AppendUint16(b, 0) // disk number start
	b = binary.LittleEndian.AppendUint16(b, e.internalAttrs)
	b = binary.LittleEndian.AppendUint32(b, e.externalAttrs)
	b = binary.LittleEndian.AppendUint32(b, uint32(offset))
	b = append(b, e.path...)
	b = append(b, e.centralExtra...)
	b = append(b, e.comment...)
	return b
}

func appendEOCD(b []byte, entries int, cdSize, cdOffset int64, comment []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, eocdSig)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint16(b, uint16(entries))
	b = binary.LittleEndian.AppendUint16(b, uint16(entries))
	b = binary.LittleEndian.AppendUint32(b, uint32(cdSize))
	b = binary.LittleEndian.AppendUint32(b, uint32(cdOffset))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(comment)))
	b = append(b, comment...)
	return b
}
