package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"path"
	"sort"
	"strings"
)

// Archive APK 的内存模型：有序条目集合 + v1 清单摘要
//
// Archive 独占其全部条目，不同 Archive 实例之间不共享 Entry。
// 非并发安全，由 Pipeline Controller 串行修改。
type Archive struct {
	entries      []*Entry
	index        map[string]int
	comment      []byte
	trailer      []byte // 最后一个条目与签名块/中央目录之间的未知字节
	signingBlock []byte
	manifest     map[string][]byte
	nextSeq      int // 下一个新条目在中央目录中的序号
}

// SignatureInfo 原始包中已存在的签名元数据
type SignatureInfo struct {
	V1 bool
	V2 bool
	V3 bool
}

// Unsigned 是否没有任何签名
func (s SignatureInfo) Unsigned() bool { return !s.V1 && !s.V2 && !s.V3 }

// Sections 序列化后的四个区段，V2 签名按此划分计算摘要
type Sections struct {
	Entries          []byte
	SigningBlock     []byte
	CentralDirectory []byte
	EOCD             []byte
}

// Bytes 拼接全部区段
func (s *Sections) Bytes() []byte {
	out := make([]byte, 0, len(s.Entries)+len(s.SigningBlock)+len(s.CentralDirectory)+len(s.EOCD))
	out = append(out, s.Entries...)
	out = append(out, s.SigningBlock...)
	out = append(out, s.CentralDirectory...)
	return append(out, s.EOCD...)
}

// New 创建空归档
func New() *Archive {
	return &Archive{
		index:    make(map[string]int),
		manifest: make(map[string][]byte),
	}
}

// Load 解析 zip 容器
func Load(data []byte) (*Archive, error) {
	rec, err := findEOCD(data)
	if err != nil {
		return nil, err
	}
	if isZip64(data, rec.offset) {
		return nil, fmt.Errorf("%w: zip64 archives are not supported", ErrMalformedArchive)
	}
	cdStart := int64(rec.cdOffset)
	cdEnd := cdStart + int64(rec.cdSize)
	if cdEnd != rec.offset {
		return nil, fmt.Errorf("%w: central directory [%d,%d) does not end at EOCD offset %d",
			ErrMalformedArchive, cdStart, cdEnd, rec.offset)
	}

	a := New()
	a.comment = rec.comment

	pos := cdStart
	for i := 0; i < int(rec.entries); i++ {
		e, compressed, next, err := parseCentralHeader(data, pos, cdEnd)
		if err != nil {
			return nil, err
		}
		if err := parseLocal(data, e, compressed, cdStart); err != nil {
			return nil, err
		}
		if _, dup := a.index[e.path]; dup {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrMalformedArchive, e.path)
		}
		e.cdSeq = i
		a.index[e.path] = len(a.entries)
		a.entries = append(a.entries, e)
		pos = next
	}
	a.nextSeq = len(a.entries)
	if pos != cdEnd {
		return nil, fmt.Errorf("%w: %d trailing bytes in central directory", ErrMalformedArchive, cdEnd-pos)
	}

	// 按物理顺序排列，计算条目间的空隙；中央目录仍按 cdSeq 输出
	sort.SliceStable(a.entries, func(i, j int) bool { return a.entries[i].offset < a.entries[j].offset })
	var prevEnd int64
	for i, e := range a.entries {
		if e.offset < prevEnd {
			return nil, fmt.Errorf("%w: entry %q overlaps previous entry", ErrMalformedArchive, e.path)
		}
		if e.offset > prevEnd {
			e.gap = append([]byte(nil), data[prevEnd:e.offset]...)
		}
		prevEnd = e.offset + e.Span()
		a.index[e.path] = i
	}
	if prevEnd > cdStart {
		return nil, fmt.Errorf("%w: entry data runs into central directory", ErrMalformedArchive)
	}
	region := data[prevEnd:cdStart]
	switch {
	case len(region) == 0:
	case IsSigningBlock(region):
		a.signingBlock = append([]byte(nil), region...)
	default:
		a.trailer = append([]byte(nil), region...)
	}
	return a, nil
}

func parseCentralHeader(data []byte, pos, end int64) (*Entry, int64, int64, error) {
	if pos+centralHeaderLen > end {
		return nil, 0, 0, fmt.Errorf("%w: truncated central directory header at %d", ErrMalformedArchive, pos)
	}
	h := data[pos:]
	if binary.LittleEndian.Uint32(h) != centralHeaderSig {
		return nil, 0, 0, fmt.Errorf("%w: bad central directory signature at %d", ErrMalformedArchive, pos)
	}
	nameLen := int64(binary.LittleEndian.Uint16(h[28:]))
	extraLen := int64(binary.LittleEndian.Uint16(h[30:]))
	commentLen := int64(binary.LittleEndian.Uint16(h[32:]))
	next := pos + centralHeaderLen + nameLen + extraLen + commentLen
	if next > end {
		return nil, 0, 0, fmt.Errorf("%w: truncated central directory record at %d", ErrMalformedArchive, pos)
	}
	vs := pos + centralHeaderLen
	e := &Entry{
		versionMadeBy: binary.LittleEndian.Uint16(h[4:]),
		versionNeeded: binary.LittleEndian.Uint16(h[6:]),
		flags:         binary.LittleEndian.Uint16(h[8:]),
		method:        CompressionMethod(binary.LittleEndian.Uint16(h[10:])),
		modTime:       binary.LittleEndian.Uint16(h[12:]),
		modDate:       binary.LittleEndian.Uint16(h[14:]),
		crc32:         binary.LittleEndian.Uint32(h[16:]),
		size:          binary.LittleEndian.Uint32(h[24:]),
		internalAttrs: binary.LittleEndian.Uint16(h[36:]),
		externalAttrs: binary.LittleEndian.Uint32(h[38:]),
		offset:        int64(binary.LittleEndian.Uint32(h[42:])),
		placed:        true,
		path:          string(data[vs : vs+nameLen]),
		centralExtra:  append([]byte(nil), data[vs+nameLen:vs+nameLen+extraLen]...),
		comment:       append([]byte(nil), data[vs+nameLen+extraLen:next]...),
	}
	return e, int64(binary.LittleEndian.Uint32(h[20:])), next, nil
}

func parseLocal(data []byte, e *Entry, compressed, limit int64) error {
	off := e.offset
	if off+localHeaderLen > limit {
		return fmt.Errorf("%w: local header of %q out of range", ErrMalformedArchive, e.path)
	}
	h := data[off:]
	if binary.LittleEndian.Uint32(h) != localHeaderSig {
		return fmt.Errorf("%w: bad local header signature for %q", ErrMalformedArchive, e.path)
	}
	nameLen := int64(binary.LittleEndian.Uint16(h[26:]))
	extraLen := int64(binary.LittleEndian.Uint16(h[28:]))
	start := off + localHeaderLen
	if start+nameLen+extraLen > limit {
		return fmt.Errorf("%w: local header of %q truncated", ErrMalformedArchive, e.path)
	}
	if string(data[start:start+nameLen]) != e.path {
		return fmt.Errorf("%w: local name mismatch for %q", ErrMalformedArchive, e.path)
	}
	e.localExtra = append([]byte(nil), data[start+nameLen:start+nameLen+extraLen]...)
	if e.flags&flagDataDescriptor != 0 {
		e.localCRC = binary.LittleEndian.Uint32(h[14:])
		e.localCompressed = binary.LittleEndian.Uint32(h[18:])
		e.localUncompressed = binary.LittleEndian.Uint32(h[22:])
	}

	dataStart := start + nameLen + extraLen
	dataEnd := dataStart + compressed
	if dataEnd > limit {
		return fmt.Errorf("%w: data of %q truncated", ErrMalformedArchive, e.path)
	}
	e.raw = append([]byte(nil), data[dataStart:dataEnd]...)

	if e.flags&flagDataDescriptor != 0 {
		n := int64(12)
		if dataEnd+4 <= limit && binary.LittleEndian.Uint32(data[dataEnd:]) == dataDescriptorSig {
			n = 16
		}
		if dataEnd+n > limit {
			return fmt.Errorf("%w: data descriptor of %q truncated", ErrMalformedArchive, e.path)
		}
		e.descriptor = append([]byte(nil), data[dataEnd:dataEnd+n]...)
	}
	e.desiredAlignment = DefaultAlignment(e.path, e.method)
	return nil
}

// Len 条目数量
func (a *Archive) Len() int { return len(a.entries) }

// Entries 返回条目切片副本（顺序即序列化顺序）
func (a *Archive) Entries() []*Entry {
	return append([]*Entry(nil), a.entries...)
}

// Paths 返回全部条目路径
func (a *Archive) Paths() []string {
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.path
	}
	return out
}

// Has 路径是否存在
func (a *Archive) Has(p string) bool {
	_, ok := a.index[p]
	return ok
}

// Entry 按路径查找条目
func (a *Archive) Entry(p string) (*Entry, error) {
	i, ok := a.index[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, p)
	}
	return a.entries[i], nil
}

// Replace 替换已有条目的内容；不会隐式创建条目
func (a *Archive) Replace(p string, content []byte) error {
	e, err := a.Entry(p)
	if err != nil {
		return err
	}
	if err := e.setContent(content); err != nil {
		return err
	}
	delete(a.manifest, p)
	a.invalidate()
	return nil
}

// Insert 在末尾追加新条目
func (a *Archive) Insert(ne NewEntry) error {
	if a.Has(ne.Path) {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, ne.Path)
	}
	e, err := newEntry(ne)
	if err != nil {
		return err
	}
	e.cdSeq = a.nextSeq
	a.nextSeq++
	a.index[e.path] = len(a.entries)
	a.entries = append(a.entries, e)
	a.invalidate()
	return nil
}

// Remove 删除条目
func (a *Archive) Remove(p string) error {
	i, ok := a.index[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, p)
	}
	a.entries = append(a.entries[:i], a.entries[i+1:]...)
	delete(a.index, p)
	delete(a.manifest, p)
	for j := i; j < len(a.entries); j++ {
		a.index[a.entries[j].path] = j
	}
	a.invalidate()
	return nil
}

// invalidate 结构变化后全部偏移失效，直到下一次 Layout
func (a *Archive) invalidate() {
	for _, e := range a.entries {
		e.placed = false
	}
}

// Match 返回匹配 glob 模式的条目路径
func (a *Archive) Match(pattern string) []string {
	var out []string
	for _, e := range a.entries {
		if ok, _ := path.Match(pattern, e.path); ok {
			out = append(out, e.path)
		}
	}
	return out
}

// SigningBlock 当前 APK Signing Block（无则为 nil）
func (a *Archive) SigningBlock() []byte { return a.signingBlock }

// SetSigningBlock 设置或清除（nil）签名块
func (a *Archive) SetSigningBlock(block []byte) error {
	if block != nil && !IsSigningBlock(block) {
		return fmt.Errorf("%w: invalid APK signing block", ErrMalformedArchive)
	}
	a.signingBlock = nil
	if block != nil {
		a.signingBlock = append([]byte(nil), block...)
	}
	return nil
}

// ManifestDigest 返回 v1 清单中记录的条目摘要
func (a *Archive) ManifestDigest(p string) ([]byte, bool) {
	d, ok := a.manifest[p]
	return d, ok
}

// SetManifestDigest 记录条目摘要
func (a *Archive) SetManifestDigest(p string, digest []byte) error {
	if !a.Has(p) {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, p)
	}
	a.manifest[p] = append([]byte(nil), digest...)
	return nil
}

// ClearManifest 清空摘要表
func (a *Archive) ClearManifest() {
	a.manifest = make(map[string][]byte)
}

// ExistingSignatures 检测已有签名元数据
func (a *Archive) ExistingSignatures() SignatureInfo {
	var info SignatureInfo
	for _, e := range a.entries {
		dir, file := path.Split(e.path)
		if dir == "META-INF/" && strings.HasSuffix(strings.ToUpper(file), ".SF") {
			info.V1 = true
			break
		}
	}
	if a.signingBlock != nil {
		if pairs, err := SigningBlockPairs(a.signingBlock); err == nil {
			_, info.V2 = pairs[BlockIDSchemeV2]
			_, info.V3 = pairs[BlockIDSchemeV3]
		}
	}
	return info
}

// Clone 深拷贝，用于检查点
func (a *Archive) Clone() *Archive {
	c := &Archive{
		entries:      make([]*Entry, len(a.entries)),
		index:        make(map[string]int, len(a.index)),
		comment:      append([]byte(nil), a.comment...),
		trailer:      append([]byte(nil), a.trailer...),
		signingBlock: append([]byte(nil), a.signingBlock...),
		manifest:     make(map[string][]byte, len(a.manifest)),
		nextSeq:      a.nextSeq,
	}
	if a.signingBlock == nil {
		c.signingBlock = nil
	}
	for i, e := range a.entries {
		c.entries[i] = e.clone()
		c.index[e.path] = i
	}
	for k, v := range a.manifest {
		c.manifest[k] = append([]byte(nil), v...)
	}
	return c
}

// Layout 按当前顺序放置全部条目，返回条目区结束偏移
func (a *Archive) Layout() int64 {
	var off int64
	for _, e := range a.entries {
		off += int64(len(e.gap))
		e.offset = off
		e.placed = true
		off += e.Span()
	}
	return off
}

// Sections 序列化为四个区段
func (a *Archive) Sections() (*Sections, error) {
	if len(a.entries) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d entries need zip64", ErrMalformedArchive, len(a.entries))
	}
	var body bytes.Buffer
	for _, e := range a.entries {
		body.Write(e.gap)
		e.offset = int64(body.Len())
		e.placed = true
		body.Write(appendLocalHeader(nil, e))
		body.Write(e.raw)
		body.Write(e.descriptor)
	}
	body.Write(a.trailer)

	cdOffset := int64(body.Len()) + int64(len(a.signingBlock))
	if cdOffset > math.MaxUint32 {
		return nil, fmt.Errorf("%w: archive exceeds 4GiB", ErrMalformedArchive)
	}
	var cd []byte
	for _, e := range a.centralOrder() {
		cd = appendCentralHeader(cd, e, e.offset)
	}
	return &Sections{
		Entries:          body.Bytes(),
		SigningBlock:     append([]byte(nil), a.signingBlock...),
		CentralDirectory: cd,
		EOCD:             appendEOCD(nil, len(a.entries), int64(len(cd)), cdOffset, a.comment),
	}, nil
}

// centralOrder 中央目录记录顺序，可能与本地条目的物理顺序不同
func (a *Archive) centralOrder() []*Entry {
	out := append([]*Entry(nil), a.entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].cdSeq < out[j].cdSeq })
	return out
}

// Serialize 输出 zip 容器；相同条目内容与顺序得到相同字节
func (a *Archive) Serialize() ([]byte, error) {
	s, err := a.Sections()
	if err != nil {
		return nil, err
	}
	return s.Bytes(), nil
}

// WriteTo 实现 io.WriterTo
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	data, err := a.Serialize()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}
