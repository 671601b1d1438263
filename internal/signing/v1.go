package signing

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sassoftware/relic/v7/lib/signjar"

	"github.com/apk-analysis/apk-rebuild-go/internal/archive"
)

const (
	manifestPath = "META-INF/MANIFEST.MF"

	// 其余签名块 ID：v3.1 与 apksigner 的对齐填充
	blockIDSchemeV31 = 0x1b93ad61
	blockIDPadding   = 0x42726577
)

// MinSDKForSHA256V1 API 18 起 JarVerifier 支持 SHA-256 摘要与 ECDSA 签名
const MinSDKForSHA256V1 = 18

// V1Options v1 签名参数
type V1Options struct {
	// SignerName 生成 META-INF/<SignerName>.SF 等文件
	SignerName string
	CreatedBy  string
}

// V1Signer JAR 签名器
type V1Signer struct {
	crypto Crypto
	legacy Crypto
	opts   V1Options
}

// NewV1Signer 创建 v1 签名器；minSdk < 18 时改用 SHA-1 适配器
func NewV1Signer(c Crypto, opts V1Options) *V1Signer {
	if opts.SignerName == "" {
		opts.SignerName = "CERT"
	}
	opts.SignerName = strings.ToUpper(opts.SignerName)
	if opts.CreatedBy == "" {
		opts.CreatedBy = "1.0 (Android)"
	}
	return &V1Signer{crypto: c, legacy: SHA1{}, opts: opts}
}

// digestCrypto 按 minSdk 选择摘要算法，0 表示未知，按新设备处理
func (s *V1Signer) digestCrypto(id *Identity, minSDK int) (Crypto, error) {
	if minSDK <= 0 || minSDK >= MinSDKForSHA256V1 {
		return s.crypto, nil
	}
	if !id.IsRSA() {
		return nil, fmt.Errorf("%w: ECDSA v1 signatures need min_sdk >= %d, got %d",
			ErrSigningFailed, MinSDKForSHA256V1, minSDK)
	}
	return s.legacy, nil
}

// digestName JAR 清单中的摘要属性前缀
func digestName(h crypto.Hash) string {
	if h == crypto.SHA1 {
		return "SHA1"
	}
	return "SHA-256"
}

// Sign 生成 MANIFEST.MF / <name>.SF / <name>.RSA|EC 并写入归档
//
// 旧的签名文件会被移除。withV2 为 true 时在 .SF 中声明 X-Android-APK-Signed: 2，
// 防止 v2 签名被剥离后降级校验。
func (s *V1Signer) Sign(a *archive.Archive, id *Identity, minSDK int, withV2 bool) error {
	if id == nil {
		return fmt.Errorf("%w: no signing identity", ErrSigningFailed)
	}
	c, err := s.digestCrypto(id, minSDK)
	if err != nil {
		return err
	}
	if err := StripSignatures(a); err != nil {
		return err
	}
	digestAttr := digestName(c.Hash()) + "-Digest"

	var paths []string
	for _, e := range a.Entries() {
		if !e.IsDir() {
			paths = append(paths, e.Path())
		}
	}
	sort.Strings(paths)

	var mainSection bytes.Buffer
	writeSection(&mainSection, []attribute{
		{"Manifest-Version", "1.0"},
		{"Created-By", s.opts.CreatedBy},
	})
	manifest := bytes.NewBuffer(append([]byte(nil), mainSection.Bytes()...))

	sectionDigests := make([]attribute, 0, len(paths))
	for _, p := range paths {
		e, err := a.Entry(p)
		if err != nil {
			return err
		}
		content, err := e.Content()
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrSigningFailed, p, err)
		}
		digest := c.Digest(content)
		if err := a.SetManifestDigest(p, digest); err != nil {
			return err
		}

		var section bytes.Buffer
		writeSection(&section, []attribute{
			{"Name", p},
			{digestAttr, b64(digest)},
		})
		manifest.Write(section.Bytes())
		sectionDigests = append(sectionDigests, attribute{p, b64(c.Digest(section.Bytes()))})
	}

	var sf bytes.Buffer
	mainAttrs := []attribute{
		{"Signature-Version", "1.0"},
		{"Created-By", s.opts.CreatedBy},
		{digestAttr + "-Manifest", b64(c.Digest(manifest.Bytes()))},
		{digestAttr + "-Manifest-Main-Attributes", b64(c.Digest(mainSection.Bytes()))},
	}
	if withV2 {
		mainAttrs = append(mainAttrs, attribute{"X-Android-APK-Signed", "2"})
	}
	writeSection(&sf, mainAttrs)
	for _, d := range sectionDigests {
		writeSection(&sf, []attribute{{"Name", d.name}, {digestAttr, d.value}})
	}

	block, err := buildSignatureBlock(c, id, sf.Bytes())
	if err != nil {
		return err
	}

	ext := ".EC"
	if id.IsRSA() {
		ext = ".RSA"
	}
	files := []archive.NewEntry{
		{Path: manifestPath, Content: manifest.Bytes(), Method: archive.Deflated},
		{Path: "META-INF/" + s.opts.SignerName + ".SF", Content: sf.Bytes(), Method: archive.Deflated},
		{Path: "META-INF/" + s.opts.SignerName + ext, Content: block, Method: archive.Deflated},
	}
	for _, f := range files {
		if err := a.Insert(f); err != nil {
			return fmt.Errorf("%w: %v", ErrSigningFailed, err)
		}
	}
	return nil
}

// IsSignatureFile 是否为 v1 签名相关文件
func IsSignatureFile(p string) bool {
	dir, file := path.Split(p)
	if dir != "META-INF/" {
		return false
	}
	if p == manifestPath {
		return true
	}
	switch strings.ToUpper(path.Ext(file)) {
	case ".SF", ".RSA", ".DSA", ".EC":
		return true
	}
	return false
}

// StripSignatures 移除旧 v1 签名文件，以及签名块中的 v2/v3 签名（保留其它 ID-value 对）
func StripSignatures(a *archive.Archive) error {
	for _, p := range a.Paths() {
		if IsSignatureFile(p) {
			if err := a.Remove(p); err != nil {
				return err
			}
		}
	}
	a.ClearManifest()

	block := a.SigningBlock()
	if block == nil {
		return nil
	}
	pairs, err := archive.SigningBlockPairs(block)
	if err != nil {
		return a.SetSigningBlock(nil)
	}
	for _, id := range []uint32{archive.BlockIDSchemeV2, archive.BlockIDSchemeV3, blockIDSchemeV31, blockIDPadding} {
		delete(pairs, id)
	}
	if len(pairs) == 0 {
		return a.SetSigningBlock(nil)
	}
	return a.SetSigningBlock(archive.BuildSigningBlock(sortedIDs(pairs), pairs))
}

func sortedIDs(pairs map[uint32][]byte) []uint32 {
	ids := make([]uint32, 0, len(pairs))
	for id := range pairs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// V1Result v1 校验结果
type V1Result struct {
	Hash  crypto.Hash
	Chain []*x509.Certificate // 叶子证书在前
}

// VerifyV1 用 JAR 校验器检查 v1 签名（PKCS#7、.SF 与清单摘要），
// 并要求归档中每个条目都列在清单里
func VerifyV1(a *archive.Archive) (*V1Result, error) {
	data, err := a.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	sigs, err := signjar.Verify(zr, false)
	if err != nil {
		return nil, fmt.Errorf("%w: v1: %v", ErrSigningFailed, err)
	}
	if len(sigs) != 1 {
		return nil, fmt.Errorf("%w: expected one v1 signer, found %d", ErrSigningFailed, len(sigs))
	}

	e, err := a.Entry(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	raw, err := e.Content()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	manifest, err := signjar.ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse manifest: %v", ErrSigningFailed, err)
	}
	for _, e := range a.Entries() {
		if e.IsDir() || IsSignatureFile(e.Path()) {
			continue
		}
		if _, ok := manifest.Files[e.Path()]; !ok {
			return nil, fmt.Errorf("%w: %s is not listed in manifest", ErrSigningFailed, e.Path())
		}
	}

	sig := sigs[0]
	chain := []*x509.Certificate{sig.Certificate}
	for _, c := range sig.Intermediates {
		if !c.Equal(sig.Certificate) {
			chain = append(chain, c)
		}
	}
	return &V1Result{Hash: sig.Hash, Chain: chain}, nil
}
