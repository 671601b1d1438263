package signing

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/apk-analysis/apk-rebuild-go/internal/align"
	"github.com/apk-analysis/apk-rebuild-go/internal/archive"
)

// v2 签名算法 ID
const (
	sigRSAPKCS1v15SHA256 = 0x0103
	sigECDSASHA256       = 0x0201
)

const v2ChunkSize = 1 << 20

// V2Signer APK Signature Scheme v2 签名器
type V2Signer struct {
	crypto Crypto
}

// NewV2Signer 创建 v2 签名器
func NewV2Signer(c Crypto) *V2Signer {
	return &V2Signer{crypto: c}
}

// Sign 在对齐后的归档上生成 v2 签名块
//
// 只接受 align.Align 产生的凭证：v2 摘要覆盖包括填充在内的完整布局，
// 对齐之后归档不允许再变化。
func (s *V2Signer) Sign(aligned *align.Aligned, id *Identity) error {
	if aligned == nil {
		return fmt.Errorf("%w: archive is not aligned", ErrSigningFailed)
	}
	if id == nil {
		return fmt.Errorf("%w: no signing identity", ErrSigningFailed)
	}
	if s.crypto.Hash() != crypto.SHA256 {
		return fmt.Errorf("%w: v2 needs a SHA-256 adapter, got %v", ErrSigningFailed, s.crypto.Hash())
	}
	a := aligned.Archive()
	if err := align.Verify(a, aligned.Options()); err != nil {
		return fmt.Errorf("%w: archive changed after alignment: %v", ErrSigningFailed, err)
	}

	pairs := map[uint32][]byte{}
	if block := a.SigningBlock(); block != nil {
		if existing, err := archive.SigningBlockPairs(block); err == nil {
			pairs = existing
		}
	}
	for _, bid := range []uint32{archive.BlockIDSchemeV2, archive.BlockIDSchemeV3, blockIDSchemeV31, blockIDPadding} {
		delete(pairs, bid)
	}
	if err := a.SetSigningBlock(nil); err != nil {
		return err
	}

	sections, err := a.Sections()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	digest := contentDigest(s.crypto, sections.Entries, sections.CentralDirectory, sections.EOCD)

	algo := uint32(sigECDSASHA256)
	if id.IsRSA() {
		algo = sigRSAPKCS1v15SHA256
	}
	signedData := encodeSignedData(algo, digest, id.Chain())
	sig, err := s.crypto.Sign(s.crypto.Digest(signedData), id)
	if err != nil {
		return err
	}

	var record []byte
	record = binary.LittleEndian.AppendUint32(record, algo)
	record = appendPrefixed(record, sig)

	var signer []byte
	signer = appendPrefixed(signer, signedData)
	signer = appendPrefixed(signer, appendPrefixed(nil, record))
	signer = appendPrefixed(signer, id.Certificate().RawSubjectPublicKeyInfo)

	pairs[archive.BlockIDSchemeV2] = appendPrefixed(nil, appendPrefixed(nil, signer))
	return a.SetSigningBlock(archive.BuildSigningBlock(sortedIDs(pairs), pairs))
}

func encodeSignedData(algo uint32, digest []byte, chain []*x509.Certificate) []byte {
	var d []byte
	d = binary.LittleEndian.AppendUint32(d, algo)
	d = appendPrefixed(d, digest)

	var certs []byte
	for _, c := range chain {
		certs = appendPrefixed(certs, c.Raw)
	}

	var out []byte
	out = appendPrefixed(out, appendPrefixed(nil, d))
	out = appendPrefixed(out, certs)
	return appendPrefixed(out, nil) // additional attributes
}

// contentDigest 1MiB 分块摘要：chunk = D(0xa5|len|data)，top = D(0x5a|count|chunks...)
func contentDigest(c Crypto, parts ...[]byte) []byte {
	var digests []byte
	var count uint32
	for _, p := range parts {
		for off := 0; off < len(p); off += v2ChunkSize {
			end := off + v2ChunkSize
			if end > len(p) {
				end = len(p)
			}
			buf := make([]byte, 5, 5+end-off)
			buf[0] = 0xa5
			binary.LittleEndian.PutUint32(buf[1:], uint32(end-off))
			buf = append(buf, p[off:end]...)
			digests = append(digests, c.Digest(buf)...)
			count++
		}
	}
	top := make([]byte, 5, 5+len(digests))
	top[0] = 0x5a
	binary.LittleEndian.PutUint32(top[1:], count)
	return c.Digest(append(top, digests...))
}

func appendPrefixed(b, v []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

var errShortBuffer = errors.New("length-prefixed field exceeds buffer")

func readPrefixed(r *bytes.Buffer) (*bytes.Buffer, error) {
	if r.Len() < 4 {
		return nil, errShortBuffer
	}
	n := binary.LittleEndian.Uint32(r.Next(4))
	if uint64(n) > uint64(r.Len()) {
		return nil, errShortBuffer
	}
	return bytes.NewBuffer(r.Next(int(n))), nil
}

// VerifyV2 校验序列化后 APK 的 v2 签名，返回签名者证书链
func VerifyV2(data []byte, c Crypto) ([]*x509.Certificate, error) {
	a, err := archive.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	block := a.SigningBlock()
	if block == nil {
		return nil, fmt.Errorf("%w: no APK signing block", ErrSigningFailed)
	}
	pairs, err := archive.SigningBlockPairs(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	value, ok := pairs[archive.BlockIDSchemeV2]
	if !ok {
		return nil, fmt.Errorf("%w: no v2 signature in signing block", ErrSigningFailed)
	}

	certs, digest, err := verifyV2Signer(bytes.NewBuffer(value), c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	unsigned := a.Clone()
	if err := unsigned.SetSigningBlock(nil); err != nil {
		return nil, err
	}
	sections, err := unsigned.Sections()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if !bytes.Equal(digest, contentDigest(c, sections.Entries, sections.CentralDirectory, sections.EOCD)) {
		return nil, fmt.Errorf("%w: v2 content digest mismatch", ErrSigningFailed)
	}
	return certs, nil
}

func verifyV2Signer(value *bytes.Buffer, c Crypto) ([]*x509.Certificate, []byte, error) {
	signers, err := readPrefixed(value)
	if err != nil {
		return nil, nil, fmt.Errorf("read signers: %w", err)
	}
	signer, err := readPrefixed(signers)
	if err != nil {
		return nil, nil, fmt.Errorf("read signer: %w", err)
	}
	signedData, err := readPrefixed(signer)
	if err != nil {
		return nil, nil, fmt.Errorf("read signed data: %w", err)
	}
	signedBytes := append([]byte(nil), signedData.Bytes()...)
	signatures, err := readPrefixed(signer)
	if err != nil {
		return nil, nil, fmt.Errorf("read signatures: %w", err)
	}
	pubKey, err := readPrefixed(signer)
	if err != nil {
		return nil, nil, fmt.Errorf("read public key: %w", err)
	}

	record, err := readPrefixed(signatures)
	if err != nil {
		return nil, nil, fmt.Errorf("read signature record: %w", err)
	}
	if record.Len() < 4 {
		return nil, nil, fmt.Errorf("signature record too short")
	}
	algo := binary.LittleEndian.Uint32(record.Next(4))
	sig, err := readPrefixed(record)
	if err != nil {
		return nil, nil, fmt.Errorf("read signature: %w", err)
	}
	if algo != sigRSAPKCS1v15SHA256 && algo != sigECDSASHA256 {
		return nil, nil, fmt.Errorf("unsupported signature algorithm %#x", algo)
	}

	pub, err := x509.ParsePKIXPublicKey(pubKey.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("parse public key: %w", err)
	}
	if err := verifyDigest(pub, c.Digest(signedBytes), sig.Bytes()); err != nil {
		return nil, nil, fmt.Errorf("signed data signature: %w", err)
	}

	digests, err := readPrefixed(signedData)
	if err != nil {
		return nil, nil, fmt.Errorf("read digests: %w", err)
	}
	var contentDigest []byte
	for digests.Len() > 0 {
		d, err := readPrefixed(digests)
		if err != nil {
			return nil, nil, fmt.Errorf("read digest record: %w", err)
		}
		if d.Len() < 4 {
			return nil, nil, fmt.Errorf("digest record too short")
		}
		if binary.LittleEndian.Uint32(d.Next(4)) != algo {
			continue
		}
		cd, err := readPrefixed(d)
		if err != nil {
			return nil, nil, fmt.Errorf("read content digest: %w", err)
		}
		contentDigest = cd.Bytes()
	}
	if contentDigest == nil {
		return nil, nil, fmt.Errorf("no content digest for algorithm %#x", algo)
	}

	certList, err := readPrefixed(signedData)
	if err != nil {
		return nil, nil, fmt.Errorf("read certificates: %w", err)
	}
	var certs []*x509.Certificate
	for certList.Len() > 0 {
		raw, err := readPrefixed(certList)
		if err != nil {
			return nil, nil, fmt.Errorf("read certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(raw.Bytes())
		if err != nil {
			return nil, nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, nil, fmt.Errorf("no certificates listed")
	}
	if !bytes.Equal(certs[0].RawSubjectPublicKeyInfo, pubKey.Bytes()) {
		return nil, nil, fmt.Errorf("public key mismatch between certificate and signer")
	}
	return certs, contentDigest, nil
}
