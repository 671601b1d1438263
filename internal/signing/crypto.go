package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
)

// Crypto 密码学适配器：签名阶段只通过它计算摘要与签名
type Crypto interface {
	Hash() crypto.Hash
	Digest(data []byte) []byte
	Sign(digest []byte, id *Identity) ([]byte, error)
}

// SHA256 使用 SHA-256 摘要，RSA PKCS#1 v1.5 / ECDSA(ASN.1) 签名
type SHA256 struct {
	Rand io.Reader
}

func (SHA256) Hash() crypto.Hash { return crypto.SHA256 }

// Digest 计算 SHA-256
func (SHA256) Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Sign 对摘要签名
func (c SHA256) Sign(digest []byte, id *Identity) ([]byte, error) {
	return signDigest(c.Rand, crypto.SHA256, digest, id)
}

// SHA1 API 18 以下的 JarVerifier 只认 SHA-1 摘要
type SHA1 struct {
	Rand io.Reader
}

func (SHA1) Hash() crypto.Hash { return crypto.SHA1 }

// Digest 计算 SHA-1
func (SHA1) Digest(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

// Sign 对摘要签名
func (c SHA1) Sign(digest []byte, id *Identity) ([]byte, error) {
	return signDigest(c.Rand, crypto.SHA1, digest, id)
}

func signDigest(r io.Reader, h crypto.Hash, digest []byte, id *Identity) ([]byte, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: no signing identity", ErrSigningFailed)
	}
	if r == nil {
		r = rand.Reader
	}
	var (
		sig []byte
		err error
	)
	switch k := id.key.(type) {
	case *rsa.PrivateKey:
		sig, err = rsa.SignPKCS1v15(r, k, h, digest)
	case *ecdsa.PrivateKey:
		sig, err = ecdsa.SignASN1(r, k, digest)
	default:
		err = fmt.Errorf("unsupported key type %T", k)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return sig, nil
}

// adapterSigner 让 PKCS#7 构造器经由 Crypto 适配器签名，私钥不离开 Identity
type adapterSigner struct {
	c  Crypto
	id *Identity
}

func (s adapterSigner) Public() crypto.PublicKey { return s.id.key.Public() }

func (s adapterSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != s.c.Hash() {
		return nil, fmt.Errorf("%w: digest %v requested from %v adapter", ErrSigningFailed, opts.HashFunc(), s.c.Hash())
	}
	return s.c.Sign(digest, s.id)
}

// verifyDigest 用证书公钥校验 SHA-256 摘要签名
func verifyDigest(pub crypto.PublicKey, digest, sig []byte) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest, sig) {
			return fmt.Errorf("ecdsa signature mismatch")
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key %T", pub)
	}
}
