// Package signing 实现 APK v1 (JAR) 与 v2 (APK Signing Block) 签名。
//
// 私钥只在内存中以 Identity 形式只读使用，不落盘、不写日志。
package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// ErrSigningFailed 密钥/证书不匹配或密码学适配器失败
var ErrSigningFailed = errors.New("signing failed")

// KeyAlgorithm 临时身份的密钥类型
type KeyAlgorithm string

const (
	KeyRSA   KeyAlgorithm = "rsa"
	KeyECDSA KeyAlgorithm = "ecdsa"
)

// Identity 签名身份：私钥 + 证书链（叶子证书在前）
type Identity struct {
	key   crypto.Signer
	chain []*x509.Certificate
}

// NewIdentity 校验私钥与叶子证书匹配后创建身份
func NewIdentity(key crypto.Signer, chain []*x509.Certificate) (*Identity, error) {
	if key == nil || len(chain) == 0 {
		return nil, fmt.Errorf("%w: identity needs a key and at least one certificate", ErrSigningFailed)
	}
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrSigningFailed, key)
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(chain[0].PublicKey) {
		return nil, fmt.Errorf("%w: private key does not match certificate %s", ErrSigningFailed, chain[0].Subject)
	}
	return &Identity{key: key, chain: chain}, nil
}

// Certificate 叶子证书
func (id *Identity) Certificate() *x509.Certificate { return id.chain[0] }

// Chain 完整证书链
func (id *Identity) Chain() []*x509.Certificate { return id.chain }

// Fingerprint 叶子证书 SHA-256 指纹
func (id *Identity) Fingerprint() string {
	sum := sha256.Sum256(id.chain[0].Raw)
	return hex.EncodeToString(sum[:])
}

// IsRSA 私钥是否为 RSA
func (id *Identity) IsRSA() bool {
	_, ok := id.key.(*rsa.PrivateKey)
	return ok
}

// String 只输出证书主题与指纹，保证身份不会经日志泄露私钥
func (id *Identity) String() string {
	return fmt.Sprintf("%s (sha256:%s)", id.chain[0].Subject, id.Fingerprint())
}

// GoString 同 String
func (id *Identity) GoString() string { return id.String() }

// LoadPEM 解析 PEM 私钥（PKCS#1 / PKCS#8 / SEC1）与证书链
func LoadPEM(keyPEM, certPEM []byte) (*Identity, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in key", ErrSigningFailed)
	}
	key, err := parsePrivateKey(block)
	if err != nil {
		return nil, err
	}

	var chain []*x509.Certificate
	rest := certPEM
	for {
		var b *pem.Block
		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}
		if b.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(b.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse certificate: %v", ErrSigningFailed, err)
		}
		chain = append(chain, cert)
	}
	return NewIdentity(key, chain)
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse PKCS#1 key: %v", ErrSigningFailed, err)
		}
		return k, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse EC key: %v", ErrSigningFailed, err)
		}
		return k, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse PKCS#8 key: %v", ErrSigningFailed, err)
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: PKCS#8 key %T cannot sign", ErrSigningFailed, k)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("%w: unsupported PEM block %q", ErrSigningFailed, block.Type)
	}
}

// LoadPKCS12 解析 PKCS#12 (.p12/.pfx) 密钥库
func LoadPKCS12(data []byte, password string) (*Identity, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: decode pkcs12: %v", ErrSigningFailed, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: pkcs12 key %T cannot sign", ErrSigningFailed, key)
	}
	return NewIdentity(signer, []*x509.Certificate{cert})
}

// LoadFiles 按路径加载身份：p12Path 非空时使用 PKCS#12，否则使用 PEM 私钥与证书
func LoadFiles(keyPath, certPath, p12Path, password string) (*Identity, error) {
	if p12Path != "" {
		data, err := os.ReadFile(p12Path)
		if err != nil {
			return nil, fmt.Errorf("read pkcs12: %w", err)
		}
		return LoadPKCS12(data, password)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	return LoadPEM(keyPEM, certPEM)
}

// Ephemeral 生成仅存在于内存中的自签名身份（CN=SelfCert，有效期一年）
func Ephemeral(commonName string, algo KeyAlgorithm) (*Identity, error) {
	if commonName == "" {
		commonName = "SelfCert"
	}
	var key crypto.Signer
	var err error
	switch algo {
	case KeyECDSA:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyRSA, "":
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("%w: unknown key algorithm %q", ErrSigningFailed, algo)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrSigningFailed, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: serial: %v", ErrSigningFailed, err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-24 * time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("%w: create certificate: %v", ErrSigningFailed, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %v", ErrSigningFailed, err)
	}
	return NewIdentity(key, []*x509.Certificate{cert})
}
