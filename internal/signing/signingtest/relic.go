// Package signingtest 用 relic 的 APK 校验器独立检查签名输出
package signingtest

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/sassoftware/relic/v7/signers"
	relicapk "github.com/sassoftware/relic/v7/signers/apk"
	"github.com/stretchr/testify/require"
)

// Verify 校验 v2 签名块结构与签名、v1 JAR 签名及 X-Android-APK-Signed 回滚标记，按方案（"v1"/"v2"）返回签名。
// v2 的内容摘要不在这里核对。
func Verify(t *testing.T, apk []byte) map[string]*signers.Signature {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signed.apk")
	require.NoError(t, os.WriteFile(path, apk, 0644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	sigs, err := relicapk.ApkSigner.Verify(f, signers.VerifyOpts{})
	require.NoError(t, err)
	out := make(map[string]*signers.Signature, len(sigs))
	for _, sig := range sigs {
		require.NotContains(t, out, sig.SigInfo, "duplicate %s signer", sig.SigInfo)
		out[sig.SigInfo] = sig
	}
	return out
}

// RequireSigner 断言方案集合恰为 schemes，且每个签名者证书都是 cert
func RequireSigner(t *testing.T, apk []byte, cert *x509.Certificate, schemes ...string) map[string]*signers.Signature {
	t.Helper()
	sigs := Verify(t, apk)
	require.Len(t, sigs, len(schemes))
	for _, scheme := range schemes {
		sig, ok := sigs[scheme]
		require.True(t, ok, "missing %s signature", scheme)
		require.NotNil(t, sig.X509Signature)
		require.Equal(t, cert.Raw, sig.X509Signature.Certificate.Raw, "%s signer certificate", scheme)
	}
	return sigs
}
