package signing

import (
	"fmt"

	"github.com/sassoftware/relic/v7/lib/pkcs7"
)

// buildSignatureBlock 生成 .RSA/.EC 文件内容：对 .SF 的 detached PKCS#7 SignedData，不带认证属性
func buildSignatureBlock(c Crypto, id *Identity, sf []byte) ([]byte, error) {
	builder := pkcs7.NewBuilder(adapterSigner{c: c, id: id}, id.Chain(), c.Hash())
	if err := builder.SetDetachedContent(pkcs7.OidData, c.Digest(sf)); err != nil {
		return nil, fmt.Errorf("%w: pkcs7: %v", ErrSigningFailed, err)
	}
	psd, err := builder.Sign()
	if err != nil {
		return nil, fmt.Errorf("%w: pkcs7: %v", ErrSigningFailed, err)
	}
	der, err := psd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal pkcs7: %v", ErrSigningFailed, err)
	}
	return der, nil
}
