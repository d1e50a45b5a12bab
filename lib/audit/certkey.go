package audit

import (
	"crypto"
	"crypto/x509"

	"github.com/gravitational/trace"
)

// parsePKCS1OrPKCS8 decodes a DER-encoded private key returned by the
// fake-cert side-car, trying PKCS#1 RSA first and falling back to the
// generic PKCS#8 container (which also covers ECDSA/Ed25519 keys).
func parsePKCS1OrPKCS8(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, trace.BadParameter("unrecognized private key encoding: %v", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, trace.BadParameter("parsed key does not implement crypto.Signer")
	}
	return signer, nil
}
