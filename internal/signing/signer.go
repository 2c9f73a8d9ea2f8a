package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ErrSigning marks key material or signature problems. Callers treat it as a
// configuration problem, never as something to retry with a weaker algorithm.
var ErrSigning = errors.New("signing error")

// Signer signs canonical request bytes.
type Signer interface {
	Sign(canonical []byte) ([]byte, error)
	// Algorithm is the value sent as sign_type.
	Algorithm() string
}

// Verifier checks a signature produced by the counterparty.
type Verifier interface {
	Verify(canonical, signature []byte) error
}

type RSASigner struct {
	key *rsa.PrivateKey
}

// NewRSASigner parses a PEM (PKCS#1 or PKCS#8) or bare base64 DER private key.
// The key is validated once here, not per request.
func NewRSASigner(material string) (*RSASigner, error) {
	der, err := decodeKeyMaterial(material, "PRIVATE KEY")
	if err != nil {
		return nil, err
	}

	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return &RSASigner{key: k}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrSigning, err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, want RSA", ErrSigning, parsed)
	}
	if err := k.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid private key: %v", ErrSigning, err)
	}
	return &RSASigner{key: k}, nil
}

func (s *RSASigner) Sign(canonical []byte) ([]byte, error) {
	sum := sha256.Sum256(canonical)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return sig, nil
}

func (s *RSASigner) Algorithm() string { return "SHA256WithRSA" }

// Public returns a verifier for this signer's key. Used by tests and by the
// local sandbox provider.
func (s *RSASigner) Public() *RSAVerifier {
	return &RSAVerifier{key: &s.key.PublicKey}
}

type RSAVerifier struct {
	key *rsa.PublicKey
}

// NewRSAVerifier parses a PEM (PKIX or PKCS#1) or bare base64 DER public key.
func NewRSAVerifier(material string) (*RSAVerifier, error) {
	der, err := decodeKeyMaterial(material, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	if k, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return &RSAVerifier{key: k}, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrSigning, err)
	}
	k, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, want RSA", ErrSigning, parsed)
	}
	return &RSAVerifier{key: k}, nil
}

func (v *RSAVerifier) Verify(canonical, signature []byte) error {
	sum := sha256.Sum256(canonical)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, sum[:], signature); err != nil {
		return fmt.Errorf("%w: signature mismatch", ErrSigning)
	}
	return nil
}

// DevSigner is a hash-only placeholder for local development against a
// sandbox. It cannot be built in production.
type DevSigner struct{}

func NewDevSigner(production bool) (*DevSigner, error) {
	if production {
		return nil, fmt.Errorf("%w: hash-only signer is disabled in production", ErrSigning)
	}
	return &DevSigner{}, nil
}

func (DevSigner) Sign(canonical []byte) ([]byte, error) {
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

func (DevSigner) Algorithm() string { return "SHA256" }

func (DevSigner) Verify(canonical, signature []byte) error {
	sum := sha256.Sum256(canonical)
	if string(sum[:]) != string(signature) {
		return fmt.Errorf("%w: signature mismatch", ErrSigning)
	}
	return nil
}

// SignString signs the canonical string and returns it base64 encoded.
func SignString(s Signer, canonical string) (string, error) {
	sig, err := s.Sign([]byte(canonical))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyString checks a base64 signature over the canonical string.
func VerifyString(v Verifier, canonical, signature string) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrSigning)
	}
	return v.Verify([]byte(canonical), raw)
}

// decodeKeyMaterial accepts full PEM, PEM with literal "\n" sequences (as
// found in env files), or the bare base64 body.
func decodeKeyMaterial(material, kind string) ([]byte, error) {
	m := strings.TrimSpace(strings.ReplaceAll(material, `\n`, "\n"))
	if m == "" {
		return nil, fmt.Errorf("%w: empty %s", ErrSigning, strings.ToLower(kind))
	}
	if block, _ := pem.Decode([]byte(m)); block != nil {
		return block.Bytes, nil
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(m), ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is neither PEM nor base64 DER", ErrSigning, strings.ToLower(kind))
	}
	return der, nil
}
