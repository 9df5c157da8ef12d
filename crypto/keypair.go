package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultKeyBits is the RSA modulus size used for node identities.
	DefaultKeyBits = 4096
	// MinKeyBits is the smallest accepted RSA modulus size.
	MinKeyBits = 2048
	// FingerprintLength is the number of hex characters kept from the key hash.
	FingerprintLength = 16

	publicKeyPEMType = "PUBLIC KEY"
)

// ErrKeyFormat indicates malformed or unsupported public key material.
var ErrKeyFormat = errors.New("crypto: malformed key material")

// Identity is the node keypair. It is created once at startup and never mutated.
type Identity struct {
	PrivateKey   *rsa.PrivateKey
	PublicKey    *rsa.PublicKey
	PublicKeyPEM []byte
	Fingerprint  string
}

// GenerateIdentity creates a fresh RSA keypair with public exponent 65537.
func GenerateIdentity(bits int) (*Identity, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < MinKeyBits {
		return nil, fmt.Errorf("generate RSA keypair: key size %d below minimum %d", bits, MinKeyBits)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA keypair: %w", err)
	}

	publicPEM, err := MarshalPublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Identity{
		PrivateKey:   privateKey,
		PublicKey:    &privateKey.PublicKey,
		PublicKeyPEM: publicPEM,
		Fingerprint:  Fingerprint(publicPEM),
	}, nil
}

// MarshalPublicKeyPEM encodes a public key as a PKIX PEM block.
func MarshalPublicKeyPEM(publicKey *rsa.PublicKey) ([]byte, error) {
	if publicKey == nil {
		return nil, fmt.Errorf("marshal public key: %w", ErrKeyFormat)
	}

	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PKIX PEM block holding an RSA public key.
func ParsePublicKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode public key PEM: no PEM block: %w", ErrKeyFormat)
	}
	if block.Type != publicKeyPEMType {
		return nil, fmt.Errorf("decode public key PEM: unexpected type %q: %w", block.Type, ErrKeyFormat)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %v: %w", err, ErrKeyFormat)
	}

	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: unsupported key type %T: %w", parsed, ErrKeyFormat)
	}

	return publicKey, nil
}

// Fingerprint returns the upper-cased, truncated SHA-256 hex digest of serialized key material.
func Fingerprint(publicKeyPEM []byte) string {
	sum := sha256.Sum256(publicKeyPEM)
	return strings.ToUpper(hex.EncodeToString(sum[:])[:FingerprintLength])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
