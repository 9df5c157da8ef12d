package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// SymmetricKeySize is the AES-256 key length in bytes.
	SymmetricKeySize = 32
	// IVSize is the AES block-sized CFB initialization vector length.
	IVSize = aes.BlockSize
)

var (
	// ErrEncryption indicates a message could not be sealed for a recipient.
	ErrEncryption = errors.New("crypto: encryption failed")
	// ErrDecryption indicates a message could not be opened with the local key.
	ErrDecryption = errors.New("crypto: decryption failed")
)

// Sealed holds the base64 transport form of one hybrid-encrypted message.
type Sealed struct {
	WrappedKey string
	IV         string
	Ciphertext string
}

// Encrypt seals plaintext for a recipient: a fresh AES-256 key encrypts the body
// in CFB mode and RSA-OAEP(SHA-256) wraps the key.
//
// CFB carries no integrity protection; tampering is only detected when the
// wrapped key fails OAEP unpadding.
func Encrypt(recipient *rsa.PublicKey, plaintext string) (Sealed, error) {
	if recipient == nil || recipient.N == nil {
		return Sealed{}, fmt.Errorf("recipient public key is required: %w", ErrEncryption)
	}

	sessionKey := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(sessionKey); err != nil {
		return Sealed{}, fmt.Errorf("generate session key: %v: %w", err, ErrEncryption)
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("generate IV: %v: %w", err, ErrEncryption)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return Sealed{}, fmt.Errorf("create AES cipher: %v: %w", err, ErrEncryption)
	}
	body := []byte(plaintext)
	ciphertext := make([]byte, len(body))
	// CFB is fixed by the wire format; peers cannot decrypt any other mode.
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(ciphertext, body)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, sessionKey, nil)
	if err != nil {
		return Sealed{}, fmt.Errorf("wrap session key: %v: %w", err, ErrEncryption)
	}

	return Sealed{
		WrappedKey: base64.StdEncoding.EncodeToString(wrappedKey),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens a message sealed by Encrypt using the local private key.
func Decrypt(privateKey *rsa.PrivateKey, wrappedKey, iv, ciphertext string) (string, error) {
	if privateKey == nil {
		return "", fmt.Errorf("private key is required: %w", ErrDecryption)
	}

	rawKey, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		return "", fmt.Errorf("decode wrapped key: %v: %w", err, ErrDecryption)
	}
	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("decode IV: %v: %w", err, ErrDecryption)
	}
	if len(rawIV) != IVSize {
		return "", fmt.Errorf("invalid IV length: got %d want %d: %w", len(rawIV), IVSize, ErrDecryption)
	}
	rawBody, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %v: %w", err, ErrDecryption)
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), nil, privateKey, rawKey, nil)
	if err != nil {
		return "", fmt.Errorf("unwrap session key: %v: %w", err, ErrDecryption)
	}
	if len(sessionKey) != SymmetricKeySize {
		return "", fmt.Errorf("invalid session key length: got %d want %d: %w", len(sessionKey), SymmetricKeySize, ErrDecryption)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return "", fmt.Errorf("create AES cipher: %v: %w", err, ErrDecryption)
	}
	plaintext := make([]byte, len(rawBody))
	// CFB is fixed by the wire format.
	cipher.NewCFBDecrypter(block, rawIV).XORKeyStream(plaintext, rawBody)

	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("plaintext is not valid UTF-8: %w", ErrDecryption)
	}

	return string(plaintext), nil
}
