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
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Marker is the literal prefix identifying encrypted strings at rest.
const Marker = "PWENC:"

// separator splits the wrapped key block from the payload ciphertext.
const separator = "::"

// symmetricKeySize is the AES-256 payload key size in bytes.
const symmetricKeySize = 32

// Service encrypts and decrypts Reef secrets. The keypair is loaded once at
// construction and is read-only afterwards, so a single Service is safe for
// concurrent use by every pipeline.
type Service struct {
	key    *rsa.PrivateKey
	logger *zap.Logger
}

// NewService initialises the encryption service. catalogDir is the directory
// holding the catalog database; the key directory is created beside it.
// Returns ErrKeyCorrupt when an existing private key cannot be unwrapped.
func NewService(catalogDir string, logger *zap.Logger) (*Service, error) {
	master := resolveMasterSecret(catalogDir)
	ks := &keyStore{
		dir:    filepath.Join(catalogDir, keyDirName),
		logger: logger.Named("crypto"),
	}
	key, err := ks.loadOrCreate(master)
	if err != nil {
		return nil, err
	}
	return &Service{key: key, logger: logger.Named("crypto")}, nil
}

// IsEncrypted reports whether text carries the PWENC marker.
func IsEncrypted(text string) bool {
	return strings.HasPrefix(text, Marker)
}

// Encrypt produces a PWENC ciphertext for text. A fresh AES-256 key and GCM
// nonce are generated per call; both are wrapped with RSA-OAEP-SHA256 so only
// the holder of the private key can recover them.
//
// Wire format: PWENC:<base64(rsa(key||nonce))>::<base64(gcm_ciphertext)>
func (s *Service) Encrypt(text string) (string, error) {
	key := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("crypto: generate payload key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: payload cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: payload gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(text), nil)

	keyBlock := append(append([]byte{}, key...), nonce...)
	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &s.key.PublicKey, keyBlock, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: wrap payload key: %w", err)
	}

	return Marker +
		base64.StdEncoding.EncodeToString(wrappedKey) +
		separator +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Input without the PWENC marker is returned
// unchanged (legacy plaintext values remain readable); blank input yields "".
func (s *Service) Decrypt(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if !IsEncrypted(text) {
		return text, nil
	}

	body := strings.TrimPrefix(text, Marker)
	keyPart, ctPart, ok := strings.Cut(body, separator)
	if !ok {
		return "", errors.New("crypto: malformed ciphertext: missing separator")
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyPart))
	if err != nil {
		return "", fmt.Errorf("crypto: decode key block: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ctPart))
	if err != nil {
		return "", fmt.Errorf("crypto: decode payload: %w", err)
	}

	keyBlock, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, s.key, wrappedKey, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: unwrap payload key: %w", err)
	}
	if len(keyBlock) < symmetricKeySize {
		return "", errors.New("crypto: key block too short")
	}
	key, nonce := keyBlock[:symmetricKeySize], keyBlock[symmetricKeySize:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: payload cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: payload gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return "", errors.New("crypto: bad nonce length")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt payload: %w", err)
	}
	return string(plaintext), nil
}
