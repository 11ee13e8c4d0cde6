// Package crypto implements Reef's secrets-at-rest encryption and integrity
// hashing. Secrets are encrypted with a hybrid scheme: each Encrypt call
// generates a fresh AES-256 key and GCM nonce for the payload, then wraps
// key and nonce with the process RSA public key (OAEP-SHA256). Ciphertexts
// carry the literal "PWENC:" marker so stored values self-describe whether
// they are encrypted.
//
// The RSA keypair is self-managed: on first use it is generated and persisted
// under a hidden directory next to the catalog, with the private key wrapped
// under a symmetric key derived from the master secret. Losing the master
// secret makes the private key unreadable — that is fatal by design, and the
// operator must delete the key directory to regenerate (re-encrypting all
// stored secrets).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reserved file names inside the key directory. The names are deliberately
// unremarkable so the directory does not advertise what it holds.
const (
	keyDirName     = ".reef-keys"
	privateKeyFile = "recovery.baklz4"   // RSA private key, wrapped under the master secret
	publicKeyFile  = "snapshot_blob.bin" // RSA public key, plaintext PEM
	identityFile   = "store.jsonc"       // machine identity reference
)

// EnvEncryptionKey is the environment variable holding the master secret.
const EnvEncryptionKey = "REEF_ENCRYPTION_KEY"

// fallbackMasterSecret is used when no master secret is configured anywhere.
// It offers obfuscation only; production deployments must set REEF_ENCRYPTION_KEY.
const fallbackMasterSecret = "reef-default-master-secret-change-me"

// ErrKeyCorrupt is returned when the private key file exists but cannot be
// unwrapped — typically because the master secret changed. The process must
// refuse to run: silently regenerating would orphan every stored ciphertext.
var ErrKeyCorrupt = errors.New("crypto: private key unreadable — master secret changed? delete the key directory to regenerate (stored secrets will need re-entry)")

// keyStore owns the RSA keypair files on disk.
type keyStore struct {
	dir    string
	logger *zap.Logger
}

// identity is the content of store.jsonc. It ties the key directory to the
// installation that created it, for operator diagnostics only.
type identity struct {
	MachineID string    `json:"machine_id"`
	CreatedAt time.Time `json:"created_at"`
}

// loadOrCreate returns the keypair, generating and persisting a new one when
// the key directory does not exist yet.
func (ks *keyStore) loadOrCreate(master []byte) (*rsa.PrivateKey, error) {
	privPath := filepath.Join(ks.dir, privateKeyFile)

	if _, err := os.Stat(privPath); errors.Is(err, os.ErrNotExist) {
		return ks.generate(master)
	}

	wrapped, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("crypto: read private key: %w", err)
	}

	pemBytes, err := unwrap(wrapped, master)
	if err != nil {
		return nil, ErrKeyCorrupt
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrKeyCorrupt
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, ErrKeyCorrupt
	}
	return key, nil
}

// generate creates a 2048-bit keypair and persists all three key files.
func (ks *keyStore) generate(master []byte) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate keypair: %w", err)
	}

	if err := os.MkdirAll(ks.dir, 0o700); err != nil {
		return nil, fmt.Errorf("crypto: create key directory: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	wrapped, err := wrap(privPEM, master)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrap private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ks.dir, privateKeyFile), wrapped, 0o600); err != nil {
		return nil, fmt.Errorf("crypto: write private key: %w", err)
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	})
	if err := os.WriteFile(filepath.Join(ks.dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("crypto: write public key: %w", err)
	}

	id := identity{MachineID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	idBytes, _ := json.MarshalIndent(id, "", "  ")
	if err := os.WriteFile(filepath.Join(ks.dir, identityFile), idBytes, 0o644); err != nil {
		return nil, fmt.Errorf("crypto: write identity file: %w", err)
	}

	ks.logger.Info("generated new encryption keypair", zap.String("dir", ks.dir))
	return key, nil
}

// wrap encrypts data with AES-256-GCM keyed by sha256(master).
// Output is nonce || ciphertext.
func wrap(data, master []byte) ([]byte, error) {
	sum := sha256.Sum256(master)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

// unwrap is the inverse of wrap. GCM authentication fails when the master
// secret does not match the one used at wrap time.
func unwrap(data, master []byte) ([]byte, error) {
	sum := sha256.Sum256(master)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("crypto: wrapped key too short")
	}
	nonce, ct := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// resolveMasterSecret loads the master secret in priority order: environment
// variable, a .env file next to the catalog, then the fallback constant.
func resolveMasterSecret(catalogDir string) []byte {
	if v := os.Getenv(EnvEncryptionKey); v != "" {
		return []byte(v)
	}
	if v := readDotEnv(filepath.Join(catalogDir, ".env"), EnvEncryptionKey); v != "" {
		return []byte(v)
	}
	return []byte(fallbackMasterSecret)
}

// readDotEnv extracts a single KEY=value line from a .env file.
// Quotes around the value are stripped; comment lines are ignored.
func readDotEnv(path, key string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) != key {
			continue
		}
		v = strings.TrimSpace(v)
		v = strings.Trim(v, `"'`)
		return v
	}
	return ""
}
