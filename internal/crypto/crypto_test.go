package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name string
		text string
	}{
		{"simple", "secret42"},
		{"empty-ish", "x"},
		{"unicode", "pässwörd-ünïcode-秘密"},
		{"long", string(make([]byte, 4096))},
		{"json", `{"host":"h","password":"p1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := svc.Encrypt(tt.text)
			require.NoError(t, err)
			assert.True(t, IsEncrypted(ct))

			pt, err := svc.Decrypt(ct)
			require.NoError(t, err)
			assert.Equal(t, tt.text, pt)
		})
	}
}

func TestEncryptProducesFreshCiphertext(t *testing.T) {
	svc := newTestService(t)

	a, err := svc.Encrypt("same input")
	require.NoError(t, err)
	b, err := svc.Encrypt("same input")
	require.NoError(t, err)

	// Fresh payload key and nonce per call — identical plaintexts must not
	// produce identical ciphertexts.
	assert.NotEqual(t, a, b)
}

func TestDecryptPassesThroughPlaintext(t *testing.T) {
	svc := newTestService(t)

	pt, err := svc.Decrypt("not encrypted at all")
	require.NoError(t, err)
	assert.Equal(t, "not encrypted at all", pt)

	pt, err = svc.Decrypt("   ")
	require.NoError(t, err)
	assert.Equal(t, "", pt)
}

func TestIsEncrypted(t *testing.T) {
	assert.True(t, IsEncrypted("PWENC:abc::def"))
	assert.False(t, IsEncrypted("pwenc:abc"))
	assert.False(t, IsEncrypted(""))
	assert.False(t, IsEncrypted("plain"))
}

func TestKeypairPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	svc1, err := NewService(dir, zap.NewNop())
	require.NoError(t, err)
	ct, err := svc1.Encrypt("survives restart")
	require.NoError(t, err)

	// A second service over the same directory must load the same keypair.
	svc2, err := NewService(dir, zap.NewNop())
	require.NoError(t, err)
	pt, err := svc2.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "survives restart", pt)
}

func TestMasterSecretChangeIsFatal(t *testing.T) {
	dir := t.TempDir()

	t.Setenv(EnvEncryptionKey, "original-secret")
	_, err := NewService(dir, zap.NewNop())
	require.NoError(t, err)

	t.Setenv(EnvEncryptionKey, "different-secret")
	_, err = NewService(dir, zap.NewNop())
	assert.ErrorIs(t, err, ErrKeyCorrupt)
}

func TestEncryptSecretsRoundTrip(t *testing.T) {
	svc := newTestService(t)

	cfg := `{"host":"ftp.example.com","port":21,"username":"u","password":"p1"}`

	enc, err := svc.EncryptSecrets(cfg, "ftp")
	require.NoError(t, err)

	var tree map[string]any
	require.NoError(t, json.Unmarshal([]byte(enc), &tree))
	assert.True(t, IsEncrypted(tree["password"].(string)))
	assert.Equal(t, "ftp.example.com", tree["host"])

	dec, err := svc.DecryptSecrets(enc, "ftp")
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal([]byte(dec), &back))
	assert.Equal(t, "p1", back["password"])
	assert.Equal(t, "u", back["username"])
}

func TestEncryptSecretsIsIdempotent(t *testing.T) {
	svc := newTestService(t)

	cfg := `{"password":"p1"}`
	once, err := svc.EncryptSecrets(cfg, "ftp")
	require.NoError(t, err)
	twice, err := svc.EncryptSecrets(once, "ftp")
	require.NoError(t, err)

	// Already-encrypted leaves are left alone.
	assert.Equal(t, once, twice)
}

func TestMaskSecrets(t *testing.T) {
	svc := newTestService(t)

	masked, err := svc.MaskSecrets(`{"host":"h","password":"p1"}`, "ftp")
	require.NoError(t, err)

	var tree map[string]any
	require.NoError(t, json.Unmarshal([]byte(masked), &tree))
	assert.Equal(t, MaskSentinel, tree["password"])
	assert.Equal(t, "h", tree["host"])

	// Masking is idempotent.
	again, err := svc.MaskSecrets(masked, "ftp")
	require.NoError(t, err)
	assert.JSONEq(t, masked, again)
}

func TestMaskSecretsNested(t *testing.T) {
	svc := newTestService(t)

	masked, err := svc.MaskSecrets(`{"outer":{"secretkey":"sk","region":"eu-west-1"}}`, "s3")
	require.NoError(t, err)

	var tree map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(masked), &tree))
	assert.Equal(t, MaskSentinel, tree["outer"]["secretkey"])
	assert.Equal(t, "eu-west-1", tree["outer"]["region"])
}

func TestMerge(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name     string
		incoming string
		stored   string
		want     map[string]any
	}{
		{
			name:     "sentinel keeps stored secret",
			incoming: `{"host":"h2","password":"[SECRET]"}`,
			stored:   `{"host":"h","password":"p1"}`,
			want:     map[string]any{"host": "h2", "password": "p1"},
		},
		{
			name:     "new secret wins",
			incoming: `{"host":"h","password":"p2"}`,
			stored:   `{"host":"h","password":"p1"}`,
			want:     map[string]any{"host": "h", "password": "p2"},
		},
		{
			name:     "sentinel with no stored value passes through",
			incoming: `{"password":"[SECRET]"}`,
			stored:   `{}`,
			want:     map[string]any{"password": "[SECRET]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Merge(tt.incoming, tt.stored, "ftp")
			require.NoError(t, err)
			var tree map[string]any
			require.NoError(t, json.Unmarshal([]byte(got), &tree))
			assert.Equal(t, tt.want, tree)
		})
	}
}

func TestEntityHash(t *testing.T) {
	a := EntityHash(map[string]any{"name": "p1", "query": "select 1", "enabled": true})
	b := EntityHash(map[string]any{"enabled": true, "query": "select 1", "name": "p1"})
	assert.Equal(t, a, b, "hash must be order-independent")
	assert.Len(t, a, 64)
	assert.Equal(t, a, EntityHash(map[string]any{"name": "p1", "query": "select 1", "enabled": true}))

	c := EntityHash(map[string]any{"name": "p2", "query": "select 1", "enabled": true})
	assert.NotEqual(t, a, c)
}
