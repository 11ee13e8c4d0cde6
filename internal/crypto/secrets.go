package crypto

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaskSentinel is the literal placed over secret values in configurations
// returned for display. The UI submits it back unchanged to mean "keep the
// stored value" (see Merge).
const MaskSentinel = "[SECRET]"

// secretFields lists, per destination/source kind, the lowercase JSON field
// names whose string values are secrets. Matching is case-insensitive and
// applies at any nesting depth.
var secretFields = map[string][]string{
	"local":        {},
	"ftp":          {"password"},
	"sftp":         {"password", "privatekeypath", "privatekeypassphrase"},
	"s3":           {"accesskey", "secretkey"},
	"azureblob":    {"connectionstring"},
	"http":         {"password", "authtoken", "apikey", "oauthtoken", "clientsecret"},
	"email":        {"password", "smtppassword", "oauthtoken", "resendapikey", "sendgridapikey"},
	"networkshare": {"password"},
	"webdav":       {"password"},
}

func isSecretField(kind, field string) bool {
	for _, f := range secretFields[strings.ToLower(kind)] {
		if f == strings.ToLower(field) {
			return true
		}
	}
	return false
}

// EncryptSecrets walks configJSON and encrypts every secret string leaf that
// is not already PWENC ciphertext. Non-secret fields pass through untouched.
func (s *Service) EncryptSecrets(configJSON, kind string) (string, error) {
	return s.walkSecrets(configJSON, kind, func(value string) (string, error) {
		if IsEncrypted(value) || value == "" {
			return value, nil
		}
		return s.Encrypt(value)
	})
}

// DecryptSecrets is the inverse of EncryptSecrets.
func (s *Service) DecryptSecrets(configJSON, kind string) (string, error) {
	return s.walkSecrets(configJSON, kind, func(value string) (string, error) {
		return s.Decrypt(value)
	})
}

// MaskSecrets unconditionally replaces every secret leaf with MaskSentinel.
// Masking is idempotent: masking a masked config is a no-op.
func (s *Service) MaskSecrets(configJSON, kind string) (string, error) {
	return s.walkSecrets(configJSON, kind, func(string) (string, error) {
		return MaskSentinel, nil
	})
}

// Merge combines a UI-submitted config with the stored one. Secret leaves
// equal to MaskSentinel are taken from stored (the user did not change them);
// everything else is taken from incoming. The result still needs
// EncryptSecrets before persisting.
func (s *Service) Merge(incomingJSON, storedJSON, kind string) (string, error) {
	var incoming, stored map[string]any
	if err := json.Unmarshal([]byte(incomingJSON), &incoming); err != nil {
		return "", fmt.Errorf("crypto: merge: parse incoming config: %w", err)
	}
	if storedJSON != "" {
		if err := json.Unmarshal([]byte(storedJSON), &stored); err != nil {
			return "", fmt.Errorf("crypto: merge: parse stored config: %w", err)
		}
	}

	merged := mergeTree(incoming, stored, kind)
	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("crypto: merge: encode result: %w", err)
	}
	return string(out), nil
}

func mergeTree(incoming, stored map[string]any, kind string) map[string]any {
	out := make(map[string]any, len(incoming))
	for k, v := range incoming {
		switch tv := v.(type) {
		case string:
			if tv == MaskSentinel && isSecretField(kind, k) {
				if sv, ok := stored[k]; ok {
					out[k] = sv
					continue
				}
			}
			out[k] = tv
		case map[string]any:
			var sub map[string]any
			if stored != nil {
				sub, _ = stored[k].(map[string]any)
			}
			out[k] = mergeTree(tv, sub, kind)
		default:
			out[k] = v
		}
	}
	return out
}

// walkSecrets applies fn to every secret string leaf of configJSON.
func (s *Service) walkSecrets(configJSON, kind string, fn func(string) (string, error)) (string, error) {
	if strings.TrimSpace(configJSON) == "" {
		return configJSON, nil
	}
	var tree map[string]any
	if err := json.Unmarshal([]byte(configJSON), &tree); err != nil {
		return "", fmt.Errorf("crypto: parse config json: %w", err)
	}
	if err := walkTree(tree, kind, fn); err != nil {
		return "", err
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("crypto: encode config json: %w", err)
	}
	return string(out), nil
}

func walkTree(node map[string]any, kind string, fn func(string) (string, error)) error {
	for k, v := range node {
		switch tv := v.(type) {
		case string:
			if !isSecretField(kind, k) {
				continue
			}
			nv, err := fn(tv)
			if err != nil {
				return fmt.Errorf("crypto: field %q: %w", k, err)
			}
			node[k] = nv
		case map[string]any:
			if err := walkTree(tv, kind, fn); err != nil {
				return err
			}
		case []any:
			for _, item := range tv {
				if m, ok := item.(map[string]any); ok {
					if err := walkTree(m, kind, fn); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
