// Package destination delivers export artifacts to configured endpoints.
// A dispatcher fronts per-kind drivers; every driver takes its plaintext
// configuration JSON (decryption happens upstream, see internal/crypto) and
// never logs credential fields.
package destination

import (
	"encoding/json"
	"fmt"

	"github.com/reef-io/reef/internal/db"
)

// LocalConfig configures the local filesystem kind.
type LocalConfig struct {
	BasePath        string `json:"base_path"`
	UseRelativePath bool   `json:"use_relative_path"`
}

// FTPConfig configures the FTP kind. SFTP shares the shape plus key auth.
type FTPConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	RemotePath     string `json:"remote_path"`
	UseSSL         bool   `json:"use_ssl"`
	UsePassiveMode bool   `json:"use_passive_mode"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SFTPConfig configures the SFTP kind.
type SFTPConfig struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	Username             string `json:"username"`
	Password             string `json:"password"`
	PrivateKey           string `json:"private_key"`
	PrivateKeyPassphrase string `json:"private_key_passphrase"`
	RemotePath           string `json:"remote_path"`
	TimeoutSeconds       int    `json:"timeout_seconds"`
}

// S3Config configures the S3 kind, including S3-compatible providers via
// ServiceURL with path-style addressing.
type S3Config struct {
	BucketName     string `json:"bucket_name"`
	Region         string `json:"region"`
	AccessKey      string `json:"access_key"`
	SecretKey      string `json:"secret_key"`
	ServiceURL     string `json:"service_url"`
	ForcePathStyle bool   `json:"force_path_style"`
	StorageClass   string `json:"storage_class"`
	Prefix         string `json:"prefix"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AzureBlobConfig configures the Azure Blob kind.
type AzureBlobConfig struct {
	ConnectionString string `json:"connection_string"`
	ContainerName    string `json:"container_name"`
}

// HTTPConfig configures the HTTP kind.
type HTTPConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	AuthType       string            `json:"auth_type"` // None, Basic, Bearer, ApiKey, OAuth2
	Username       string            `json:"username"`
	Password       string            `json:"password"`
	AuthToken      string            `json:"auth_token"`
	APIKey         string            `json:"api_key"`
	APIKeyHeader   string            `json:"api_key_header"`
	OAuthTokenURL  string            `json:"oauth_token_url"`
	ClientID       string            `json:"client_id"`
	ClientSecret   string            `json:"client_secret"`
	Scopes         []string          `json:"scopes"`
	Headers        map[string]string `json:"headers"`
	UploadFormat   string            `json:"upload_format"` // raw, multipart
	FileFieldName  string            `json:"file_field_name"`
	FileNameHeader string            `json:"file_name_header"`
	ContentType    string            `json:"content_type"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// NetworkShareConfig configures the network share kind. The share is
// expected to be reachable as a filesystem path (UNC or mount point).
type NetworkShareConfig struct {
	BasePath     string `json:"base_path"`
	SubFolder    string `json:"sub_folder"`
	Domain       string `json:"domain"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RetryCount   int    `json:"retry_count"`
	RetryDelayMs int    `json:"retry_delay_ms"`
}

// WebDavConfig configures the WebDAV kind.
type WebDavConfig struct {
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	RemotePath     string `json:"remote_path"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// decodeConfig unmarshals a plaintext config JSON into the kind's struct.
func decodeConfig[T any](kind db.DestinationKind, raw string) (*T, error) {
	var cfg T
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("destination: %s config: %w", kind, err)
	}
	return &cfg, nil
}
