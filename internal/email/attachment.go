package email

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"
)

// Attachment modes.
const (
	AttachBinary           = "binary"
	AttachDocumentTemplate = "documenttemplate"
)

// Attachment deduplication strategies.
const (
	DedupByFilename = "ByFilename"
	DedupByHash     = "ByHash"
)

// attachmentWarnBytes is the total-size threshold above which a warning is
// logged. Most relays reject messages past 25 MB.
const attachmentWarnBytes = 25 << 20

// AttachmentConfig describes how attachments are materialised from rows.
type AttachmentConfig struct {
	Mode             string `json:"mode"` // binary, documenttemplate
	ContentColumn    string `json:"content_column"`
	FilenameColumn   string `json:"filename_column"`
	DocumentTemplate string `json:"document_template"`
	DocumentFilename string `json:"document_filename"`
	Dedup            string `json:"dedup"` // ByFilename, ByHash
	MaxPerEmail      int    `json:"max_per_email"`
}

// ParseAttachmentConfig decodes the profile's attachment configuration.
// Empty input means no attachments.
func ParseAttachmentConfig(raw string) (*AttachmentConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var cfg AttachmentConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("email: attachment config: %w", err)
	}
	cfg.Mode = strings.ToLower(cfg.Mode)
	if cfg.Mode == "" {
		return nil, nil
	}
	return &cfg, nil
}

// Attachment is one in-memory file to attach.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// binaryAttachments extracts one attachment per row from the configured
// content and filename columns. Content may be raw bytes or base64 text.
func binaryAttachments(cfg *AttachmentConfig, rows []map[string]any) ([]Attachment, error) {
	var out []Attachment
	for _, row := range rows {
		content, ok := columnValue(row, cfg.ContentColumn)
		if !ok || content == nil {
			continue
		}
		data, err := contentBytes(content)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		name := "attachment.bin"
		if v, ok := columnValue(row, cfg.FilenameColumn); ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprintf("%v", v)); s != "" {
				name = s
			}
		}
		name = sanitizeAttachmentName(name)

		out = append(out, Attachment{
			Filename:    name,
			ContentType: contentTypeByExt(name),
			Content:     data,
		})
	}
	return out, nil
}

// contentBytes accepts raw bytes or a valid base64 string.
func contentBytes(v any) ([]byte, error) {
	switch tv := v.(type) {
	case []byte:
		return tv, nil
	case string:
		s := strings.TrimSpace(tv)
		if s == "" {
			return nil, nil
		}
		if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
			return decoded, nil
		}
		return []byte(tv), nil
	default:
		return nil, fmt.Errorf("email: attachment content is %T, want bytes or base64 text", v)
	}
}

// dedupeAttachments applies the configured strategy, caps the count, and
// warns when the total size crosses the relay threshold.
func dedupeAttachments(attachments []Attachment, cfg *AttachmentConfig, logger *zap.Logger) []Attachment {
	if len(attachments) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var out []Attachment
	var total int

	for _, a := range attachments {
		var key string
		switch cfg.Dedup {
		case DedupByFilename:
			key = strings.ToLower(a.Filename)
		case DedupByHash:
			sum := md5.Sum(a.Content)
			key = hex.EncodeToString(sum[:])
		}
		if key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}

		if cfg.MaxPerEmail > 0 && len(out) >= cfg.MaxPerEmail {
			logger.Warn("attachment limit reached, dropping remainder",
				zap.Int("max_per_email", cfg.MaxPerEmail))
			break
		}

		out = append(out, a)
		total += len(a.Content)
	}

	if total > attachmentWarnBytes {
		logger.Warn("attachment payload exceeds 25 MB, relays may reject it",
			zap.Int("total_bytes", total))
	}
	return out
}

func sanitizeAttachmentName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

// contentTypeByExt maps common extensions; anything else is octet-stream.
func contentTypeByExt(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	case ".xml":
		return "application/xml"
	case ".json":
		return "application/json"
	case ".zip":
		return "application/zip"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}

// columnValue looks a column up case-insensitively.
func columnValue(row map[string]any, column string) (any, bool) {
	if column == "" {
		return nil, false
	}
	if v, ok := row[column]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, column) {
			return v, true
		}
	}
	return nil, false
}
