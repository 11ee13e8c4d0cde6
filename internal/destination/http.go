package destination

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// httpDriver posts artifacts to an HTTP endpoint, raw or multipart, with the
// configured auth scheme. OAuth2 uses the client-credentials flow; token
// refresh is handled by the oauth2 transport.
type httpDriver struct {
	cfg *HTTPConfig
}

func (d *httpDriver) httpClient(ctx context.Context) *http.Client {
	timeout := time.Duration(d.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	if strings.EqualFold(d.cfg.AuthType, "oauth2") {
		oauthCfg := clientcredentials.Config{
			ClientID:     d.cfg.ClientID,
			ClientSecret: d.cfg.ClientSecret,
			TokenURL:     d.cfg.OAuthTokenURL,
			Scopes:       d.cfg.Scopes,
		}
		client := oauthCfg.Client(ctx)
		client.Timeout = timeout
		return client
	}
	return &http.Client{Timeout: timeout}
}

func (d *httpDriver) buildRequest(ctx context.Context, fileName string, content []byte) (*http.Request, error) {
	method := d.cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	var (
		body        io.Reader
		contentType string
	)

	if strings.EqualFold(d.cfg.UploadFormat, "multipart") {
		buf := &bytes.Buffer{}
		writer := multipart.NewWriter(buf)
		field := d.cfg.FileFieldName
		if field == "" {
			field = "file"
		}
		part, err := writer.CreateFormFile(field, fileName)
		if err != nil {
			return nil, nonTransient(fmt.Errorf("destination: http multipart: %w", err))
		}
		if _, err := part.Write(content); err != nil {
			return nil, nonTransient(err)
		}
		if err := writer.Close(); err != nil {
			return nil, nonTransient(err)
		}
		body = buf
		contentType = writer.FormDataContentType()
	} else {
		body = bytes.NewReader(content)
		contentType = d.cfg.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.URL, body)
	if err != nil {
		return nil, nonTransient(fmt.Errorf("destination: http request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	if d.cfg.FileNameHeader != "" {
		req.Header.Set(d.cfg.FileNameHeader, fileName)
	}
	for k, v := range d.cfg.Headers {
		req.Header.Set(k, v)
	}

	switch strings.ToLower(d.cfg.AuthType) {
	case "basic":
		req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+d.cfg.AuthToken)
	case "apikey":
		header := d.cfg.APIKeyHeader
		if header == "" {
			header = "X-Api-Key"
		}
		req.Header.Set(header, d.cfg.APIKey)
	}
	return req, nil
}

func (d *httpDriver) send(ctx context.Context, fileName string, content []byte) error {
	req, err := d.buildRequest(ctx, fileName, content)
	if err != nil {
		return err
	}

	resp, err := d.httpClient(ctx).Do(req)
	if err != nil {
		return fmt.Errorf("destination: http post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nonTransient(fmt.Errorf("destination: http status %d", resp.StatusCode))
	default:
		return fmt.Errorf("destination: http status %d", resp.StatusCode)
	}
}

func (d *httpDriver) save(ctx context.Context, localPath, relPath string) (string, int64, error) {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return "", 0, nonTransient(fmt.Errorf("destination: http read source: %w", err))
	}
	if err := d.send(ctx, path.Base(relPath), content); err != nil {
		return "", 0, err
	}
	return d.cfg.URL, int64(len(content)), nil
}

func (d *httpDriver) test(ctx context.Context, name string, content []byte) (string, error) {
	if err := d.send(ctx, name, content); err != nil {
		return "", err
	}
	return d.cfg.URL, nil
}

func (d *httpDriver) compensate(_ context.Context, _ string) error {
	return ErrCompensateUnsupported
}
