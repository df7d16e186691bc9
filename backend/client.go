// Package backend is the HTTP/JSON client for the remote harei API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"harei/config"
	"harei/models"
)

const (
	maxJSONBody  = 8 << 20
	maxImageBody = 64 << 20
)

// Client talks to the remote backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a client for baseURL. A nil logger disables logging.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "backend")),
	}
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, token string, body io.Reader) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("backend: build %s %s: %w", method, path, err)
	}
	req.Header.Set("User-Agent", "harei-web/"+config.AppVersion)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) jsonRequest(ctx context.Context, method, path, token string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("backend: marshal %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, nil, token, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Request failed",
			zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Error(err))
		return nil, fmt.Errorf("backend: %s %s: %w", req.Method, req.URL.Path, err)
	}
	c.logger.Debug("Request completed",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return resp, nil
}

// do sends req and decodes a JSON answer into out. When requireCode is set the
// envelope must carry code 0 to count as success.
func (c *Client) do(req *http.Request, out any, requireCode bool) (envelope, error) {
	resp, err := c.send(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return envelope{}, fmt.Errorf("backend: read %s: %w", req.URL.Path, err)
	}

	var env envelope
	// Error pages are not always JSON.
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return env, env.apiError(resp.StatusCode)
	}
	if requireCode && (env.Code == nil || *env.Code != 0) {
		return env, env.apiError(resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return env, fmt.Errorf("backend: decode %s: %w", req.URL.Path, err)
		}
	}
	return env, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// writeFilePart adds a file part with an explicit content type.
func writeFilePart(mw *multipart.Writer, field string, upload models.Upload) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, quoteEscaper.Replace(field), quoteEscaper.Replace(upload.Filename)))
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(upload.Data)
	return err
}
