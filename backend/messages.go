package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"harei/models"
)

// Fidelity selects one of the three renditions the backend keeps per image.
type Fidelity string

const (
	Thumb    Fidelity = "thumb"
	Medium   Fidelity = "jpg"
	Original Fidelity = "original"
)

// Valid reports whether f names a known rendition.
func (f Fidelity) Valid() bool {
	switch f {
	case Thumb, Medium, Original:
		return true
	}
	return false
}

// LoginResult is the answer to a successful credential exchange.
type LoginResult struct {
	Token    string
	Username string
}

// Login exchanges a username and password for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return LoginResult{}, err
	}

	var out struct {
		Token string `json:"token"`
		User  struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	env, err := c.do(req, &out, true)
	if err != nil {
		return LoginResult{}, err
	}
	if out.Token == "" {
		return LoginResult{}, env.apiError(http.StatusOK)
	}
	return LoginResult{Token: out.Token, Username: out.User.Username}, nil
}

// Authenticate asks the backend whether token is still accepted.
func (c *Client) Authenticate(ctx context.Context, token string) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth", nil, token, nil)
	if err != nil {
		return err
	}
	var out struct {
		Authenticated bool `json:"authenticated"`
	}
	if _, err := c.do(req, &out, true); err != nil {
		return err
	}
	if !out.Authenticated {
		return ErrUnauthenticated
	}
	return nil
}

// Messages lists box records in the given moderation state.
func (c *Client) Messages(ctx context.Context, token string, status models.MessageStatus) ([]models.Record, error) {
	if status != models.StatusPending && status != models.StatusApproved {
		return nil, fmt.Errorf("backend: unknown message status %q", status)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/box/"+string(status), nil, token, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []models.Record `json:"items"`
	}
	if _, err := c.do(req, &out, true); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// DeleteMessage removes one record and returns the backend's confirmation text.
func (c *Client) DeleteMessage(ctx context.Context, token string, id int64) (string, error) {
	return c.postMessage(ctx, "/box/delete", token, map[string]int64{"id": id})
}

// ApproveMessages moves every pending record to approved.
func (c *Client) ApproveMessages(ctx context.Context, token string) (string, error) {
	return c.postMessage(ctx, "/box/approve", token, nil)
}

// ArchiveMessages archives every approved record.
func (c *Client) ArchiveMessages(ctx context.Context, token string) (string, error) {
	return c.postMessage(ctx, "/box/archived", token, nil)
}

func (c *Client) postMessage(ctx context.Context, path, token string, payload any) (string, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, path, token, payload)
	if err != nil {
		return "", err
	}
	env, err := c.do(req, nil, true)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

// Image is one downloaded rendition.
type Image struct {
	ContentType string
	Data        []byte
}

// Image downloads the rendition of path at fidelity f.
func (c *Client) Image(ctx context.Context, token string, f Fidelity, path string) (Image, error) {
	if !f.Valid() {
		return Image{}, fmt.Errorf("backend: unknown fidelity %q", f)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/box/image/"+string(f), url.Values{"path": {path}}, token, nil)
	if err != nil {
		return Image{}, err
	}
	resp, err := c.send(req)
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Image{}, &APIError{Status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBody))
	if err != nil {
		return Image{}, fmt.Errorf("backend: read image %s: %w", path, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return Image{ContentType: contentType, Data: data}, nil
}
