package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"

	"harei/models"
)

// --- Tags ---

// ActiveTags lists the tags a visitor may file a message under. No token is needed.
func (c *Client) ActiveTags(ctx context.Context) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/tag/active", nil, "", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []string `json:"items"`
	}
	if _, err := c.do(req, &out, true); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) AddTag(ctx context.Context, token, name string) (string, error) {
	return c.postMessage(ctx, "/tag/add", token, map[string]string{"tag_name": name})
}

func (c *Client) ArchiveTag(ctx context.Context, token, name string) (string, error) {
	return c.postMessage(ctx, "/tag/archived", token, map[string]string{"tag_name": name})
}

// --- Captains ---

// Captains lists the captain records of month ("YYYYMM").
func (c *Client) Captains(ctx context.Context, token, month string) ([]models.Captain, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/captains", url.Values{"month": {month}}, token, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []models.Captain `json:"items"`
	}
	if _, err := c.do(req, &out, true); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Download is a streamed binary answer. The caller must close Body.
type Download struct {
	ContentType        string
	ContentDisposition string
	ContentLength      int64
	Body               io.ReadCloser
}

// CaptainsSheet streams the spreadsheet export for month.
func (c *Client) CaptainsSheet(ctx context.Context, token, month string) (*Download, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/captains/xlsx", url.Values{"month": {month}}, token, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return &Download{
		ContentType:        resp.Header.Get("Content-Type"),
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		ContentLength:      resp.ContentLength,
		Body:               resp.Body,
	}, nil
}

// --- Resource uploads ---

// AddDownloadLink registers an external link under description.
func (c *Client) AddDownloadLink(ctx context.Context, token, description, link string) (string, error) {
	return c.postMessage(ctx, "/download/add", token, map[string]string{
		"description": description,
		"path":        link,
	})
}

// AddDownloadFile streams an archive to the backend without buffering it.
func (c *Client) AddDownloadFile(ctx context.Context, token, description, filename string, file io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("description", description); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, file); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/download/add", nil, token, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	env, err := c.do(req, nil, true)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

// AddCaptainGift uploads the gift image for month.
func (c *Client) AddCaptainGift(ctx context.Context, token, month string, image models.Upload) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("month", month); err != nil {
		return "", fmt.Errorf("backend: encode gift form: %w", err)
	}
	if err := writeFilePart(mw, "file", image); err != nil {
		return "", fmt.Errorf("backend: encode gift form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("backend: encode gift form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/captaingift/add", nil, token, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	env, err := c.do(req, nil, true)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

// --- Public endpoints ---

// CaptainGiftMonths lists the months that have a gift image, newest first.
func (c *Client) CaptainGiftMonths(ctx context.Context) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/captaingift", nil, "", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []struct {
			Month string `json:"month"`
			Path  string `json:"path"`
		} `json:"items"`
	}
	if _, err := c.do(req, &out, false); err != nil {
		return nil, err
	}
	months := make([]string, 0, len(out.Items))
	for _, item := range out.Items {
		if item.Month != "" {
			months = append(months, item.Month)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(months)))
	return months, nil
}

// CaptainGiftImage returns the raw answer for month's gift image so it can be proxied.
func (c *Client) CaptainGiftImage(ctx context.Context, month string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/captaingift/image", url.Values{"month": {month}}, "", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-store")
	return c.send(req)
}

// --- Leaderboard ---

// Ranking lists the leaderboard in the backend's order.
func (c *Client) Ranking(ctx context.Context) ([]models.RankEntry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/huangdou/rank", nil, "", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-store")
	var out struct {
		Items []models.RankEntry `json:"items"`
	}
	if _, err := c.do(req, &out, false); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// RankByUID looks up one user's score. An unknown uid matches ErrNotFound.
func (c *Client) RankByUID(ctx context.Context, uid string) (models.RankEntry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/huangdou/uid", url.Values{"uid": {uid}}, "", nil)
	if err != nil {
		return models.RankEntry{}, err
	}
	req.Header.Set("Cache-Control", "no-store")
	var out models.RankEntry
	if _, err := c.do(req, &out, false); err != nil {
		return models.RankEntry{}, err
	}
	// A miss may come back as 200 with only {"detail": "Not found"}.
	if out.UID == "" && out.Name == "" {
		return models.RankEntry{}, fmt.Errorf("backend: uid %s: %w", uid, ErrNotFound)
	}
	return out, nil
}

// LiveStatus reads the current stream state.
func (c *Client) LiveStatus(ctx context.Context) (models.LiveStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/live/status", nil, "", nil)
	if err != nil {
		return models.LiveStatus{}, err
	}
	var out models.LiveStatus
	if _, err := c.do(req, &out, false); err != nil {
		return models.LiveStatus{}, err
	}
	return out, nil
}

// Submission is an anonymous box message.
type Submission struct {
	Message string
	Tag     string
	Files   []models.Upload
}

// SubmitBox posts an anonymous message. Rejections come back as *APIError:
// 413 unwraps to ErrTooLarge, 429 carries RetryAt, validation carries MissingFields.
func (c *Client) SubmitBox(ctx context.Context, sub Submission) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("message", sub.Message); err != nil {
		return fmt.Errorf("backend: encode box form: %w", err)
	}
	if err := mw.WriteField("tag", sub.Tag); err != nil {
		return fmt.Errorf("backend: encode box form: %w", err)
	}
	for _, file := range sub.Files {
		if err := writeFilePart(mw, "files", file); err != nil {
			return fmt.Errorf("backend: encode box form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("backend: encode box form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/box/uploads", nil, "", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	env, err := c.do(req, nil, false)
	if err != nil {
		return err
	}
	// A 2xx answer that still lists missing fields is a rejection.
	if apiErr := env.apiError(http.StatusOK); len(apiErr.MissingFields) > 0 {
		return apiErr
	}
	return nil
}

func readAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	var env envelope
	_ = json.Unmarshal(raw, &env)
	return env.apiError(resp.StatusCode)
}
