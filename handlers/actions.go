// harei/handlers/actions.go
package handlers

import (
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"harei/backend"
	"harei/calendar"
	"harei/config"
	"harei/models"
	"harei/utils"
)

const (
	msgBoxIncomplete  = "请填写文本并选择标签"
	msgBoxTooMuch     = "图片总和超过50MB，请重新选择"
	msgBoxTooLarge    = "文件过大，请重新上传"
	msgBoxFailed      = "提交失败，请稍后再试"
	msgBoxSucceeded   = "提交成功"
	msgBoxRateLimited = "提交过快，还需等待%d秒"
)

// boxFormatHint lists the accepted attachment suffixes, e.g. ".jpg/.jpeg/...".
var boxFormatHint = "." + strings.Join(config.BoxImageExtensions, "/.")

// BoxForm is the visitor's input echoed back when a submission is rejected.
type BoxForm struct {
	Message      string
	Tag          string
	IncludeImage bool
	MessageError bool
	TagError     bool
}

func renderBox(w http.ResponseWriter, r *http.Request, app App, form BoxForm, status string, succeeded bool) {
	tags, err := app.Backend().ActiveTags(r.Context())
	if err != nil {
		app.Logger().Warn("Failed to load active tags", zap.Error(err))
		tags = nil
	}
	render(w, r, app, "layout.html", "box.html", map[string]any{
		"Title":      "匿名提问箱",
		"Tags":       tags,
		"Form":       form,
		"Status":     status,
		"Succeeded":  succeeded,
		"FormatHint": boxFormatHint,
		"Accept":     "." + strings.Join(config.BoxImageExtensions, ",."),
	})
}

// HandleBoxPage serves the anonymous question box.
func HandleBoxPage(w http.ResponseWriter, r *http.Request, app App) {
	renderBox(w, r, app, BoxForm{}, "", false)
}

// HandleBoxSubmit forwards a question, with optional images, to the backend.
func HandleBoxSubmit(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With(zap.String("handler", "HandleBoxSubmit"))

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxBoxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			renderBox(w, r, app, BoxForm{}, msgBoxTooMuch, false)
			return
		}
		logger.Warn("Failed to parse box form", zap.Error(err))
		renderBox(w, r, app, BoxForm{}, msgBoxFailed, false)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logger.Warn("Failed to remove multipart temp files", zap.Error(err))
		}
	}()

	form := BoxForm{
		Message:      strings.TrimSpace(r.FormValue("message")),
		Tag:          strings.TrimSpace(r.FormValue("tag")),
		IncludeImage: r.FormValue("include_image") != "",
	}
	form.MessageError = form.Message == ""
	form.TagError = form.Tag == ""
	if form.MessageError || form.TagError {
		renderBox(w, r, app, form, msgBoxIncomplete, false)
		return
	}
	if len([]rune(form.Message)) > config.MaxMessageLen {
		form.MessageError = true
		renderBox(w, r, app, form, fmt.Sprintf("留言不能超过%d字", config.MaxMessageLen), false)
		return
	}

	var files []models.Upload
	if form.IncludeImage {
		var err error
		files, err = readBoxFiles(r.MultipartForm.File["files"])
		switch {
		case errors.Is(err, errBoxTooMuch):
			renderBox(w, r, app, form, msgBoxTooMuch, false)
			return
		case errors.Is(err, errBoxFormat):
			renderBox(w, r, app, form, "仅支持上传"+boxFormatHint+"格式图片", false)
			return
		case err != nil:
			logger.Error("Failed to read box attachment", zap.Error(err))
			renderBox(w, r, app, form, msgBoxFailed, false)
			return
		}
	}

	if wait := app.RateLimiter().RetryAfter("box:" + utils.GetIPAddress(r)); wait > 0 {
		seconds := int(math.Ceil(wait.Seconds()))
		renderBox(w, r, app, form, fmt.Sprintf(msgBoxRateLimited, seconds), false)
		return
	}

	err := app.Backend().SubmitBox(r.Context(), backend.Submission{Message: form.Message, Tag: form.Tag, Files: files})
	if err != nil {
		renderBox(w, r, app, form, boxFailure(err, &form), false)
		return
	}
	logger.Info("Box message submitted", zap.String("tag", form.Tag), zap.Int("files", len(files)))
	renderBox(w, r, app, BoxForm{}, msgBoxSucceeded, true)
}

// boxFailure maps a rejected submission onto the visitor-facing message.
func boxFailure(err error, form *BoxForm) string {
	if errors.Is(err, backend.ErrTooLarge) {
		return msgBoxTooLarge
	}
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		return msgBoxFailed
	}
	if apiErr.RateLimited() {
		return fmt.Sprintf(msgBoxRateLimited, calendar.RetryWait(apiErr.RetryAt, utils.GetTime()))
	}
	if len(apiErr.MissingFields) > 0 {
		form.MessageError = apiErr.Missing("message")
		form.TagError = apiErr.Missing("tag")
		return msgBoxIncomplete
	}
	return msgBoxFailed
}

var (
	errBoxTooMuch = errors.New("attachments exceed the total size limit")
	errBoxFormat  = errors.New("unsupported attachment format")
)

func readBoxFiles(headers []*multipart.FileHeader) ([]models.Upload, error) {
	var total int64
	for _, fh := range headers {
		total += fh.Size
		if !allowedBoxFile(fh) {
			return nil, errBoxFormat
		}
	}
	if total > config.MaxBoxUploadSize {
		return nil, errBoxTooMuch
	}

	uploads := make([]models.Upload, 0, len(headers))
	for _, fh := range headers {
		data, err := readFileHeader(fh)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, models.Upload{
			Filename:    filepath.Base(fh.Filename),
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return uploads, nil
}

func allowedBoxFile(fh *multipart.FileHeader) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fh.Filename)), ".")
	return slices.Contains(config.BoxImageExtensions, ext) || config.BoxImageTypes[fh.Header.Get("Content-Type")]
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return data, nil
}

// HandleCaptainGiftPage lets visitors browse the monthly captain gift images.
func HandleCaptainGiftPage(w http.ResponseWriter, r *http.Request, app App) {
	data := map[string]any{"Title": "舰长礼物"}
	months, err := app.Backend().CaptainGiftMonths(r.Context())
	if err != nil {
		app.Logger().Warn("Failed to load gift months", zap.Error(err))
		data["Error"] = "数据加载失败"
	}
	selected := r.URL.Query().Get("month")
	if !slices.Contains(months, selected) {
		selected = ""
		if len(months) > 0 {
			selected = months[0]
		}
	}
	data["Months"] = months
	data["Selected"] = selected
	render(w, r, app, "layout.html", "captaingift.html", data)
}

// HandleCaptainGiftImage proxies a gift image so the page stays same-origin.
func HandleCaptainGiftImage(w http.ResponseWriter, r *http.Request, app App) {
	month := r.URL.Query().Get("month")
	if _, ok := calendar.ParseMonth(month); !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"}, app)
		return
	}
	resp, err := app.Backend().CaptainGiftImage(r.Context(), month)
	if err != nil {
		app.Logger().Warn("Gift image proxy failed", zap.String("month", month), zap.Error(err))
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": "proxy failed"}, app)
		return
	}
	defer resp.Body.Close()

	cacheControl := "private, max-age=300, stale-while-revalidate=600"
	if resp.StatusCode >= 300 {
		cacheControl = "no-store"
	}
	proxyResponse(w, resp, cacheControl, app, "Content-Type")
}

func proxyResponse(w http.ResponseWriter, resp *http.Response, cacheControl string, app App, headers ...string) {
	for _, h := range headers {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.Header().Set("Cache-Control", cacheControl)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		app.Logger().Debug("Proxy copy interrupted", zap.Error(err))
	}
}
