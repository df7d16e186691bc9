package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"harei/backend"
	"harei/calendar"
	"harei/config"
	"harei/models"
	"harei/utils"
)

// --- Download resources ---

const (
	msgUploadFailed = "提交失败，请稍后再试"
	msgGiftFailed   = "上传失败，请稍后再试"
)

func renderDownload(w http.ResponseWriter, r *http.Request, app App, name, link, status string, ok bool) {
	render(w, r, app, "admin_layout.html", "download.html", map[string]any{
		"Title":      "下载资源",
		"Name":       name,
		"Link":       link,
		"Status":     status,
		"Succeeded":  ok,
		"Extensions": strings.Join(config.ArchiveExtensions, ","),
	})
}

func HandleDownloadPage(w http.ResponseWriter, r *http.Request, app App) {
	renderDownload(w, r, app, "", "", "", false)
}

// HandleDownloadAdd registers a resource either as an https link or as an
// uploaded archive. A link wins when both are given.
func HandleDownloadAdd(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With(zap.String("handler", "HandleDownloadAdd"))

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxArchiveSize+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			renderDownload(w, r, app, "", "", "文件过大，请重新上传", false)
			return
		}
		logger.Warn("Failed to parse download form", zap.Error(err))
		renderDownload(w, r, app, "", "", msgUploadFailed, false)
		return
	}
	if r.MultipartForm != nil {
		defer func() {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				logger.Warn("Failed to remove multipart temp files", zap.Error(err))
			}
		}()
	}

	name := strings.TrimSpace(r.FormValue("name"))
	link := strings.TrimSpace(r.FormValue("link"))
	file, header, fileErr := r.FormFile("file")
	hasFile := fileErr == nil
	if hasFile {
		defer file.Close()
	}

	switch {
	case name == "":
		renderDownload(w, r, app, name, link, "请输入资源名称", false)
		return
	case !hasFile && link == "":
		renderDownload(w, r, app, name, link, "请上传文件或填入链接", false)
		return
	case link != "" && !utils.IsSecureLink(link):
		renderDownload(w, r, app, name, link, "链接需以https://开头", false)
		return
	case link == "" && !utils.HasArchiveExt(header.Filename, config.ArchiveExtensions):
		renderDownload(w, r, app, name, link, "请上传压缩包文件", false)
		return
	}

	var (
		msg string
		err error
	)
	if link != "" {
		msg, err = app.Backend().AddDownloadLink(r.Context(), tokenFrom(r), name, link)
	} else {
		msg, err = app.Backend().AddDownloadFile(r.Context(), tokenFrom(r), name, filepath.Base(header.Filename), file)
	}
	if err != nil {
		logger.Warn("Add download failed", zap.String("name", name), zap.Error(err))
		renderDownload(w, r, app, name, link, backend.UserMessage(err, msgUploadFailed), false)
		return
	}
	logger.Info("Download resource added", zap.String("name", name), zap.Bool("link", link != ""), zap.String("result", msg))
	renderDownload(w, r, app, "", "", "提交成功", true)
}

// --- Captain gift images ---

// Gift image availability for the selected month.
const (
	GiftIdle      = "idle"
	GiftLoading   = "loading"
	GiftAvailable = "available"
	GiftMissing   = "missing"
	GiftError     = "error"
)

func giftImageStatus(r *http.Request, app App, month string) string {
	if month == "" {
		return GiftIdle
	}
	resp, err := app.Backend().CaptainGiftImage(r.Context(), month)
	if err != nil {
		return GiftError
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode < 300:
		return GiftAvailable
	case resp.StatusCode == http.StatusNotFound:
		return GiftMissing
	}
	return GiftError
}

func giftMonths() []string {
	start := calendar.DefaultMonth(utils.GetTime(), config.GiftFloorMonth)
	return calendar.MonthOptions(start, config.GiftFloorMonth)
}

func renderGift(w http.ResponseWriter, r *http.Request, app App, month, status string, ok bool) {
	months := giftMonths()
	if !slices.Contains(months, month) {
		month = months[0]
	}
	render(w, r, app, "admin_layout.html", "gift_admin.html", map[string]any{
		"Title":       "舰长礼物",
		"Months":      months,
		"Month":       month,
		"ImageStatus": giftImageStatus(r, app, month),
		"Status":      status,
		"Succeeded":   ok,
	})
}

// HandleGiftPage shows the upload form. A month remembered from the last
// upload is preselected once and then forgotten.
func HandleGiftPage(w http.ResponseWriter, r *http.Request, app App) {
	month := r.URL.Query().Get("month")
	if month == "" {
		if saved := app.Settings().GiftMonth(r.Context(), clientID(r)); saved != "" {
			month = saved
			if err := app.Settings().SetGiftMonth(r.Context(), clientID(r), ""); err != nil {
				app.Logger().Warn("Failed to clear gift month", zap.Error(err))
			}
		}
	}
	renderGift(w, r, app, month, "", false)
}

// HandleGiftUpload normalizes an image and stores it as month's gift picture.
func HandleGiftUpload(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With(zap.String("handler", "HandleGiftUpload"))

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxGiftUploadSize+(1<<20))
	if err := r.ParseMultipartForm(config.MaxGiftUploadSize); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			renderGift(w, r, app, "", "文件过大，请重新上传", false)
			return
		}
		logger.Warn("Failed to parse gift form", zap.Error(err))
		renderGift(w, r, app, "", msgGiftFailed, false)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logger.Warn("Failed to remove multipart temp files", zap.Error(err))
		}
	}()

	month := r.FormValue("month")
	if !slices.Contains(giftMonths(), month) {
		renderGift(w, r, app, "", "请选择月份", false)
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		renderGift(w, r, app, month, "请上传图片", false)
		return
	}
	data, err := readFileHeader(files[0])
	if err != nil {
		logger.Error("Failed to read gift image", zap.Error(err))
		renderGift(w, r, app, month, msgGiftFailed, false)
		return
	}
	if _, err := utils.ValidateImage(data, config.GiftImageTypes); err != nil {
		renderGift(w, r, app, month, "请上传图片文件", false)
		return
	}
	normalized, contentType, err := utils.NormalizeImage(data, config.MaxGiftWidth, config.MaxGiftHeight)
	if err != nil {
		logger.Warn("Failed to normalize gift image", zap.Error(err))
		renderGift(w, r, app, month, "请上传图片文件", false)
		return
	}

	ext := ".jpg"
	if contentType == "image/png" {
		ext = ".png"
	}
	upload := models.Upload{Filename: "captaingift-" + month + ext, ContentType: contentType, Data: normalized}
	if _, err := app.Backend().AddCaptainGift(r.Context(), tokenFrom(r), month, upload); err != nil {
		logger.Warn("Gift upload failed", zap.String("month", month), zap.Error(err))
		renderGift(w, r, app, month, backend.UserMessage(err, msgGiftFailed), false)
		return
	}
	if err := app.Settings().SetGiftMonth(r.Context(), clientID(r), month); err != nil {
		logger.Warn("Failed to remember gift month", zap.Error(err))
	}
	renderGift(w, r, app, month, "上传成功", true)
}

// --- Captains ---

func captainMonths() []string {
	start := calendar.DefaultMonth(utils.GetTime(), config.CaptainsFloorMonth)
	return calendar.MonthOptions(start, config.CaptainsFloorMonth)
}

func selectedMonth(r *http.Request, months []string) string {
	month := r.FormValue("month")
	if slices.Contains(months, month) {
		return month
	}
	return months[0]
}

// sortCaptains orders records by join time, oldest first. Unparseable
// timestamps sort last.
func sortCaptains(items []models.Captain) {
	joined := func(c models.Captain) (time.Time, bool) {
		return calendar.ParseDateTime(c.JoinedAt, calendar.UTC8)
	}
	sort.SliceStable(items, func(i, j int) bool {
		ti, okI := joined(items[i])
		tj, okJ := joined(items[j])
		if okI != okJ {
			return okI
		}
		return ti.Before(tj)
	})
}

// HandleCaptains lists the month's captain records.
func HandleCaptains(w http.ResponseWriter, r *http.Request, app App) {
	months := captainMonths()
	month := selectedMonth(r, months)
	data := map[string]any{
		"Title":  "舰长列表",
		"Months": months,
		"Month":  month,
	}
	items, err := app.Backend().Captains(r.Context(), tokenFrom(r), month)
	if err != nil {
		app.Logger().Warn("Failed to load captains", zap.String("month", month), zap.Error(err))
		data["Status"] = "获取舰长列表失败，请稍后重试"
		items = nil
	}
	sortCaptains(items)
	data["Captains"] = items
	render(w, r, app, "admin_layout.html", "captains.html", data)
}

// HandleCaptainsSheet streams the month's spreadsheet export.
func HandleCaptainsSheet(w http.ResponseWriter, r *http.Request, app App) {
	month := selectedMonth(r, captainMonths())
	sheet, err := app.Backend().CaptainsSheet(r.Context(), tokenFrom(r), month)
	if err != nil {
		app.Logger().Warn("Captains sheet download failed", zap.String("month", month), zap.Error(err))
		var apiErr *backend.APIError
		msg := "下载失败，请稍后重试"
		if errors.As(err, &apiErr) && strings.TrimSpace(apiErr.Detail) != "" {
			msg = apiErr.Detail
		}
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": msg}, app)
		return
	}
	defer sheet.Body.Close()

	contentType := sheet.ContentType
	if contentType == "" {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="captains-`+month+`.xlsx"`)
	w.Header().Set("Cache-Control", "no-store")
	if _, err := io.Copy(w, sheet.Body); err != nil {
		app.Logger().Debug("Sheet copy interrupted", zap.Error(err))
	}
}
