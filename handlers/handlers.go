// harei/handlers/handlers.go

package handlers

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"harei/backend"
	"harei/calendar"
	"harei/config"
	"harei/inbox"
	"harei/models"
	"harei/session"
	"harei/settings"
	"harei/slideshow"
	"harei/utils"
)

// App is an interface that defines the dependencies our handlers need.
type App interface {
	Config() config.AppConfig
	Logger() *zap.Logger
	Backend() *backend.Client
	Guard() *session.Guard
	Settings() *settings.Service
	Inboxes() *inbox.Registry
	Backgrounds() *slideshow.Library
	RateLimiter() *models.RateLimiter
}

// respondJSON sends a JSON response with a given status code.
func respondJSON(w http.ResponseWriter, status int, payload any, app App) {
	response, err := json.Marshal(payload)
	if err != nil {
		app.Logger().Error("Failed to marshal JSON payload", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write([]byte(`{"error":"Failed to marshal JSON response"}`)); werr != nil {
			app.Logger().Error("Failed to write internal server error response", zap.Error(werr))
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		app.Logger().Error("Failed to write JSON response", zap.Error(err))
	}
}

// MakeHandler adapts a handler that needs the App to http.HandlerFunc.
func MakeHandler(app App, fn func(http.ResponseWriter, *http.Request, App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, app)
	}
}

var homeQuotes = []string{
	"懒得喷！", "妈呀", "llbc", "礼礼不串", "看看我的迎客松", "玩网姐，唯有敬佩",
	"155不可能再低了", "花礼美乃滋", "礼礼不窜", "两个大凶", "鼠今色", "看的几几年年的",
}

// LiveView is the homepage's stream indicator.
type LiveView struct {
	Live bool   `json:"live"`
	Text string `json:"text"`
	// StartedAt is the stream start in milliseconds, zero when offline.
	StartedAt int64 `json:"startedAt"`
}

func liveView(status models.LiveStatus, now time.Time) LiveView {
	if status.Status == 1 {
		if started, ok := calendar.ParseLiveTime(status.LiveTime); ok {
			return LiveView{
				Live:      true,
				Text:      "开播中 " + calendar.FormatDuration(now.Sub(started)),
				StartedAt: started.UnixMilli(),
			}
		}
	}
	return LiveView{Text: "未开播"}
}

func fetchLive(r *http.Request, app App) LiveView {
	status, err := app.Backend().LiveStatus(r.Context())
	if err != nil {
		app.Logger().Debug("Live status unavailable", zap.Error(err))
		return liveView(models.LiveStatus{}, utils.GetTime())
	}
	return liveView(status, utils.GetTime())
}

// HandleHome serves the landing page with the live indicator and day counters.
func HandleHome(w http.ResponseWriter, r *http.Request, app App) {
	now := utils.GetTime()
	render(w, r, app, "layout.html", "home.html", map[string]any{
		"Title":       "首页",
		"Live":        fetchLive(r, app),
		"DebutDays":   calendar.DaysSince(now, calendar.DebutDate),
		"Birthday":    calendar.NextAnniversary(now, calendar.BirthdayMonth, calendar.BirthdayDay),
		"Anniversary": calendar.NextAnniversary(now, calendar.AnniversaryMonth, calendar.AnniversaryDay),
		"Quote":       homeQuotes[rand.IntN(len(homeQuotes))],
	})
}

// HandleLiveStatus is polled by the homepage every 30 seconds.
func HandleLiveStatus(w http.ResponseWriter, r *http.Request, app App) {
	respondJSON(w, http.StatusOK, fetchLive(r, app), app)
}
