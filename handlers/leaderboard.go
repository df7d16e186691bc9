package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"harei/backend"
	"harei/config"
	"harei/models"
)

// sanitizeUID keeps the ASCII digits of s, at most config.MaxUIDLen of them.
func sanitizeUID(s string) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() == config.MaxUIDLen {
			break
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sortRanking orders entries by count, highest first.
func sortRanking(items []models.RankEntry) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Count > items[j].Count })
}

// HandleLeaderboard shows the ranking and, when a uid is given, that user's score.
func HandleLeaderboard(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With(zap.String("handler", "HandleLeaderboard"))
	data := map[string]any{
		"Title":  "豆力巅峰榜",
		"MaxUID": config.MaxUIDLen,
		"UID":    "",
		"Result": "",
	}

	items, err := app.Backend().Ranking(r.Context())
	if err != nil {
		logger.Warn("Failed to load ranking", zap.Error(err))
		data["Error"] = "豆力榜加载失败，请稍后再试。"
		items = nil
	}
	sortRanking(items)
	data["Items"] = items

	if uid := sanitizeUID(r.URL.Query().Get("uid")); uid != "" {
		data["UID"] = uid
		entry, err := app.Backend().RankByUID(r.Context(), uid)
		switch {
		case err == nil:
			data["Result"] = fmt.Sprintf("用户名: %s ,UID: %s, 豆力修炼值: %d", entry.Name, entry.UID, entry.Count)
		case errors.Is(err, backend.ErrNotFound):
			data["Result"] = "未找到用户的豆力修炼值"
		default:
			logger.Warn("UID lookup failed", zap.String("uid", uid), zap.Error(err))
			data["Result"] = "未找到用户的豆力修炼值"
		}
	}
	render(w, r, app, "layout.html", "huangdou.html", data)
}
