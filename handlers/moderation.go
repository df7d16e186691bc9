// harei/handlers/moderation.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"harei/calendar"
	"harei/config"
	"harei/inbox"
	"harei/media"
	"harei/models"
	"harei/utils"
)

// DashboardCounts are the figures shown on the console's landing cards.
type DashboardCounts struct {
	Approved int
	Pending  int
	Tags     int
	Captains int
}

func (c DashboardCounts) ApprovedText() string {
	if c.Approved == 0 {
		return "无未读消息"
	}
	return fmt.Sprintf("%d条未读", c.Approved)
}

func (c DashboardCounts) PendingText() string {
	if c.Pending == 0 {
		return "无未审核消息"
	}
	return fmt.Sprintf("%d条未审核", c.Pending)
}

func (c DashboardCounts) TagText() string {
	if c.Tags == 0 {
		return "无活跃tag"
	}
	return fmt.Sprintf("%d条活跃tag", c.Tags)
}

func (c DashboardCounts) CaptainText() string {
	return fmt.Sprintf("本月%d条上舰记录", c.Captains)
}

// HandleDashboard serves the console's landing page. The four counts are
// fetched in parallel and a failed one reads as zero.
func HandleDashboard(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With(zap.String("handler", "HandleDashboard"))
	ctx, token := r.Context(), tokenFrom(r)
	month := calendar.FormatMonth(calendar.MonthNumber(utils.GetTime()))

	var counts DashboardCounts
	var g errgroup.Group
	count := func(name string, dst *int, fetch func(context.Context) (int, error)) {
		g.Go(func() error {
			n, err := fetch(ctx)
			if err != nil {
				logger.Warn("Dashboard count failed", zap.String("count", name), zap.Error(err))
				return nil
			}
			*dst = n
			return nil
		})
	}
	count("approved", &counts.Approved, func(ctx context.Context) (int, error) {
		items, err := app.Backend().Messages(ctx, token, models.StatusApproved)
		return len(items), err
	})
	count("pending", &counts.Pending, func(ctx context.Context) (int, error) {
		items, err := app.Backend().Messages(ctx, token, models.StatusPending)
		return len(items), err
	})
	count("tags", &counts.Tags, func(ctx context.Context) (int, error) {
		items, err := app.Backend().ActiveTags(ctx)
		return len(items), err
	})
	count("captains", &counts.Captains, func(ctx context.Context) (int, error) {
		items, err := app.Backend().Captains(ctx, token, month)
		return len(items), err
	})
	_ = g.Wait()

	render(w, r, app, "admin_layout.html", "dashboard.html", map[string]any{
		"Title":  "后台管理",
		"Counts": counts,
	})
}

// --- Message and audit views ---

func viewParam(r *http.Request) inbox.View {
	view, _ := inbox.ParseView(chi.URLParam(r, "view"))
	return view
}

// workspace returns the page's workspace named by the "mount" parameter. When
// it is gone (evicted, or mounted under an older token) a fresh one is mounted
// and loaded, and fresh reports true; the page picks up the new id from the
// snapshot.
func workspace(r *http.Request, app App) (b *inbox.Inbox, fresh bool, err error) {
	view := viewParam(r)
	if view == "" {
		return nil, false, errors.New("unknown view")
	}
	if existing, ok := app.Inboxes().Get(clientID(r), view, r.FormValue("mount"), tokenFrom(r)); ok {
		return existing, false, nil
	}
	b = app.Inboxes().Mount(clientID(r), view, tokenFrom(r))
	if err := b.Load(r.Context()); err != nil {
		app.Logger().Warn("Workspace load failed", zap.String("view", string(view)), zap.Error(err))
	}
	return b, true, nil
}

// SnapshotResponse is the JSON state of a workspace with the message body rendered.
type SnapshotResponse struct {
	inbox.Snapshot
	MessageHTML template.HTML `json:"messageHtml"`
}

func snapshotResponse(b *inbox.Inbox) SnapshotResponse {
	snap := b.Snapshot()
	resp := SnapshotResponse{Snapshot: snap}
	if snap.Selected != nil {
		resp.MessageHTML = renderMarkdown(snap.Selected.Message)
	}
	return resp
}

// HandleInboxPage mounts a fresh workspace for the message or audit view. Each
// page load owns its own workspace.
func HandleInboxPage(w http.ResponseWriter, r *http.Request, app App) {
	view := viewParam(r)
	if view == "" {
		http.NotFound(w, r)
		return
	}
	b := app.Inboxes().Mount(clientID(r), view, tokenFrom(r))
	if err := b.Load(r.Context()); err != nil {
		app.Logger().Warn("Workspace load failed", zap.String("view", string(view)), zap.Error(err))
	}

	title, bulkLabel := "留言箱", "全部归档"
	if view == inbox.AuditView {
		title, bulkLabel = "审核界面", "全部过审"
	}
	render(w, r, app, "admin_layout.html", "inbox.html", map[string]any{
		"Title":     title,
		"View":      string(view),
		"BulkLabel": bulkLabel,
		"State":     snapshotResponse(b),
	})
}

// HandleInboxState returns the workspace snapshot the page script renders from.
func HandleInboxState(w http.ResponseWriter, r *http.Request, app App) {
	b, _, err := workspace(r, app)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	respondJSON(w, http.StatusOK, snapshotResponse(b), app)
}

// HandleInboxSelect switches the selected record.
func HandleInboxSelect(w http.ResponseWriter, r *http.Request, app App) {
	b, _, err := workspace(r, app)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(r.FormValue("id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"}, app)
		return
	}
	if err := b.Select(id); err != nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"}, app)
		return
	}
	respondJSON(w, http.StatusOK, snapshotResponse(b), app)
}

// HandleInboxDelete deletes the selected record once the backend confirms.
func HandleInboxDelete(w http.ResponseWriter, r *http.Request, app App) {
	b, _, err := workspace(r, app)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if _, err := b.Delete(r.Context()); err != nil && !errors.Is(err, inbox.ErrNoSelection) {
		app.Logger().Warn("Delete failed", zap.String("view", string(b.View())), zap.Error(err))
	}
	respondJSON(w, http.StatusOK, snapshotResponse(b), app)
}

// HandleInboxBulk archives (message view) or approves (audit view) everything.
func HandleInboxBulk(w http.ResponseWriter, r *http.Request, app App) {
	b, _, err := workspace(r, app)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if _, err := b.Bulk(r.Context()); err != nil {
		app.Logger().Warn("Bulk action failed", zap.String("view", string(b.View())), zap.Error(err))
	}
	respondJSON(w, http.StatusOK, snapshotResponse(b), app)
}

// HandleViewerEvent forwards one viewer event from the page.
func HandleViewerEvent(w http.ResponseWriter, r *http.Request, app App) {
	b, fresh, err := workspace(r, app)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	var op inbox.ViewerOp
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&op); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event"}, app)
			return
		}
	}
	op.Kind = chi.URLParam(r, "op")
	if fresh {
		// The page restarts its numbering once it sees the new mount id.
		op.Seq = 0
	}
	b.Apply(op)
	respondJSON(w, http.StatusOK, snapshotResponse(b), app)
}

// HandleInboxRelease frees a page's workspace when the page goes away.
func HandleInboxRelease(w http.ResponseWriter, r *http.Request, app App) {
	if mount := r.FormValue("mount"); mount != "" {
		app.Inboxes().Unmount(clientID(r), mount)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBlob serves a cached image by its handle.
func HandleBlob(w http.ResponseWriter, r *http.Request, app App) {
	blob, ok := app.Inboxes().Blob(clientID(r), chi.URLParam(r, "handle"))
	if !ok {
		w.Header().Set("Cache-Control", "no-store")
		http.NotFound(w, r)
		return
	}
	serveBlob(w, r, blob)
}

func serveBlob(w http.ResponseWriter, r *http.Request, blob *media.Blob) {
	w.Header().Set("ETag", blob.ETag)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if match := r.Header.Get("If-None-Match"); match != "" && match == blob.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	_, _ = w.Write(blob.Data)
}

// --- Tags ---

func renderTags(w http.ResponseWriter, r *http.Request, app App, name, status string, ok bool) {
	tags, err := app.Backend().ActiveTags(r.Context())
	if err != nil {
		app.Logger().Warn("Failed to load active tags", zap.Error(err))
		if status == "" {
			status = "获取tag失败，请稍后重试"
		}
	}
	render(w, r, app, "admin_layout.html", "tag.html", map[string]any{
		"Title":     "tag管理",
		"Tags":      tags,
		"Name":      name,
		"Status":    status,
		"Succeeded": ok,
	})
}

func HandleTagPage(w http.ResponseWriter, r *http.Request, app App) {
	renderTags(w, r, app, "", "", false)
}

// HandleTagAdd creates a tag.
func HandleTagAdd(w http.ResponseWriter, r *http.Request, app App) {
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		renderTags(w, r, app, name, "请输入tag名称", false)
		return
	}
	if len([]rune(name)) > config.MaxTagLen {
		renderTags(w, r, app, name, fmt.Sprintf("tag名称不能超过%d字", config.MaxTagLen), false)
		return
	}
	msg, err := app.Backend().AddTag(r.Context(), tokenFrom(r), name)
	if err != nil {
		app.Logger().Warn("Add tag failed", zap.String("tag", name), zap.Error(err))
		renderTags(w, r, app, name, "添加失败，请稍后重试", false)
		return
	}
	renderTags(w, r, app, "", defaultText(msg, "添加成功"), true)
}

// HandleTagArchive retires a tag.
func HandleTagArchive(w http.ResponseWriter, r *http.Request, app App) {
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		renderTags(w, r, app, "", "请输入tag名称", false)
		return
	}
	msg, err := app.Backend().ArchiveTag(r.Context(), tokenFrom(r), name)
	if err != nil {
		app.Logger().Warn("Archive tag failed", zap.String("tag", name), zap.Error(err))
		renderTags(w, r, app, "", "归档失败，请稍后重试", false)
		return
	}
	renderTags(w, r, app, "", defaultText(msg, "归档成功"), true)
}

func defaultText(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
