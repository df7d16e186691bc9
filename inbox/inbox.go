// Package inbox is the moderation workspace behind the admin message views:
// the sorted record list, the current selection, the seen set and the image
// viewer for the selected record.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"harei/backend"
	"harei/calendar"
	"harei/media"
	"harei/models"
)

var ErrNoSelection = errors.New("inbox: no record selected")

// View selects which list a workspace moderates.
type View string

const (
	// MessageView reviews approved messages; its bulk action archives them.
	MessageView View = "message"
	// AuditView reviews pending messages; its bulk action approves them.
	AuditView View = "audit"
)

func ParseView(s string) (View, bool) {
	switch View(s) {
	case MessageView, AuditView:
		return View(s), true
	}
	return "", false
}

// Status is the backend list the view reads.
func (v View) Status() models.MessageStatus {
	if v == AuditView {
		return models.StatusPending
	}
	return models.StatusApproved
}

const (
	msgLoadFailed    = "留言加载失败，请稍后重试"
	msgDeleteFailed  = "删除失败，请稍后重试"
	msgArchiveFailed = "归档失败，请稍后重试"
	msgApproveFailed = "过审失败，请稍后重试"
)

// API is the slice of the backend a workspace needs.
type API interface {
	media.Fetcher
	Messages(ctx context.Context, token string, status models.MessageStatus) ([]models.Record, error)
	DeleteMessage(ctx context.Context, token string, id int64) (string, error)
	ApproveMessages(ctx context.Context, token string) (string, error)
	ArchiveMessages(ctx context.Context, token string) (string, error)
}

// Config bundles what a workspace needs at mount time.
type Config struct {
	ID       string
	View     View
	API      API
	Token    string
	Attempts int
	Delay    time.Duration
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Inbox is one mounted moderation view. All methods are safe for concurrent use.
type Inbox struct {
	id     string
	view   View
	api    API
	token  string
	logger *zap.Logger
	clock  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	cache  *media.Cache
	loader *media.Loader

	mu          sync.Mutex
	records     []models.Record
	selected    int64
	hasSelected bool
	seen        map[int64]bool
	viewer      *media.Viewer
	status      string
	loading     bool
	version     uint64
	lastUsed    time.Time
	released    bool

	// Sequenced viewer events: the next expected number and those that
	// arrived ahead of it.
	nextSeq uint64
	held    map[uint64]heldOp
}

// New mounts a workspace. Release must be called to free its images.
func New(cfg Config) *Inbox {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("view", string(cfg.View)))
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Inbox{
		id:       cfg.ID,
		view:     cfg.View,
		api:      cfg.API,
		token:    cfg.Token,
		logger:   logger,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
		seen:     make(map[int64]bool),
		viewer:   media.NewViewer(),
		lastUsed: clock(),
		nextSeq:  1,
		held:     make(map[uint64]heldOp),
	}
	b.cache = media.NewCache(media.CacheConfig{
		Fetcher:  cfg.API,
		Token:    cfg.Token,
		Attempts: cfg.Attempts,
		Delay:    cfg.Delay,
		Logger:   logger,
	})
	b.loader = media.NewLoader(ctx, b.cache, b.onImage, logger)
	return b
}

func (b *Inbox) ID() string    { return b.id }
func (b *Inbox) View() View    { return b.view }
func (b *Inbox) Token() string { return b.token }

// LastUsed is the time of the most recent call.
func (b *Inbox) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}

func (b *Inbox) touchLocked() {
	b.lastUsed = b.clock()
	b.version++
}

// Load fetches the list, sorts it by id and selects the first record when
// nothing is selected yet. On failure the list is emptied.
func (b *Inbox) Load(ctx context.Context) error {
	b.mu.Lock()
	b.loading = true
	b.touchLocked()
	b.mu.Unlock()

	ctx, cancel := mergeCancel(ctx, b.ctx)
	defer cancel()
	records, err := b.api.Messages(ctx, b.token, b.view.Status())

	b.mu.Lock()
	defer b.mu.Unlock()
	b.loading = false
	b.touchLocked()
	if b.released {
		return media.ErrReleased
	}
	if err != nil {
		b.logger.Warn("Failed to load messages", zap.Error(err))
		b.records = nil
		b.hasSelected = false
		b.viewer.Close()
		b.status = msgLoadFailed
		return fmt.Errorf("inbox: load %s: %w", b.view, err)
	}

	for i := range records {
		records[i] = records[i].Normalize()
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	b.records = records

	if b.hasSelected && b.indexOf(b.selected) < 0 {
		b.hasSelected = false
		b.viewer.Close()
	}
	if !b.hasSelected && len(records) > 0 {
		b.selected, b.hasSelected = records[0].ID, true
	}

	b.cache.Retain(refsOf(records))
	b.loader.Thumbs(records)
	if rec, ok := b.selectedLocked(); ok {
		b.loader.Medium(rec)
	}
	return nil
}

// Select makes id the current record. An open viewer is closed first, and
// the record being left is marked as seen.
func (b *Inbox) Select(id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touchLocked()

	idx := b.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("inbox: record %d not found", id)
	}
	b.closeViewerLocked()
	if b.hasSelected && b.selected != id {
		b.seen[b.selected] = true
	}
	b.selected, b.hasSelected = id, true
	b.loader.Medium(b.records[idx])
	return nil
}

// Delete removes the selected record once the backend confirms. Selection
// falls to the lowest remaining id, or to none.
func (b *Inbox) Delete(ctx context.Context) (string, error) {
	b.mu.Lock()
	b.touchLocked()
	if !b.hasSelected {
		b.mu.Unlock()
		return "", ErrNoSelection
	}
	id := b.selected
	b.mu.Unlock()

	ctx, cancel := mergeCancel(ctx, b.ctx)
	defer cancel()
	msg, err := b.api.DeleteMessage(ctx, b.token, id)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.touchLocked()
	if err != nil {
		b.logger.Warn("Failed to delete message", zap.Int64("id", id), zap.Error(err))
		b.status = msgDeleteFailed
		return "", fmt.Errorf("inbox: delete %d: %w", id, err)
	}

	b.status = msg
	idx := b.indexOf(id)
	if idx < 0 {
		return msg, nil
	}
	removed := b.records[idx]
	b.records = append(b.records[:idx:idx], b.records[idx+1:]...)
	delete(b.seen, id)
	b.cache.Forget(recordRefs(removed)...)

	if b.hasSelected && b.selected == id {
		b.closeViewerLocked()
		b.hasSelected = false
		if len(b.records) > 0 {
			b.selected, b.hasSelected = b.records[0].ID, true
			b.loader.Medium(b.records[0])
		}
	}
	return msg, nil
}

// Bulk runs the view's bulk action and reloads the list from the backend.
func (b *Inbox) Bulk(ctx context.Context) (string, error) {
	b.mu.Lock()
	b.touchLocked()
	b.mu.Unlock()

	call, failure := b.api.ArchiveMessages, msgArchiveFailed
	if b.view == AuditView {
		call, failure = b.api.ApproveMessages, msgApproveFailed
	}

	bulkCtx, cancel := mergeCancel(ctx, b.ctx)
	defer cancel()
	msg, err := call(bulkCtx, b.token)
	if err != nil {
		b.logger.Warn("Bulk action failed", zap.Error(err))
		b.setStatus(failure)
		return "", fmt.Errorf("inbox: bulk %s: %w", b.view, err)
	}

	if err := b.Load(ctx); err != nil {
		return msg, err
	}
	b.setStatus(msg)
	return msg, nil
}

func (b *Inbox) setStatus(s string) {
	b.mu.Lock()
	b.status = s
	b.touchLocked()
	b.mu.Unlock()
}

// Blob resolves a blob URL handle issued by this workspace.
func (b *Inbox) Blob(handle string) (*media.Blob, bool) {
	return b.cache.ByHandle(handle)
}

// Release aborts every fetch and frees all cached images.
func (b *Inbox) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.viewer.Close()
	b.records = nil
	b.hasSelected = false
	b.mu.Unlock()

	// The loader's callbacks take b.mu, so it is stopped unlocked.
	b.cancel()
	b.loader.Stop()
	b.cache.Release()
}

// --- internal helpers, callers hold b.mu ---

func (b *Inbox) indexOf(id int64) int {
	for i, r := range b.records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (b *Inbox) selectedLocked() (models.Record, bool) {
	if !b.hasSelected {
		return models.Record{}, false
	}
	idx := b.indexOf(b.selected)
	if idx < 0 {
		return models.Record{}, false
	}
	return b.records[idx], true
}

func (b *Inbox) closeViewerLocked() {
	if b.viewer.IsOpen() {
		b.viewer.Close()
		b.loader.Cancel(media.StageOriginal)
	}
}

// onImage runs on loader goroutines after each fetch attempt.
func (b *Inbox) onImage(res media.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version++
	if res.Stage != media.StageOriginal || !errors.Is(res.Err, media.ErrUnavailable) {
		return
	}
	rec, ok := b.selectedLocked()
	if !ok {
		return
	}
	for i, path := range rec.Originals {
		if path == res.Ref.Path {
			b.viewer.MarkOriginalFailed(i)
		}
	}
}

func recordRefs(r models.Record) []media.Ref {
	refs := make([]media.Ref, 0, 3*len(r.Thumbs))
	for _, p := range r.Thumbs {
		refs = append(refs, media.Ref{Fidelity: backend.Thumb, Path: p})
	}
	for _, p := range r.Medium {
		refs = append(refs, media.Ref{Fidelity: backend.Medium, Path: p})
	}
	for _, p := range r.Originals {
		refs = append(refs, media.Ref{Fidelity: backend.Original, Path: p})
	}
	return refs
}

func refsOf(records []models.Record) map[media.Ref]bool {
	keep := make(map[media.Ref]bool)
	for _, r := range records {
		for _, ref := range recordRefs(r) {
			keep[ref] = true
		}
	}
	return keep
}

// mergeCancel derives a context from ctx that is also cancelled with other.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func label(r models.Record) string {
	return fmt.Sprintf("%d-%s", r.ID, calendar.FormatDateTime(r.CreatedAt, calendar.UTC8))
}
