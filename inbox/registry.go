package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"harei/media"
)

// Open pages kept per client. Mounting past it releases the least recently
// used workspace of that client.
const maxMountsPerClient = 8

// RegistryConfig holds the settings shared by every mounted workspace.
type RegistryConfig struct {
	API      API
	Attempts int
	Delay    time.Duration
	IdleTTL  time.Duration
	Logger   *zap.Logger
	Clock    func() time.Time
}

type mount struct {
	client string
	box    *Inbox
}

// Registry owns the mounted workspaces, one per open page. A page addresses
// its workspace by the mount id rendered into it.
type Registry struct {
	cfg    RegistryConfig
	logger *zap.Logger

	mu     sync.Mutex
	mounts map[string]mount
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger.Named("inbox"),
		mounts: make(map[string]mount),
	}
}

// Mount creates a fresh workspace for one page of client.
func (r *Registry) Mount(client string, view View, token string) *Inbox {
	b := New(Config{
		ID:       uuid.NewString(),
		View:     view,
		API:      r.cfg.API,
		Token:    token,
		Attempts: r.cfg.Attempts,
		Delay:    r.cfg.Delay,
		Logger:   r.logger.With(zap.String("client", client)),
		Clock:    r.cfg.Clock,
	})

	r.mu.Lock()
	r.mounts[b.ID()] = mount{client: client, box: b}
	oldest := r.overflowLocked(client)
	r.mu.Unlock()

	if oldest != nil {
		oldest.Release()
	}
	return b
}

// overflowLocked drops the least recently used workspace of client once it
// holds more than maxMountsPerClient.
func (r *Registry) overflowLocked(client string) *Inbox {
	var (
		count  int
		oldest *Inbox
		used   time.Time
	)
	for _, m := range r.mounts {
		if m.client != client {
			continue
		}
		count++
		if t := m.box.LastUsed(); oldest == nil || t.Before(used) {
			oldest, used = m.box, t
		}
	}
	if count <= maxMountsPerClient {
		return nil
	}
	delete(r.mounts, oldest.ID())
	return oldest
}

// Get returns the workspace id if it belongs to client, shows view and was
// mounted with token.
func (r *Registry) Get(client string, view View, id, token string) (*Inbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mounts[id]
	if !ok || m.client != client || m.box.View() != view || m.box.Token() != token {
		return nil, false
	}
	return m.box, true
}

// Unmount releases the workspace id of client, e.g. when its page is closed.
func (r *Registry) Unmount(client, id string) {
	r.mu.Lock()
	m, ok := r.mounts[id]
	if ok && m.client == client {
		delete(r.mounts, id)
	}
	r.mu.Unlock()
	if ok && m.client == client {
		m.box.Release()
	}
}

// UnmountClient releases every workspace of client, e.g. on logout.
func (r *Registry) UnmountClient(client string) {
	r.mu.Lock()
	var boxes []*Inbox
	for id, m := range r.mounts {
		if m.client == client {
			boxes = append(boxes, m.box)
			delete(r.mounts, id)
		}
	}
	r.mu.Unlock()
	for _, b := range boxes {
		b.Release()
	}
}

// Blob looks up a blob handle across the client's workspaces.
func (r *Registry) Blob(client, handle string) (*media.Blob, bool) {
	r.mu.Lock()
	var boxes []*Inbox
	for _, m := range r.mounts {
		if m.client == client {
			boxes = append(boxes, m.box)
		}
	}
	r.mu.Unlock()

	for _, b := range boxes {
		if blob, ok := b.Blob(handle); ok {
			return blob, true
		}
	}
	return nil, false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mounts)
}

// Run evicts idle workspaces until ctx is done, then releases the rest.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.IdleTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.evict(time.Time{}, true)
			return
		case <-ticker.C:
			r.evict(r.cfg.Clock().Add(-r.cfg.IdleTTL), false)
		}
	}
}

func (r *Registry) evict(cutoff time.Time, all bool) int {
	r.mu.Lock()
	var stale []*Inbox
	for id, m := range r.mounts {
		if all || m.box.LastUsed().Before(cutoff) {
			stale = append(stale, m.box)
			delete(r.mounts, id)
		}
	}
	r.mu.Unlock()

	for _, b := range stale {
		b.Release()
	}
	if len(stale) > 0 {
		r.logger.Debug("Released idle workspaces", zap.Int("count", len(stale)))
	}
	return len(stale)
}
