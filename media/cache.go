// Package media owns the admin image viewer: the per-view fidelity cache,
// the pan/zoom viewer state machine and the progressive loader between them.
package media

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"harei/backend"
)

var (
	ErrReleased    = errors.New("media: cache released")
	ErrUnavailable = errors.New("media: image unavailable")
)

// Ref names one rendition of one remote image.
type Ref struct {
	Fidelity backend.Fidelity
	Path     string
}

func (r Ref) String() string {
	return string(r.Fidelity) + ":" + r.Path
}

// Blob is a fetched rendition addressable through its handle.
type Blob struct {
	Handle      string
	Ref         Ref
	ContentType string
	Data        []byte
	ETag        string
}

// URL is the same-origin address the page uses to display the blob.
func (b *Blob) URL() string {
	return "/admin/blob/" + b.Handle
}

// Fetcher downloads renditions. *backend.Client satisfies it.
type Fetcher interface {
	Image(ctx context.Context, token string, f backend.Fidelity, path string) (backend.Image, error)
}

// CacheConfig bundles the collaborators of a Cache.
type CacheConfig struct {
	Fetcher  Fetcher
	Token    string
	Attempts int
	Delay    time.Duration
	Logger   *zap.Logger
}

// Cache maps refs to fetched blobs for one mounted view. Entries are never
// overwritten, at most one fetch per ref is in flight, and once released
// every late result is dropped.
type Cache struct {
	fetcher  Fetcher
	token    string
	attempts int
	delay    time.Duration
	logger   *zap.Logger

	group singleflight.Group

	mu         sync.RWMutex
	byRef      map[Ref]*Blob
	byHandle   map[string]*Blob
	generation uint64
	released   bool
}

func NewCache(cfg CacheConfig) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := max(cfg.Attempts, 1)
	delay := cfg.Delay
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}
	return &Cache{
		fetcher:  cfg.Fetcher,
		token:    cfg.Token,
		attempts: attempts,
		delay:    delay,
		logger:   logger,
		byRef:    make(map[Ref]*Blob),
		byHandle: make(map[string]*Blob),
	}
}

// Lookup returns a cached blob without fetching.
func (c *Cache) Lookup(ref Ref) (*Blob, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.byRef[ref]
	return b, ok
}

// ByHandle resolves a blob URL handle.
func (c *Cache) ByHandle(handle string) (*Blob, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.byHandle[handle]
	return b, ok
}

// Len reports how many blobs are held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byRef)
}

// Get returns the blob for ref, fetching it once if needed. Concurrent callers
// for the same ref share a single fetch.
func (c *Cache) Get(ctx context.Context, ref Ref) (*Blob, error) {
	c.mu.RLock()
	if b, ok := c.byRef[ref]; ok {
		c.mu.RUnlock()
		return b, nil
	}
	released, gen := c.released, c.generation
	c.mu.RUnlock()
	if released {
		return nil, ErrReleased
	}

	for {
		v, err, shared := c.group.Do(ref.String(), func() (any, error) {
			if b, ok := c.Lookup(ref); ok {
				return b, nil
			}
			img, err := c.fetch(ctx, ref)
			if err != nil {
				return nil, err
			}
			return c.store(gen, ref, img)
		})
		if err == nil {
			return v.(*Blob), nil
		}
		// A joined flight ran on its starter's context. When that caller gave
		// up, fetch again under our own.
		if shared && ctx.Err() == nil && isContextErr(err) {
			continue
		}
		return nil, err
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) fetch(ctx context.Context, ref Ref) (backend.Image, error) {
	backoff := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewConstant(c.delay))
	img, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (backend.Image, error) {
		img, err := c.fetcher.Image(ctx, c.token, ref.Fidelity, ref.Path)
		if err != nil {
			if ctx.Err() != nil {
				return backend.Image{}, err
			}
			c.logger.Debug("Image fetch failed, retrying", zap.Stringer("ref", ref), zap.Error(err))
			return backend.Image{}, retry.RetryableError(err)
		}
		return img, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backend.Image{}, ctxErr
		}
		return backend.Image{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, ref, err)
	}
	return img, nil
}

func (c *Cache) store(gen uint64, ref Ref, img backend.Image) (*Blob, error) {
	sum := blake2b.Sum256(img.Data)
	blob := &Blob{
		Handle:      uuid.NewString(),
		Ref:         ref,
		ContentType: img.ContentType,
		Data:        img.Data,
		ETag:        `"` + hex.EncodeToString(sum[:16]) + `"`,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || c.generation != gen {
		return nil, ErrReleased
	}
	if existing, ok := c.byRef[ref]; ok {
		return existing, nil
	}
	c.byRef[ref] = blob
	c.byHandle[blob.Handle] = blob
	return blob, nil
}

// Forget drops the given refs, e.g. after their record was deleted.
func (c *Cache) Forget(refs ...Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range refs {
		if b, ok := c.byRef[ref]; ok {
			delete(c.byHandle, b.Handle)
			delete(c.byRef, ref)
		}
	}
}

// Retain drops every blob whose ref is not in keep.
func (c *Cache) Retain(keep map[Ref]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, b := range c.byRef {
		if !keep[ref] {
			delete(c.byHandle, b.Handle)
			delete(c.byRef, ref)
		}
	}
}

// Release frees every blob. The cache stays unusable afterwards.
func (c *Cache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRef = make(map[Ref]*Blob)
	c.byHandle = make(map[string]*Blob)
	c.generation++
	c.released = true
}
