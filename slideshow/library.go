// Package slideshow drives the rotating page background.
package slideshow

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MobileMaxWidth is the widest viewport still treated as a phone.
const MobileMaxWidth = 768

// IsMobile classifies a viewport: narrow or portrait screens get the mobile set.
func IsMobile(width, height int) bool {
	ratio := float64(width) / float64(max(height, 1))
	return width <= MobileMaxWidth || ratio < 1
}

// Built-in sets used when the configured source has nothing to offer.
var (
	DefaultDesktop = []string{
		"/static/images/back/back1.jpg",
		"/static/images/back/back2.jpg",
		"/static/images/back/back3.jpg",
		"/static/images/back/back4.jpg",
		"/static/images/back/back5.jpg",
		"/static/images/back/back6.jpg",
	}
	DefaultMobile = []string{
		"/static/images/mbback/mbback1.jpg",
		"/static/images/mbback/mbback2.jpg",
		"/static/images/mbback/mbback3.jpg",
		"/static/images/mbback/mbback4.jpg",
		"/static/images/mbback/mbback5.jpg",
		"/static/images/mbback/mbback6.jpg",
	}
)

// Source lists image URLs under a prefix. utils.LocalStorage and utils.S3Storage satisfy it.
type Source interface {
	ListImages(ctx context.Context, prefix string) ([]string, error)
}

// Library resolves and caches the desktop and mobile image sets.
type Library struct {
	source        Source
	desktopPrefix string
	mobilePrefix  string
	logger        *zap.Logger

	mu    sync.Mutex
	cache map[bool][]string
}

func NewLibrary(source Source, desktopPrefix, mobilePrefix string, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		source:        source,
		desktopPrefix: desktopPrefix,
		mobilePrefix:  mobilePrefix,
		logger:        logger.With(zap.String("component", "slideshow_library")),
		cache:         make(map[bool][]string),
	}
}

// Images returns the ordered set for the device class. Listing failures fall
// back to the built-in set and are retried on the next call.
func (l *Library) Images(ctx context.Context, mobile bool) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if images, ok := l.cache[mobile]; ok {
		return images
	}

	prefix, fallback := l.desktopPrefix, DefaultDesktop
	if mobile {
		prefix, fallback = l.mobilePrefix, DefaultMobile
	}
	if l.source == nil {
		return fallback
	}

	images, err := l.source.ListImages(ctx, prefix)
	if err != nil {
		l.logger.Warn("Failed to list background images", zap.String("prefix", prefix), zap.Error(err))
		return fallback
	}
	if len(images) == 0 {
		images = fallback
	}
	l.cache[mobile] = images
	return images
}

// Reset drops the cached sets so the next call lists the source again.
func (l *Library) Reset() {
	l.mu.Lock()
	l.cache = make(map[bool][]string)
	l.mu.Unlock()
}

// ImageKey identifies an image set; remembered slide positions are scoped by it.
func ImageKey(images []string) string {
	return strings.Join(images, "|")
}
