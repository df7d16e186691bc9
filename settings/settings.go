// Package settings persists per-client display preferences and broadcasts changes.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Area splits the site into independently configured halves.
type Area string

const (
	Front Area = "front"
	Admin Area = "admin"
)

const (
	animationPrefix = "harei:bg-animation"
	slideshowPrefix = "harei:bg-slideshow"
	giftMonthKey    = "harei-admin-captaingift-month"
)

// AreaForPath maps a request path onto its area.
func AreaForPath(path string) Area {
	if strings.HasPrefix(path, "/admin") {
		return Admin
	}
	return Front
}

// ParseArea accepts only the known area names.
func ParseArea(s string) (Area, bool) {
	switch Area(s) {
	case Front, Admin:
		return Area(s), true
	}
	return "", false
}

// DefaultEnabled is the animation state before the client has chosen one.
func (a Area) DefaultEnabled() bool {
	return a != Admin
}

func animationKey(area Area) string {
	return animationPrefix + ":" + string(area)
}

func slideKey(area Area, imageKey string) string {
	return slideshowPrefix + ":" + string(area) + ":" + imageKey
}

// Store is the per-client key/value storage settings live in.
type Store interface {
	GetValue(ctx context.Context, client, key string) (string, bool, error)
	SetValue(ctx context.Context, client, key, value string) error
}

// Service reads and writes settings; every animation write is published on the hub.
type Service struct {
	store  Store
	hub    *Hub
	logger *zap.Logger
}

func NewService(store Store, hub *Hub, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, hub: hub, logger: logger.With(zap.String("component", "settings"))}
}

// Hub returns the change broadcaster.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Enabled reports whether the background animation runs in area.
func (s *Service) Enabled(ctx context.Context, client string, area Area) (bool, error) {
	value, ok, err := s.store.GetValue(ctx, client, animationKey(area))
	if err != nil {
		return area.DefaultEnabled(), fmt.Errorf("settings: read animation: %w", err)
	}
	if !ok {
		return area.DefaultEnabled(), nil
	}
	return value == "true", nil
}

// Set persists the animation flag and notifies every open page of the client.
func (s *Service) Set(ctx context.Context, client string, area Area, enabled bool) error {
	if err := s.store.SetValue(ctx, client, animationKey(area), strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("settings: write animation: %w", err)
	}
	s.hub.Publish(Change{Client: client, Area: area, Enabled: enabled, Timestamp: time.Now().UTC()})
	s.logger.Debug("Animation setting changed",
		zap.String("client", client), zap.String("area", string(area)), zap.Bool("enabled", enabled))
	return nil
}

// Toggle flips the animation flag and returns the new value.
func (s *Service) Toggle(ctx context.Context, client string, area Area) (bool, error) {
	current, err := s.Enabled(ctx, client, area)
	if err != nil {
		return current, err
	}
	next := !current
	return next, s.Set(ctx, client, area, next)
}

// SlideIndex returns the last shown slide for an image set, normalized into [0, length).
func (s *Service) SlideIndex(ctx context.Context, client string, area Area, imageKey string, length int) (int, error) {
	if length <= 0 {
		return 0, nil
	}
	value, ok, err := s.store.GetValue(ctx, client, slideKey(area, imageKey))
	if err != nil {
		return 0, fmt.Errorf("settings: read slide index: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, nil
	}
	return ((n % length) + length) % length, nil
}

// SetSlideIndex remembers the slide currently on screen.
func (s *Service) SetSlideIndex(ctx context.Context, client string, area Area, imageKey string, index int) error {
	if err := s.store.SetValue(ctx, client, slideKey(area, imageKey), strconv.Itoa(index)); err != nil {
		return fmt.Errorf("settings: write slide index: %w", err)
	}
	return nil
}

// GiftMonth returns the month last picked on the captain gift page.
func (s *Service) GiftMonth(ctx context.Context, client string) string {
	value, _, err := s.store.GetValue(ctx, client, giftMonthKey)
	if err != nil {
		s.logger.Warn("Failed to read gift month", zap.String("client", client), zap.Error(err))
	}
	return value
}

func (s *Service) SetGiftMonth(ctx context.Context, client, month string) error {
	return s.store.SetValue(ctx, client, giftMonthKey, month)
}
