package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"harei/settings"
	"harei/slideshow"
)

const sseHeartbeat = 25 * time.Second

// HandleBackgroundToggle flips (or sets, when "enabled" is given) the
// animation flag of an area. Every open page of the client follows.
func HandleBackgroundToggle(w http.ResponseWriter, r *http.Request, app App) {
	area, ok := settings.ParseArea(r.FormValue("area"))
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid area"}, app)
		return
	}

	var (
		enabled bool
		err     error
	)
	if raw := r.FormValue("enabled"); raw != "" {
		enabled, err = strconv.ParseBool(raw)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid value"}, app)
			return
		}
		err = app.Settings().Set(r.Context(), clientID(r), area, enabled)
	} else {
		enabled, err = app.Settings().Toggle(r.Context(), clientID(r), area)
	}
	if err != nil {
		app.Logger().Error("Failed to store background setting", zap.String("area", string(area)), zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "save failed"}, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"area": area, "enabled": enabled}, app)
}

// sseWriter serializes server-sent events onto one response.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// HandleBackgroundEvents streams the slideshow of an area to one page. The
// page reports its viewport so the matching image set is played. Frames are
// sent as "frame" events, setting changes as "bg-animation-change".
func HandleBackgroundEvents(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With(zap.String("handler", "HandleBackgroundEvents"))
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	area, ok := settings.ParseArea(r.URL.Query().Get("area"))
	if !ok {
		area = settings.AreaForPath(r.URL.Query().Get("path"))
	}
	width, _ := strconv.Atoi(r.URL.Query().Get("width"))
	height, _ := strconv.Atoi(r.URL.Query().Get("height"))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	client := clientID(r)
	cfg := app.Config()

	images := app.Backgrounds().Images(ctx, slideshow.IsMobile(width, height))
	imageKey := slideshow.ImageKey(images)
	start, err := app.Settings().SlideIndex(ctx, client, area, imageKey, len(images))
	if err != nil {
		logger.Warn("Failed to read slide index", zap.Error(err))
	}
	enabled, err := app.Settings().Enabled(ctx, client, area)
	if err != nil {
		logger.Warn("Failed to read background setting", zap.Error(err))
	}
	player := slideshow.NewPlayer(images, start, enabled, cfg.SlideInterval, cfg.SlideCrossfade)

	changes, unsubscribe := app.Settings().Hub().Subscribe(ctx, client)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &sseWriter{w: w, flusher: flusher}
	if err := stream.send("frame", player.Frame()); err != nil {
		return
	}

	toggles := make(chan bool)
	go func() {
		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-app.Settings().Hub().Done():
				cancel()
				return
			case <-heartbeat.C:
				if err := stream.send(settings.EventHeartbeat, map[string]int64{"ts": time.Now().UnixMilli()}); err != nil {
					cancel()
					return
				}
			case change, ok := <-changes:
				if !ok {
					return
				}
				if change.Area != area {
					continue
				}
				if err := stream.send(settings.EventAnimationChanged, map[string]any{
					"area":    change.Area,
					"enabled": change.Enabled,
				}); err != nil {
					cancel()
					return
				}
				select {
				case toggles <- change.Enabled:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	err = player.Run(ctx, toggles, func(frame slideshow.Frame) error {
		if !frame.Fading && len(frame.Images) > 0 {
			if err := app.Settings().SetSlideIndex(context.WithoutCancel(ctx), client, area, imageKey, frame.Current); err != nil {
				logger.Warn("Failed to store slide index", zap.Error(err))
			}
		}
		return stream.send("frame", frame)
	})
	if err != nil {
		logger.Debug("Background stream closed", zap.Error(err))
	}
}
