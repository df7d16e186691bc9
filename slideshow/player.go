package slideshow

import (
	"context"
	"sync"
	"time"
)

// Frame is what a page needs to paint both background layers.
type Frame struct {
	Images  []string `json:"images"`
	Current int      `json:"current"`
	Next    int      `json:"next"`
	Fading  bool     `json:"fading"`
	Enabled bool     `json:"enabled"`
}

// Player advances through an image set, holding the outgoing and incoming
// image together for the crossfade before committing the new index.
type Player struct {
	mu        sync.Mutex
	images    []string
	current   int
	next      int
	fading    bool
	enabled   bool
	interval  time.Duration
	crossfade time.Duration
}

func NewPlayer(images []string, start int, enabled bool, interval, crossfade time.Duration) *Player {
	n := len(images)
	p := &Player{
		images:    images,
		enabled:   enabled,
		interval:  interval,
		crossfade: crossfade,
	}
	if n > 0 {
		p.current = ((start % n) + n) % n
		p.next = p.current
		if n > 1 {
			p.next = (p.current + 1) % n
		}
	}
	return p
}

func (p *Player) Frame() Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameLocked()
}

func (p *Player) frameLocked() Frame {
	return Frame{
		Images:  p.images,
		Current: p.current,
		Next:    p.next,
		Fading:  p.enabled && p.fading,
		Enabled: p.enabled,
	}
}

func (p *Player) canAdvance() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled && len(p.images) >= 2
}

// Begin starts a crossfade towards the following image.
func (p *Player) Begin() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled || len(p.images) < 2 {
		return p.frameLocked(), false
	}
	p.next = (p.current + 1) % len(p.images)
	p.fading = true
	return p.frameLocked(), true
}

// Commit finishes a pending crossfade.
func (p *Player) Commit() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fading {
		return p.frameLocked(), false
	}
	p.current = p.next
	p.fading = false
	return p.frameLocked(), true
}

// SetEnabled switches the loop on or off. Turning it off abandons a pending crossfade.
func (p *Player) SetEnabled(enabled bool) Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
	if !enabled {
		p.fading = false
	}
	return p.frameLocked()
}

// Run ticks the player until ctx is done, emitting every frame change.
// Values received on toggles enable or disable the loop.
func (p *Player) Run(ctx context.Context, toggles <-chan bool, emit func(Frame) error) error {
	var (
		ticker *time.Ticker
		tickC  <-chan time.Time
		fade   *time.Timer
		fadeC  <-chan time.Time
	)
	start := func() {
		if p.canAdvance() {
			ticker = time.NewTicker(p.interval)
			tickC = ticker.C
		}
	}
	stop := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
		if fade != nil {
			fade.Stop()
			fade, fadeC = nil, nil
		}
	}
	defer stop()
	start()

	for {
		select {
		case <-ctx.Done():
			return nil
		case enabled, ok := <-toggles:
			if !ok {
				toggles = nil
				continue
			}
			stop()
			frame := p.SetEnabled(enabled)
			start()
			if err := emit(frame); err != nil {
				return err
			}
		case <-tickC:
			frame, ok := p.Begin()
			if !ok {
				continue
			}
			if fade != nil {
				fade.Stop()
			}
			fade = time.NewTimer(p.crossfade)
			fadeC = fade.C
			if err := emit(frame); err != nil {
				return err
			}
		case <-fadeC:
			fade, fadeC = nil, nil
			frame, ok := p.Commit()
			if !ok {
				continue
			}
			if err := emit(frame); err != nil {
				return err
			}
		}
	}
}
