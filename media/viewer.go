package media

import (
	"math"

	"harei/backend"
	"harei/config"
)

// Point is a 2D pan offset or pointer position in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ViewerState is the externally visible part of a viewer session.
type ViewerState struct {
	Open           bool    `json:"open"`
	Index          int     `json:"index"`
	Count          int     `json:"count"`
	Scale          float64 `json:"scale"`
	Offset         Point   `json:"offset"`
	Dragging       bool    `json:"dragging"`
	ShowOriginal   bool    `json:"showOriginal"`
	OriginalFailed bool    `json:"originalFailed"`
}

// Viewer is the full-screen pan/zoom state machine. It starts closed.
// A Viewer is not safe for concurrent use; its owner serializes events.
type Viewer struct {
	open   bool
	index  int
	count  int
	scale  float64
	offset Point

	originals map[int]bool
	failed    map[int]bool

	dragging   bool
	dragOrigin Point
	dragStart  Point
	dragMoved  bool
	clickGuard bool
}

func NewViewer() *Viewer {
	v := &Viewer{}
	v.Close()
	return v
}

// Open shows image index of count with a fresh transform.
func (v *Viewer) Open(index, count int) bool {
	if count <= 0 {
		return false
	}
	v.open = true
	v.count = count
	v.index = ((index % count) + count) % count
	v.scale = 1
	v.offset = Point{}
	v.originals = make(map[int]bool)
	v.failed = make(map[int]bool)
	v.dragging = false
	v.dragMoved = false
	v.clickGuard = false
	return true
}

// Close returns the viewer to its initial state.
func (v *Viewer) Close() {
	v.open = false
	v.index = 0
	v.count = 0
	v.scale = 1
	v.offset = Point{}
	v.originals = make(map[int]bool)
	v.failed = make(map[int]bool)
	v.dragging = false
	v.dragMoved = false
	v.clickGuard = false
}

func (v *Viewer) IsOpen() bool { return v.open }
func (v *Viewer) Index() int   { return v.index }

// Next moves to the following image, wrapping at the end.
func (v *Viewer) Next() {
	if !v.open || v.count == 0 {
		return
	}
	v.index = (v.index + 1) % v.count
	v.resetTransform()
}

// Prev moves to the preceding image, wrapping at the start.
func (v *Viewer) Prev() {
	if !v.open || v.count == 0 {
		return
	}
	v.index = (v.index - 1 + v.count) % v.count
	v.resetTransform()
}

func (v *Viewer) resetTransform() {
	v.scale = 1
	v.offset = Point{}
}

// Wheel zooms one step: scrolling down (positive delta) zooms out. A zero
// delta is horizontal scrolling and leaves the scale alone.
func (v *Viewer) Wheel(deltaY float64) {
	if !v.open || deltaY == 0 {
		return
	}
	step := config.ZoomStep
	if deltaY > 0 {
		step = -step
	}
	// Rounding keeps repeated steps on the 0.1 grid.
	scale := math.Round((v.scale+step)*10) / 10
	v.scale = math.Min(config.MaxZoom, math.Max(config.MinZoom, scale))
}

// PointerDown starts a drag at p.
func (v *Viewer) PointerDown(p Point) {
	if !v.open {
		return
	}
	v.dragging = true
	v.dragOrigin = p
	v.dragStart = v.offset
	v.dragMoved = false
}

// PointerMove pans by the distance from the drag origin. It reports whether
// the offset changed.
func (v *Viewer) PointerMove(p Point) bool {
	if !v.dragging {
		return false
	}
	dx, dy := p.X-v.dragOrigin.X, p.Y-v.dragOrigin.Y
	if math.Abs(dx) > config.DragThreshold || math.Abs(dy) > config.DragThreshold {
		v.dragMoved = true
	}
	v.offset = Point{X: v.dragStart.X + dx, Y: v.dragStart.Y + dy}
	return true
}

// PointerUp ends a drag. A drag that travelled past the threshold arms the
// click guard for the click that follows.
func (v *Viewer) PointerUp() {
	v.dragging = false
	v.clickGuard = v.dragMoved
}

// Click handles a click on the backdrop. It closes the viewer unless the click
// is the tail of a drag, in which case the guard is consumed instead.
func (v *Viewer) Click() bool {
	if !v.open {
		return false
	}
	if v.dragging || v.clickGuard || v.dragMoved {
		v.clickGuard = false
		v.dragMoved = false
		return false
	}
	v.Close()
	return true
}

// RequestOriginal flags the current image for full fidelity display.
func (v *Viewer) RequestOriginal() bool {
	if !v.open {
		return false
	}
	v.originals[v.index] = true
	delete(v.failed, v.index)
	return true
}

// ShowsOriginal reports whether the current image displays at full fidelity.
func (v *Viewer) ShowsOriginal() bool {
	return v.open && v.originals[v.index]
}

// MarkOriginalFailed records that the original of index could not be loaded.
func (v *Viewer) MarkOriginalFailed(index int) {
	if v.open && v.originals[index] {
		v.failed[index] = true
	}
}

// RetryOriginal clears a failure on the current image so it is requested again.
func (v *Viewer) RetryOriginal() bool {
	if !v.open || !v.failed[v.index] {
		return false
	}
	delete(v.failed, v.index)
	return true
}

func (v *Viewer) State() ViewerState {
	return ViewerState{
		Open:           v.open,
		Index:          v.index,
		Count:          v.count,
		Scale:          v.scale,
		Offset:         v.offset,
		Dragging:       v.dragging,
		ShowOriginal:   v.ShowsOriginal(),
		OriginalFailed: v.open && v.failed[v.index],
	}
}

// Source picks the rendition to display for the current image: the original
// once requested, the medium rendition otherwise.
func (v *Viewer) Source(medium, originals []string) (Ref, bool) {
	if !v.open || v.index >= len(medium) || v.index >= len(originals) {
		return Ref{}, false
	}
	if v.ShowsOriginal() {
		return Ref{Fidelity: backend.Original, Path: originals[v.index]}, true
	}
	return Ref{Fidelity: backend.Medium, Path: medium[v.index]}, true
}
