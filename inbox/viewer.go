package inbox

import (
	"math"
	"time"

	"go.uber.org/zap"

	"harei/backend"
	"harei/media"
)

// ViewerOp is a single viewer event forwarded from the page. Seq numbers the
// page's events from 1; zero means unsequenced.
type ViewerOp struct {
	Seq    uint64      `json:"seq"`
	Kind   string      `json:"op"`
	Index  int         `json:"index"`
	DeltaY float64     `json:"deltaY"`
	Point  media.Point `json:"point"`
}

type heldOp struct {
	op      ViewerOp
	arrived time.Time
}

// A sequence gap is skipped once this many events wait behind it, or once
// the oldest waiting event is older than maxSeqWait.
const (
	maxHeldOps = 16
	maxSeqWait = 500 * time.Millisecond
)

// Viewer event kinds.
const (
	OpOpen     = "open"
	OpClose    = "close"
	OpNext     = "next"
	OpPrev     = "prev"
	OpWheel    = "wheel"
	OpDown     = "down"
	OpMove     = "move"
	OpUp       = "up"
	OpClick    = "click"
	OpOriginal = "original"
	OpRetry    = "retry"
)

// Apply routes op to the viewer of the selected record and reports whether
// anything changed. Sequenced events are applied in sequence order: one that
// arrives early waits for its predecessors, and a repeated or outdated one is
// dropped. Unknown ops are ignored.
func (b *Inbox) Apply(op ViewerOp) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touchLocked()

	if op.Seq == 0 {
		return b.applyLocked(op)
	}
	if op.Seq < b.nextSeq {
		return false
	}
	if _, dup := b.held[op.Seq]; !dup {
		b.held[op.Seq] = heldOp{op: op, arrived: b.clock()}
	}

	changed := false
	for len(b.held) > 0 {
		next, ok := b.held[b.nextSeq]
		if !ok {
			first, waited := b.oldestHeldLocked()
			if len(b.held) < maxHeldOps && b.clock().Sub(waited) < maxSeqWait {
				break
			}
			b.logger.Debug("Skipping lost viewer events", zap.Uint64("from", b.nextSeq), zap.Uint64("to", first))
			b.nextSeq = first
			continue
		}
		delete(b.held, b.nextSeq)
		b.nextSeq++
		if b.applyLocked(next.op) {
			changed = true
		}
	}
	return changed
}

// oldestHeldLocked returns the lowest waiting sequence number and when the
// earliest waiting event arrived.
func (b *Inbox) oldestHeldLocked() (uint64, time.Time) {
	first := uint64(math.MaxUint64)
	var arrived time.Time
	for seq, h := range b.held {
		if seq < first {
			first = seq
		}
		if arrived.IsZero() || h.arrived.Before(arrived) {
			arrived = h.arrived
		}
	}
	return first, arrived
}

func (b *Inbox) applyLocked(op ViewerOp) bool {
	v := b.viewer
	changed := true
	switch op.Kind {
	case OpOpen:
		rec, ok := b.selectedLocked()
		if !ok {
			return false
		}
		changed = v.Open(op.Index, rec.ImageCount())
	case OpClose:
		b.closeViewerLocked()
	case OpNext:
		v.Next()
	case OpPrev:
		v.Prev()
	case OpWheel:
		v.Wheel(op.DeltaY)
	case OpDown:
		v.PointerDown(op.Point)
	case OpMove:
		changed = v.PointerMove(op.Point)
	case OpUp:
		v.PointerUp()
	case OpClick:
		changed = v.Click()
		if changed {
			b.loader.Cancel(media.StageOriginal)
		}
	case OpOriginal:
		changed = v.RequestOriginal()
	case OpRetry:
		changed = v.RetryOriginal()
		if changed {
			b.requestOriginalLocked(true)
		}
		return changed
	default:
		return false
	}
	b.requestOriginalLocked(false)
	return changed
}

// requestOriginalLocked starts the original fetch for the current image when
// it is flagged for full fidelity and not cached yet. A failed image is only
// fetched again on retry.
func (b *Inbox) requestOriginalLocked(retry bool) {
	if !b.viewer.ShowsOriginal() {
		return
	}
	if !retry && b.viewer.State().OriginalFailed {
		return
	}
	rec, ok := b.selectedLocked()
	if !ok {
		return
	}
	ref, ok := b.viewer.Source(rec.Medium, rec.Originals)
	if !ok {
		return
	}
	if _, cached := b.cache.Lookup(ref); cached {
		return
	}
	b.loader.Original(ref.Path)
}

// displayLocked resolves the blob URL the viewer should show. A requested
// original that has not arrived yet falls back to the medium rendition.
func (b *Inbox) displayLocked(medium, originals []string) (url string, pending bool) {
	ref, ok := b.viewer.Source(medium, originals)
	if !ok {
		return "", false
	}
	if blob, ok := b.cache.Lookup(ref); ok {
		return blob.URL(), false
	}
	if ref.Fidelity == backend.Original {
		pending = !b.viewer.State().OriginalFailed
		fallback := media.Ref{Fidelity: backend.Medium, Path: medium[b.viewer.Index()]}
		if blob, ok := b.cache.Lookup(fallback); ok {
			return blob.URL(), pending
		}
		return "", pending
	}
	return "", true
}
