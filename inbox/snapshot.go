package inbox

import (
	"harei/backend"
	"harei/calendar"
	"harei/media"
)

const (
	msgEmpty    = "暂无留言"
	msgNoSelect = "请选择左侧留言"
)

// Item is one row of the record list.
type Item struct {
	ID       int64  `json:"id"`
	Label    string `json:"label"`
	Selected bool   `json:"selected"`
	Seen     bool   `json:"seen"`
}

// Thumb is a thumbnail slot. URL stays empty until the rendition is cached.
type Thumb struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// Detail is the selected record.
type Detail struct {
	ID        int64   `json:"id"`
	Header    string  `json:"header"`
	Message   string  `json:"message"`
	Tag       string  `json:"tag"`
	CreatedAt string  `json:"createdAt"`
	Thumbs    []Thumb `json:"thumbs"`
	MediumURL string  `json:"mediumUrl"`
}

// Snapshot is the render state of a workspace at one version.
type Snapshot struct {
	Mount       string            `json:"mount"`
	View        View              `json:"view"`
	Items       []Item            `json:"items"`
	Selected    *Detail           `json:"selected,omitempty"`
	Placeholder string            `json:"placeholder,omitempty"`
	Viewer      media.ViewerState `json:"viewer"`
	DisplayURL  string            `json:"displayUrl"`
	Pending     bool              `json:"pending"`
	Status      string            `json:"status"`
	Loading     bool              `json:"loading"`
	Version     uint64            `json:"version"`
}

func (b *Inbox) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Mount:   b.id,
		View:    b.view,
		Items:   make([]Item, 0, len(b.records)),
		Viewer:  b.viewer.State(),
		Status:  b.status,
		Loading: b.loading,
		Version: b.version,
	}
	for _, r := range b.records {
		snap.Items = append(snap.Items, Item{
			ID:       r.ID,
			Label:    label(r),
			Selected: b.hasSelected && r.ID == b.selected,
			Seen:     b.seen[r.ID],
		})
	}

	rec, ok := b.selectedLocked()
	switch {
	case len(b.records) == 0:
		snap.Placeholder = msgEmpty
	case !ok:
		snap.Placeholder = msgNoSelect
	default:
		d := &Detail{
			ID:        rec.ID,
			Header:    label(rec),
			Message:   rec.Message,
			Tag:       rec.Tag,
			CreatedAt: calendar.FormatDateTime(rec.CreatedAt, calendar.UTC8),
			Thumbs:    make([]Thumb, 0, len(rec.Thumbs)),
		}
		for i, p := range rec.Thumbs {
			t := Thumb{Index: i}
			if blob, ok := b.cache.Lookup(media.Ref{Fidelity: backend.Thumb, Path: p}); ok {
				t.URL = blob.URL()
			}
			d.Thumbs = append(d.Thumbs, t)
		}
		if len(rec.Medium) > 0 {
			if blob, ok := b.cache.Lookup(media.Ref{Fidelity: backend.Medium, Path: rec.Medium[0]}); ok {
				d.MediumURL = blob.URL()
			}
		}
		snap.Selected = d
		snap.DisplayURL, snap.Pending = b.displayLocked(rec.Medium, rec.Originals)
	}
	return snap
}
