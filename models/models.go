// harei/models/models.go
package models

// --- Remote Data Models ---

// Record is a moderated message from the box. The three image slices are index
// aligned: Thumbs[i], Medium[i] and Originals[i] are the same picture.
type Record struct {
	ID        int64    `json:"id"`
	CreatedAt string   `json:"created_at"`
	Message   string   `json:"msg"`
	Tag       string   `json:"tag"`
	Originals []string `json:"images"`
	Thumbs    []string `json:"images_thumb"`
	Medium    []string `json:"images_jpg"`
}

// ImageCount returns the number of logical images carried by the record.
func (r Record) ImageCount() int {
	return len(r.Thumbs)
}

// Aligned reports whether the three image sequences have equal length.
func (r Record) Aligned() bool {
	return len(r.Thumbs) == len(r.Medium) && len(r.Medium) == len(r.Originals)
}

// Normalize truncates the image sequences to their shortest common length so
// index alignment holds for every consumer.
func (r Record) Normalize() Record {
	if r.Aligned() {
		return r
	}
	n := min(len(r.Thumbs), len(r.Medium), len(r.Originals))
	r.Thumbs = r.Thumbs[:n]
	r.Medium = r.Medium[:n]
	r.Originals = r.Originals[:n]
	return r
}

// Captain is a monthly guard/donor record.
type Captain struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Level    string `json:"level"`
	Count    int    `json:"count"`
	JoinedAt string `json:"joined_at"`
}

// RankEntry is one row of the public leaderboard.
type RankEntry struct {
	UID   string `json:"uid"`
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// LiveStatus is the public stream state. Status 1 means live.
type LiveStatus struct {
	Status   int    `json:"status"`
	LiveTime string `json:"live_time"`
}

// Upload is a named file part forwarded to the backend.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// --- Client State Models ---

// Credential is the stored admin bearer token. ExpiresAt is milliseconds since epoch.
type Credential struct {
	Token     string
	ExpiresAt int64
}

// MessageStatus selects which box list an admin view works on.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusApproved MessageStatus = "approved"
)
