package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harei/backend"
	"harei/media"
	"harei/models"
)

type fakeAPI struct {
	mu        sync.Mutex
	records   map[models.MessageStatus][]models.Record
	listErr   error
	deleteErr error
	bulkErr   error
	deleted   []int64
	approved  int
	archived  int
	failPaths map[string]bool
}

func newFakeAPI(records ...models.Record) *fakeAPI {
	return &fakeAPI{
		records:   map[models.MessageStatus][]models.Record{models.StatusApproved: records},
		failPaths: make(map[string]bool),
	}
}

func (f *fakeAPI) Messages(ctx context.Context, token string, status models.MessageStatus) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Record(nil), f.records[status]...), nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, token string, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return "", f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return "ok", nil
}

func (f *fakeAPI) ApproveMessages(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return "", f.bulkErr
	}
	f.approved++
	f.records[models.StatusPending] = nil
	return "已全部过审", nil
}

func (f *fakeAPI) ArchiveMessages(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return "", f.bulkErr
	}
	f.archived++
	f.records[models.StatusApproved] = nil
	return "已全部归档", nil
}

func (f *fakeAPI) Image(ctx context.Context, token string, fid backend.Fidelity, path string) (backend.Image, error) {
	f.mu.Lock()
	fail := f.failPaths[path]
	f.mu.Unlock()
	if fail {
		return backend.Image{}, errors.New("boom")
	}
	return backend.Image{ContentType: "image/jpeg", Data: []byte(string(fid) + ":" + path)}, nil
}

func record(id int64, images ...string) models.Record {
	r := models.Record{ID: id, CreatedAt: "2024-07-15T12:00:00Z", Message: "hi", Tag: "t"}
	for _, img := range images {
		r.Thumbs = append(r.Thumbs, "thumb/"+img)
		r.Medium = append(r.Medium, "jpg/"+img)
		r.Originals = append(r.Originals, "orig/"+img)
	}
	return r
}

func newInbox(t *testing.T, api *fakeAPI, view View) *Inbox {
	t.Helper()
	b := New(Config{View: view, API: api, Token: "tok", Attempts: 1, Delay: time.Millisecond})
	t.Cleanup(b.Release)
	return b
}

func ids(snap Snapshot) []int64 {
	out := make([]int64, 0, len(snap.Items))
	for _, it := range snap.Items {
		out = append(out, it.ID)
	}
	return out
}

func TestLoadSortsAndSelectsFirst(t *testing.T) {
	api := newFakeAPI(record(5, "a"), record(2, "b", "c"))
	b := newInbox(t, api, MessageView)

	require.NoError(t, b.Load(context.Background()))
	b.loader.Wait()

	snap := b.Snapshot()
	assert.Equal(t, []int64{2, 5}, ids(snap))
	require.NotNil(t, snap.Selected)
	assert.EqualValues(t, 2, snap.Selected.ID)
	assert.Equal(t, "2-2024-07-15 20:00:00", snap.Selected.Header)
	require.Len(t, snap.Selected.Thumbs, 2)
	assert.NotEmpty(t, snap.Selected.Thumbs[0].URL)
	assert.NotEmpty(t, snap.Selected.MediumURL)
}

func TestLoadNormalizesImages(t *testing.T) {
	r := record(1, "a", "b")
	r.Originals = r.Originals[:1]
	b := newInbox(t, newFakeAPI(r), MessageView)

	require.NoError(t, b.Load(context.Background()))
	snap := b.Snapshot()
	require.NotNil(t, snap.Selected)
	assert.Len(t, snap.Selected.Thumbs, 1)
}

func TestLoadFailureEmptiesList(t *testing.T) {
	api := newFakeAPI(record(1))
	b := newInbox(t, api, MessageView)
	require.NoError(t, b.Load(context.Background()))

	api.listErr = errors.New("down")
	require.Error(t, b.Load(context.Background()))

	snap := b.Snapshot()
	assert.Empty(t, snap.Items)
	assert.Nil(t, snap.Selected)
	assert.Equal(t, msgEmpty, snap.Placeholder)
	assert.Equal(t, msgLoadFailed, snap.Status)
}

func TestSelectClosesViewerAndMarksSeen(t *testing.T) {
	b := newInbox(t, newFakeAPI(record(1, "a", "b", "c"), record(2, "d")), MessageView)
	require.NoError(t, b.Load(context.Background()))

	require.True(t, b.Apply(ViewerOp{Kind: OpOpen, Index: 1}))
	assert.True(t, b.Snapshot().Viewer.Open)

	require.NoError(t, b.Select(2))
	snap := b.Snapshot()
	assert.False(t, snap.Viewer.Open)
	assert.EqualValues(t, 2, snap.Selected.ID)
	assert.True(t, snap.Items[0].Seen)
	assert.False(t, snap.Items[1].Seen)

	assert.Error(t, b.Select(99))
}

func TestApplyOrdersSequencedEvents(t *testing.T) {
	b := newInbox(t, newFakeAPI(record(1, "a")), MessageView)
	require.NoError(t, b.Load(context.Background()))

	require.True(t, b.Apply(ViewerOp{Seq: 1, Kind: OpOpen}))
	b.Apply(ViewerOp{Seq: 2, Kind: OpDown, Point: media.Point{X: 10, Y: 10}})

	// The click overtakes the release it follows and waits for it.
	assert.False(t, b.Apply(ViewerOp{Seq: 4, Kind: OpClick}))
	assert.True(t, b.Snapshot().Viewer.Open)
	b.Apply(ViewerOp{Seq: 3, Kind: OpUp})
	assert.False(t, b.Snapshot().Viewer.Open, "a click without movement closes the viewer")

	// Replays are dropped.
	assert.False(t, b.Apply(ViewerOp{Seq: 1, Kind: OpOpen}))
	assert.False(t, b.Snapshot().Viewer.Open)
}

func TestApplyMoveBeforeRelease(t *testing.T) {
	b := newInbox(t, newFakeAPI(record(1, "a")), MessageView)
	require.NoError(t, b.Load(context.Background()))

	b.Apply(ViewerOp{Seq: 1, Kind: OpOpen})
	b.Apply(ViewerOp{Seq: 2, Kind: OpDown, Point: media.Point{X: 0, Y: 0}})
	b.Apply(ViewerOp{Seq: 4, Kind: OpUp})
	b.Apply(ViewerOp{Seq: 5, Kind: OpClick})
	b.Apply(ViewerOp{Seq: 3, Kind: OpMove, Point: media.Point{X: 40, Y: 0}})

	state := b.Snapshot().Viewer
	assert.True(t, state.Open, "the click ending a drag keeps the viewer open")
	assert.Equal(t, media.Point{X: 40, Y: 0}, state.Offset)
}

func TestApplySkipsLostEvent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(Config{View: MessageView, API: newFakeAPI(record(1, "a")), Token: "tok", Attempts: 1, Delay: time.Millisecond, Clock: clock.Now})
	t.Cleanup(b.Release)
	require.NoError(t, b.Load(context.Background()))

	b.Apply(ViewerOp{Seq: 1, Kind: OpOpen})
	// Seq 2 never arrives.
	b.Apply(ViewerOp{Seq: 3, Kind: OpWheel, DeltaY: -1})
	assert.Equal(t, 1.0, b.Snapshot().Viewer.Scale)

	clock.Advance(time.Second)
	b.Apply(ViewerOp{Seq: 4, Kind: OpWheel, DeltaY: -1})
	assert.Equal(t, 1.2, b.Snapshot().Viewer.Scale)
}

func TestDeleteMovesSelection(t *testing.T) {
	api := newFakeAPI(record(1), record(2), record(3))
	b := newInbox(t, api, MessageView)
	require.NoError(t, b.Load(context.Background()))
	require.NoError(t, b.Select(2))

	msg, err := b.Delete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", msg)

	snap := b.Snapshot()
	assert.Equal(t, []int64{1, 3}, ids(snap))
	assert.EqualValues(t, 1, snap.Selected.ID)
	assert.Equal(t, "ok", snap.Status)

	_, err = b.Delete(context.Background())
	require.NoError(t, err)
	_, err = b.Delete(context.Background())
	require.NoError(t, err)

	snap = b.Snapshot()
	assert.Empty(t, snap.Items)
	assert.Nil(t, snap.Selected)
	_, err = b.Delete(context.Background())
	assert.ErrorIs(t, err, ErrNoSelection)
	assert.Equal(t, []int64{2, 1, 3}, api.deleted)
}

func TestDeleteFailureKeepsRecord(t *testing.T) {
	api := newFakeAPI(record(1), record(2))
	api.deleteErr = errors.New("nope")
	b := newInbox(t, api, MessageView)
	require.NoError(t, b.Load(context.Background()))

	_, err := b.Delete(context.Background())
	require.Error(t, err)

	snap := b.Snapshot()
	assert.Equal(t, []int64{1, 2}, ids(snap))
	assert.EqualValues(t, 1, snap.Selected.ID)
	assert.Equal(t, msgDeleteFailed, snap.Status)
}

func TestBulkReloads(t *testing.T) {
	api := newFakeAPI()
	api.records[models.StatusPending] = []models.Record{record(4), record(3)}
	b := newInbox(t, api, AuditView)
	require.NoError(t, b.Load(context.Background()))
	assert.Len(t, b.Snapshot().Items, 2)

	msg, err := b.Bulk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "已全部过审", msg)
	assert.Equal(t, 1, api.approved)
	assert.Zero(t, api.archived)

	snap := b.Snapshot()
	assert.Empty(t, snap.Items)
	assert.Equal(t, msg, snap.Status)
}

func TestBulkFailure(t *testing.T) {
	api := newFakeAPI(record(1))
	api.bulkErr = errors.New("nope")
	b := newInbox(t, api, MessageView)
	require.NoError(t, b.Load(context.Background()))

	_, err := b.Bulk(context.Background())
	require.Error(t, err)
	snap := b.Snapshot()
	assert.Len(t, snap.Items, 1)
	assert.Equal(t, msgArchiveFailed, snap.Status)
}

func TestViewerOriginal(t *testing.T) {
	api := newFakeAPI(record(1, "a", "b"))
	b := newInbox(t, api, MessageView)
	require.NoError(t, b.Load(context.Background()))
	b.loader.Wait()

	require.True(t, b.Apply(ViewerOp{Kind: OpOpen, Index: 0}))
	snap := b.Snapshot()
	medium := snap.DisplayURL
	require.NotEmpty(t, medium)
	assert.False(t, snap.Viewer.ShowOriginal)

	require.True(t, b.Apply(ViewerOp{Kind: OpOriginal}))
	b.loader.Wait()
	snap = b.Snapshot()
	assert.True(t, snap.Viewer.ShowOriginal)
	assert.NotEqual(t, medium, snap.DisplayURL)
	assert.False(t, snap.Pending)

	blob, ok := b.Blob(snap.DisplayURL[len("/admin/blob/"):])
	require.True(t, ok)
	assert.Equal(t, "original:orig/a", string(blob.Data))

	// Navigating away shows the medium rendition of the next image.
	b.Apply(ViewerOp{Kind: OpNext})
	b.loader.Wait()
	snap = b.Snapshot()
	assert.Equal(t, 1, snap.Viewer.Index)
	assert.False(t, snap.Viewer.ShowOriginal)
}

func TestViewerOriginalFailure(t *testing.T) {
	api := newFakeAPI(record(1, "a"))
	api.failPaths["orig/a"] = true
	b := newInbox(t, api, MessageView)
	require.NoError(t, b.Load(context.Background()))
	b.loader.Wait()

	b.Apply(ViewerOp{Kind: OpOpen})
	b.Apply(ViewerOp{Kind: OpOriginal})
	b.loader.Wait()

	snap := b.Snapshot()
	assert.True(t, snap.Viewer.OriginalFailed)
	assert.False(t, snap.Pending)
	assert.NotEmpty(t, snap.DisplayURL, "falls back to the medium rendition")

	api.mu.Lock()
	api.failPaths["orig/a"] = false
	api.mu.Unlock()

	require.True(t, b.Apply(ViewerOp{Kind: OpRetry}))
	b.loader.Wait()
	snap = b.Snapshot()
	assert.False(t, snap.Viewer.OriginalFailed)
	blob, ok := b.Blob(snap.DisplayURL[len("/admin/blob/"):])
	require.True(t, ok)
	assert.Equal(t, backend.Original, blob.Ref.Fidelity)
}

func TestReleaseFreesBlobs(t *testing.T) {
	b := newInbox(t, newFakeAPI(record(1, "a")), MessageView)
	require.NoError(t, b.Load(context.Background()))
	b.loader.Wait()

	handle := b.Snapshot().Selected.Thumbs[0].URL[len("/admin/blob/"):]
	_, ok := b.Blob(handle)
	require.True(t, ok)

	b.Release()
	_, ok = b.Blob(handle)
	assert.False(t, ok)
	assert.ErrorIs(t, b.Load(context.Background()), media.ErrReleased)
}
