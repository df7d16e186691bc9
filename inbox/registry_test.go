package inbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harei/media"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistryMount(t *testing.T) {
	reg := NewRegistry(RegistryConfig{API: newFakeAPI(record(1, "a")), Attempts: 1, Delay: time.Millisecond})

	first := reg.Mount("c1", MessageView, "tok")
	require.NoError(t, first.Load(context.Background()))
	first.loader.Wait()
	handle := first.Snapshot().Selected.Thumbs[0].URL[len("/admin/blob/"):]
	assert.Equal(t, first.ID(), first.Snapshot().Mount)

	blob, ok := reg.Blob("c1", handle)
	require.True(t, ok)
	assert.NotEmpty(t, blob.Data)
	_, ok = reg.Blob("c2", handle)
	assert.False(t, ok, "handles are scoped to their client")

	got, ok := reg.Get("c1", MessageView, first.ID(), "tok")
	require.True(t, ok)
	assert.Same(t, first, got)
	_, ok = reg.Get("c1", MessageView, first.ID(), "other-token")
	assert.False(t, ok)
	_, ok = reg.Get("c2", MessageView, first.ID(), "tok")
	assert.False(t, ok)
	_, ok = reg.Get("c1", AuditView, first.ID(), "tok")
	assert.False(t, ok)

	reg.Mount("c1", AuditView, "tok")
	assert.Equal(t, 2, reg.Len())
	reg.Unmount("c2", first.ID())
	assert.Equal(t, 2, reg.Len(), "only the owner unmounts")
	reg.UnmountClient("c1")
	assert.Zero(t, reg.Len())
	_, ok = first.Blob(handle)
	assert.False(t, ok)
}

func TestRegistryPagesAreIndependent(t *testing.T) {
	reg := NewRegistry(RegistryConfig{API: newFakeAPI(record(1, "a"), record(2, "b")), Attempts: 1, Delay: time.Millisecond})

	tab1 := reg.Mount("c1", MessageView, "tok")
	require.NoError(t, tab1.Load(context.Background()))
	tab1.loader.Wait()
	require.True(t, tab1.Apply(ViewerOp{Kind: OpOpen}))
	handle := tab1.Snapshot().Selected.Thumbs[0].URL[len("/admin/blob/"):]

	tab2 := reg.Mount("c1", MessageView, "tok")
	assert.NotEqual(t, tab1.ID(), tab2.ID())
	require.NoError(t, tab2.Load(context.Background()))
	require.NoError(t, tab2.Select(2))

	_, ok := reg.Blob("c1", handle)
	assert.True(t, ok, "a second page leaves the first page's images alone")
	snap := tab1.Snapshot()
	assert.EqualValues(t, 1, snap.Selected.ID)
	assert.True(t, snap.Viewer.Open)
	assert.False(t, snap.Items[0].Seen)

	reg.Unmount("c1", tab2.ID())
	_, ok = reg.Get("c1", MessageView, tab1.ID(), "tok")
	assert.True(t, ok)
	_, ok = reg.Get("c1", MessageView, tab2.ID(), "tok")
	assert.False(t, ok)
}

func TestRegistryCapsPagesPerClient(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg := NewRegistry(RegistryConfig{API: newFakeAPI(), Attempts: 1, Delay: time.Millisecond, Clock: clock.Now})

	oldest := reg.Mount("c1", MessageView, "tok")
	for range maxMountsPerClient {
		clock.Advance(time.Second)
		reg.Mount("c1", MessageView, "tok")
	}
	reg.Mount("c2", MessageView, "tok")

	assert.Equal(t, maxMountsPerClient+1, reg.Len())
	_, ok := reg.Get("c1", MessageView, oldest.ID(), "tok")
	assert.False(t, ok)
	assert.ErrorIs(t, oldest.Load(context.Background()), media.ErrReleased)
}

func TestRegistryEvictsIdle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg := NewRegistry(RegistryConfig{API: newFakeAPI(), Attempts: 1, Delay: time.Millisecond, IdleTTL: time.Minute, Clock: clock.Now})

	idle := reg.Mount("idle", MessageView, "tok")
	clock.Advance(50 * time.Second)
	busy := reg.Mount("busy", MessageView, "tok")
	clock.Advance(20 * time.Second)

	assert.Equal(t, 1, reg.evict(clock.Now().Add(-time.Minute), false))
	_, ok := reg.Get("idle", MessageView, idle.ID(), "tok")
	assert.False(t, ok)
	_, ok = reg.Get("busy", MessageView, busy.ID(), "tok")
	assert.True(t, ok)
	assert.ErrorIs(t, idle.Load(context.Background()), media.ErrReleased)
}
