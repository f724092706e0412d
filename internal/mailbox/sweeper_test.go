package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dom-kom12/backende/internal/store"
)

// blockingStore holds RemoveMessages until release is closed.
type blockingStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) RemoveMessages(ctx context.Context, filter store.MessageFilter) ([]store.Message, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Store.RemoveMessages(ctx, filter)
}

func TestSweeperSkipsOverlap(t *testing.T) {
	f := newFixture(t)
	m, err := f.engine.Send(ctxbg, "a@example.com", "b@example.com", "s", "b")
	require.NoError(t, err)
	require.NoError(t, f.engine.MoveMessage(ctxbg, m.ID, store.FolderTrash))

	bs := &blockingStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	engine := New(bs, f.journal, nil, WithClock(f.clock.Now))
	sweeper := NewSweeper(engine, 0, time.Hour, nil)

	type result struct {
		purged int
		ran    bool
		err    error
	}
	first := make(chan result, 1)
	go func() {
		purged, ran, err := sweeper.Sweep(ctxbg)
		first <- result{purged, ran, err}
	}()
	<-bs.entered

	purged, ran, err := sweeper.Sweep(ctxbg)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 0, purged)

	close(bs.release)
	r := <-first
	require.NoError(t, r.err)
	assert.True(t, r.ran)
	assert.Equal(t, 1, r.purged)

	purged, ran, err = sweeper.Sweep(ctxbg)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 0, purged)
}

func TestSweeperRun(t *testing.T) {
	f := newFixture(t)
	m, err := f.engine.Send(ctxbg, "a@example.com", "b@example.com", "s", "b")
	require.NoError(t, err)
	require.NoError(t, f.engine.MoveMessage(ctxbg, m.ID, store.FolderTrash))

	ctx, cancel := context.WithCancel(ctxbg)
	done := make(chan struct{})
	go func() {
		NewSweeper(f.engine, 0, time.Hour, nil).Run(ctx)
		close(done)
	}()

	// The first sweep starts immediately.
	assert.Eventually(t, func() bool {
		l, err := f.store.ListMessages(ctxbg, store.MessageFilter{})
		return err == nil && len(l) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
