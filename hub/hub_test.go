package hub

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node.town/scribe/db"
)

type memoryLog struct {
	mu        sync.Mutex
	entries   []db.Entry
	cleared   int
	appendErr error
}

func (m *memoryLog) Append(ctx context.Context, e db.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryLog) Entries(ctx context.Context) ([]db.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.Entry(nil), m.entries...), nil
}

func (m *memoryLog) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.cleared++
	return nil
}

func (m *memoryLog) Close() error { return nil }

func newTestHub(buffer int, store db.TranscriptLog) *Hub {
	return New(buffer, store, log.New(io.Discard))
}

func drain(t *testing.T, sub *Subscription) []Segment {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var segs []Segment
	for {
		seg, ok := sub.Next(ctx)
		if !ok {
			require.NoError(t, ctx.Err(), "subscription did not end")
			return segs
		}
		segs = append(segs, seg)
	}
}

func TestSubscribeWhenIdleEndsImmediately(t *testing.T) {
	h := newTestHub(4, nil)

	_, ok := h.Subscribe().Next(context.Background())
	assert.False(t, ok)

	h.Begin("s1")
	h.Finish(context.Background(), nil)

	_, ok = h.Subscribe().Next(context.Background())
	assert.False(t, ok)
}

func TestPublishFansOut(t *testing.T) {
	h := newTestHub(8, nil)
	h.Begin("s1")

	a := h.Subscribe()
	b := h.Subscribe()

	h.Publish(Segment{Text: "hel", Sequence: 1})
	h.Publish(Segment{Text: "hello", IsFinal: true, Sequence: 2})
	h.Finish(context.Background(), []string{"hello"})

	want := []Segment{
		{Text: "hel", Sequence: 1},
		{Text: "hello", IsFinal: true, Sequence: 2},
	}
	assert.Equal(t, want, drain(t, a))
	assert.Equal(t, want, drain(t, b))
}

func TestSlowSubscriberDropsOldestPartial(t *testing.T) {
	h := newTestHub(3, nil)
	h.Begin("s1")
	sub := h.Subscribe()

	h.Publish(Segment{Text: "a", Sequence: 1})
	h.Publish(Segment{Text: "ab", Sequence: 2})
	h.Publish(Segment{Text: "ab c", IsFinal: true, Sequence: 3})
	h.Publish(Segment{Text: "d", Sequence: 4})
	h.Publish(Segment{Text: "de", Sequence: 5})
	h.Finish(context.Background(), []string{"ab c"})

	segs := drain(t, sub)
	var seqs []int64
	for _, s := range segs {
		seqs = append(seqs, s.Sequence)
	}
	assert.Equal(t, []int64{3, 4, 5}, seqs)
	assert.Equal(t, 2, sub.Dropped())
}

func TestFinalsNeverDropped(t *testing.T) {
	h := newTestHub(2, nil)
	h.Begin("s1")
	sub := h.Subscribe()

	var finals []string
	for i := int64(1); i <= 5; i++ {
		text := string(rune('a' + i))
		finals = append(finals, text)
		h.Publish(Segment{Text: text, IsFinal: true, Sequence: i})
	}
	h.Publish(Segment{Text: "partial", Sequence: 6})
	h.Finish(context.Background(), finals)

	segs := drain(t, sub)
	require.Len(t, segs, 5)
	for _, s := range segs {
		assert.True(t, s.IsFinal)
	}
	assert.Equal(t, 1, sub.Dropped())
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := newTestHub(1, nil)
	h.Begin("s1")
	_ = h.Subscribe()
	fast := h.Subscribe()

	got := make(chan Segment, 100)
	go func() {
		for {
			seg, ok := fast.Next(context.Background())
			if !ok {
				close(got)
				return
			}
			got <- seg
		}
	}()

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 50; i++ {
			h.Publish(Segment{Text: "x", Sequence: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	h.Finish(context.Background(), nil)

	last := int64(0)
	for seg := range got {
		assert.Greater(t, seg.Sequence, last)
		last = seg.Sequence
	}
	assert.Equal(t, int64(50), last)
}

func TestTranscriptFollowsFinals(t *testing.T) {
	h := newTestHub(4, nil)
	h.Begin("s1")

	h.Publish(Segment{Text: "one", Sequence: 1})
	h.Publish(Segment{Text: "one two", IsFinal: true, Sequence: 2})
	h.Publish(Segment{Text: "three", IsFinal: true, Sequence: 3})
	assert.Equal(t, "one two three", h.Transcript())
	assert.True(t, h.Live())

	h.Finish(context.Background(), []string{"one two", "three"})
	assert.Equal(t, "one two three", h.Transcript())
	assert.False(t, h.Live())

	h.Begin("s2")
	assert.Empty(t, h.Transcript(), "a new session starts with an empty transcript")
}

func TestPublishAfterFinishIgnored(t *testing.T) {
	h := newTestHub(4, nil)
	h.Begin("s1")
	h.Finish(context.Background(), []string{"done"})

	h.Publish(Segment{Text: "late", IsFinal: true, Sequence: 9})
	assert.Equal(t, "done", h.Transcript())
}

func TestClear(t *testing.T) {
	store := &memoryLog{}
	h := newTestHub(4, store)
	ctx := context.Background()

	h.Begin("s1")
	assert.ErrorIs(t, h.Clear(ctx), ErrSessionLive)

	h.Finish(ctx, []string{"keep me"})
	assert.Equal(t, "keep me", h.Transcript())

	require.NoError(t, h.Clear(ctx))
	assert.Empty(t, h.Transcript())
	assert.Equal(t, 1, store.cleared)

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFinishPersistsTranscript(t *testing.T) {
	store := &memoryLog{}
	h := newTestHub(4, store)
	ctx := context.Background()

	h.Begin("s1")
	h.Finish(ctx, []string{" hello ", "world"})

	h.Begin("s2")
	h.Finish(ctx, nil)

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1, "empty transcripts are not saved")
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, "hello world", entries[0].Text)
	assert.False(t, entries[0].StartedAt.After(entries[0].EndedAt))
}

func TestFinishSurvivesStoreFailure(t *testing.T) {
	store := &memoryLog{appendErr: errors.New("disk full")}
	h := newTestHub(4, store)

	h.Begin("s1")
	sub := h.Subscribe()
	h.Finish(context.Background(), []string{"text"})

	assert.Empty(t, drain(t, sub))
	assert.Equal(t, "text", h.Transcript())
}

func TestSubscriptionClose(t *testing.T) {
	h := newTestHub(4, nil)
	h.Begin("s1")

	sub := h.Subscribe()
	sub.Close()
	sub.Close()

	h.Publish(Segment{Text: "after", Sequence: 1})
	_, ok := sub.Next(context.Background())
	assert.False(t, ok)

	h.mu.Lock()
	assert.Empty(t, h.subs)
	h.mu.Unlock()
}

func TestNextHonorsContext(t *testing.T) {
	h := newTestHub(4, nil)
	h.Begin("s1")
	sub := h.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	assert.False(t, ok)
	assert.NotEmpty(t, sub.ID)
}
