package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rss_reader/internal/model"
	"rss_reader/internal/reader"
	"rss_reader/internal/storage"
)

type batch struct {
	SourceID string
	Links    []string
}

type mockSink struct {
	mu      sync.Mutex
	batches []batch
}

func (m *mockSink) NewItems(src model.FeedSource, items []model.FeedItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := batch{SourceID: src.ID}
	for _, item := range items {
		b.Links = append(b.Links, item.Link)
	}
	m.batches = append(m.batches, b)
}

func (m *mockSink) getBatches() []batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]batch, len(m.batches))
	copy(cp, m.batches)
	return cp
}

// mockLoader returns the configured links per source, or an error when
// the source has none.
type mockLoader struct {
	mu    sync.Mutex
	links map[string][]string
	calls int
}

func (m *mockLoader) LoadSource(_ context.Context, src model.FeedSource) (*reader.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	links, ok := m.links[src.ID]
	if !ok {
		return nil, errors.New("all feeds failed")
	}
	f := &reader.Feed{Source: src}
	for _, l := range links {
		f.Items = append(f.Items, model.FeedItem{Link: l})
	}
	return f, nil
}

func (m *mockLoader) setLinks(id string, links ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[id] = links
}

func (m *mockLoader) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addSource(t *testing.T, store *storage.SQLite, title string) model.FeedSource {
	t.Helper()
	src, err := store.AddSource(context.Background(), title, []string{"https://example.com/" + title}, "")
	if err != nil {
		t.Fatalf("add source: %v", err)
	}
	return src
}

func TestSchedulerReportsNewItems(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := addSource(t, store, "a")
	b := addSource(t, store, "b")

	loader := &mockLoader{links: map[string][]string{}}
	loader.setLinks(a.ID, "https://a/1", "https://a/2")
	loader.setLinks(b.ID, "https://b/1")
	sink := &mockSink{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sched := New(store, loader, sink, log)
	sched.checkAll(ctx)

	want := []batch{
		{SourceID: a.ID, Links: []string{"https://a/1", "https://a/2"}},
		{SourceID: b.ID, Links: []string{"https://b/1"}},
	}
	if diff := cmp.Diff(want, sink.getBatches()); diff != "" {
		t.Errorf("batches mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerSkipsSeenItems(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := addSource(t, store, "a")

	loader := &mockLoader{links: map[string][]string{}}
	loader.setLinks(a.ID, "https://a/1")
	sink := &mockSink{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sched := New(store, loader, sink, log)
	sched.checkAll(ctx)
	sched.checkAll(ctx)

	loader.setLinks(a.ID, "https://a/2", "https://a/1")
	sched.checkAll(ctx)

	want := []batch{
		{SourceID: a.ID, Links: []string{"https://a/1"}},
		{SourceID: a.ID, Links: []string{"https://a/2"}},
	}
	if diff := cmp.Diff(want, sink.getBatches()); diff != "" {
		t.Errorf("batches mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerLoadError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	bad := addSource(t, store, "bad")
	good := addSource(t, store, "good")

	loader := &mockLoader{links: map[string][]string{}}
	loader.setLinks(good.ID, "https://good/1")
	sink := &mockSink{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sched := New(store, loader, sink, log)
	sched.checkAll(ctx)

	want := []batch{{SourceID: good.ID, Links: []string{"https://good/1"}}}
	if diff := cmp.Diff(want, sink.getBatches()); diff != "" {
		t.Errorf("failing source %s should not stop the others (-want +got):\n%s", bad.ID, diff)
	}
}

func TestSchedulerCancelledContext(t *testing.T) {
	store := newTestStore(t)
	a := addSource(t, store, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loader := &mockLoader{links: map[string][]string{}}
	loader.setLinks(a.ID, "https://a/1")
	sink := &mockSink{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sched := New(store, loader, sink, log)
	sched.checkAll(ctx)

	if diff := cmp.Diff(0, len(sink.getBatches())); diff != "" {
		t.Errorf("expected no batches when context cancelled (-want +got):\n%s", diff)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sched := New(store, &mockLoader{links: map[string][]string{}}, &mockSink{}, log)
	sched.SetTickInterval(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestSchedulerTrigger(t *testing.T) {
	store := newTestStore(t)
	a := addSource(t, store, "a")

	loader := &mockLoader{links: map[string][]string{}}
	loader.setLinks(a.ID, "https://a/1")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sched := New(store, loader, &mockSink{}, log)
	sched.SetTickInterval(time.Hour)
	trigger := make(chan struct{})
	sched.SetTrigger(trigger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	trigger <- struct{}{}
	trigger <- struct{}{}
	cancel()
	<-done

	if got := loader.getCalls(); got < 2 {
		t.Errorf("expected a check per trigger, got %d calls", got)
	}
}
