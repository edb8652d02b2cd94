// Package scheduler periodically reloads every source and reports items
// that were not seen before.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"rss_reader/internal/model"
	"rss_reader/internal/reader"
	"rss_reader/internal/storage"
)

// Loader loads the merged items of a source.
type Loader interface {
	LoadSource(ctx context.Context, src model.FeedSource) (*reader.Feed, error)
}

// Sink receives newly discovered items.
type Sink interface {
	NewItems(src model.FeedSource, items []model.FeedItem)
}

// Scheduler periodically checks every source and reports new items.
type Scheduler struct {
	store   storage.Storage
	loader  Loader
	sink    Sink
	log     *slog.Logger
	tick    time.Duration
	trigger <-chan struct{}

	seen map[string]map[string]struct{}
}

// New creates a Scheduler with a 15-minute check interval.
func New(store storage.Storage, loader Loader, sink Sink, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		loader: loader,
		sink:   sink,
		log:    log,
		tick:   15 * time.Minute,
		seen:   map[string]map[string]struct{}{},
	}
}

// SetTickInterval overrides the default check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	if d > 0 {
		s.tick = d
	}
}

// SetTrigger makes every receive on ch start an immediate check, e.g. after
// a filter or paywall edit.
func (s *Scheduler) SetTrigger(ch <-chan struct{}) {
	s.trigger = ch
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.checkAll(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		case _, ok := <-s.trigger:
			if !ok {
				s.trigger = nil
				continue
			}
			s.log.Debug("settings changed, checking sources")
			s.checkAll(ctx)
		}
	}
}

func (s *Scheduler) checkAll(ctx context.Context) {
	data, err := s.store.LoadFeeds(ctx)
	if err != nil {
		s.log.Error("load feeds", "error", err)
		return
	}

	for _, src := range data.Feeds {
		if ctx.Err() != nil {
			return
		}
		s.processSource(ctx, src)
	}
}

func (s *Scheduler) processSource(ctx context.Context, src model.FeedSource) {
	s.log.Debug("checking source", "source_id", src.ID, "title", src.Title)

	f, err := s.loader.LoadSource(ctx, src)
	if err != nil {
		s.log.Error("load source", "source_id", src.ID, "error", err)
		return
	}

	var fresh []model.FeedItem
	for _, item := range f.Items {
		if s.isSeen(src.ID, item.Link) {
			continue
		}
		s.markSeen(src.ID, item.Link)
		fresh = append(fresh, item)
	}

	if len(fresh) > 0 {
		s.sink.NewItems(src, fresh)
		s.log.Info("new items", "source_id", src.ID, "title", src.Title, "count", len(fresh))
	}
}

func (s *Scheduler) isSeen(sourceID, link string) bool {
	_, ok := s.seen[sourceID][link]
	return ok
}

func (s *Scheduler) markSeen(sourceID, link string) {
	links, ok := s.seen[sourceID]
	if !ok {
		links = map[string]struct{}{}
		s.seen[sourceID] = links
	}
	links[link] = struct{}{}
}
