package feed

import (
	"slices"

	"github.com/samber/lo"

	"rss_reader/internal/model"
)

// AllCategoryID identifies the group holding every item.
const AllCategoryID = "all"

// Merge concatenates item lists and drops items whose link was already seen.
// The first occurrence of a link wins. Items without a link are all kept.
func Merge(lists ...[]model.FeedItem) []model.FeedItem {
	seen := map[string]struct{}{}
	return lo.Filter(lo.Flatten(lists), func(item model.FeedItem, _ int) bool {
		if item.Link == "" {
			return true
		}
		if _, ok := seen[item.Link]; ok {
			return false
		}
		seen[item.Link] = struct{}{}
		return true
	})
}

// SortByDate orders items newest first. Items without a date go last and
// keep their relative order.
func SortByDate(items []model.FeedItem) {
	slices.SortStableFunc(items, func(a, b model.FeedItem) int {
		switch {
		case a.PublishedAt == nil && b.PublishedAt == nil:
			return 0
		case a.PublishedAt == nil:
			return 1
		case b.PublishedAt == nil:
			return -1
		default:
			return b.PublishedAt.Compare(*a.PublishedAt)
		}
	})
}

// Group buckets items by category label. The "All" group comes first,
// followed by labels in first-seen order.
func Group(items []model.FeedItem) ([]model.CategoryCount, map[string][]model.FeedItem) {
	grouped := map[string][]model.FeedItem{AllCategoryID: items}
	counts := []model.CategoryCount{{ID: AllCategoryID, Name: "All", Count: len(items)}}
	index := map[string]int{}

	for _, item := range items {
		for _, label := range item.Categories {
			id := model.CategorySlug(label)
			if id == AllCategoryID {
				continue
			}
			i, ok := index[id]
			if !ok {
				i = len(counts)
				index[id] = i
				counts = append(counts, model.CategoryCount{ID: id, Name: label})
			}
			counts[i].Count++
			grouped[id] = append(grouped[id], item)
		}
	}
	return counts, grouped
}
