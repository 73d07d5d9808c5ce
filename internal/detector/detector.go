// Package detector decides which feed entries are new for a subscriber.
package detector

import "rss_notify/internal/model"

// DetectNew compares freshly fetched entries (newest first) against a stored
// watermark. It returns the new entries oldest first, in delivery order, and
// the watermark to store once they have been handled.
//
// A zero watermark is seeded from the newest entry and nothing is reported, so
// a fresh subscription never receives the feed's backlog. When the watermark's
// link is no longer present in the feed every entry is reported as new.
func DetectNew(entries []model.Entry, wm model.Watermark) ([]model.Entry, model.Watermark) {
	if len(entries) == 0 {
		return nil, wm
	}
	updated := model.WatermarkOf(entries[0])
	if wm.IsZero() {
		return nil, updated
	}

	var fresh []model.Entry
	for _, e := range entries {
		if e.Link == wm.LastLink {
			break
		}
		fresh = append(fresh, e)
	}

	// Reverse into oldest-first order.
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	return fresh, updated
}

// Seed returns the watermark for a subscription created while the feed
// contains entries. An empty feed yields the zero watermark.
func Seed(entries []model.Entry) model.Watermark {
	if len(entries) == 0 {
		return model.Watermark{}
	}
	return model.WatermarkOf(entries[0])
}
