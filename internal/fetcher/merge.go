package fetcher

import (
	"context"
	"sort"

	"txwatch/internal/model"
)

// Merged combines several sources of one network into a single newest-first listing.
// Any source failing fails the whole fetch so a partial listing is never mistaken for
// "no new transfers".
type Merged struct {
	sources    []TransferFetcher
	maxResults int
}

// NewMerged merges sources; maxResults caps the combined listing.
func NewMerged(maxResults int, sources ...TransferFetcher) *Merged {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &Merged{sources: sources, maxResults: maxResults}
}

// FetchRecent queries every source in order and returns at most maxResults transfers,
// newest first.
func (m *Merged) FetchRecent(ctx context.Context, address string) ([]model.Transfer, error) {
	var out []model.Transfer
	for _, src := range m.sources {
		transfers, err := src.FetchRecent(ctx, address)
		if err != nil {
			return nil, err
		}
		out = append(out, transfers...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.After(out[j].ObservedAt)
	})
	if len(out) > m.maxResults {
		out = out[:m.maxResults]
	}
	return out, nil
}

var _ TransferFetcher = (*Merged)(nil)
