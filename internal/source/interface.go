package source

import (
	"context"
	"fmt"
	"strconv"
)

// Input is one job input discovered by a source.
type Input struct {
	Ref  string // URL or path handed to the first step
	Size int64  // bytes, 0 when unknown
}

// Source enumerates job inputs page by page.
type Source interface {
	// GetSourceID returns the unique identifier for this source.
	GetSourceID() string

	// FetchBatch fetches a batch of inputs starting from the given cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - cursor: pagination cursor or empty for first page.
	//   - limit: maximum number of inputs to fetch.
	// Returns:
	//   - items: batch of inputs.
	//   - nextCursor: cursor for the next batch or empty if done.
	//   - err: non-nil if fetching fails.
	FetchBatch(ctx context.Context, cursor string, limit int) (items []Input, nextCursor string, err error)
}

// Collect drains src, stopping once maxInputs were read when maxInputs > 0.
func Collect(ctx context.Context, src Source, maxInputs int) ([]Input, error) {
	const pageSize = 500

	var all []Input
	cursor := ""
	for {
		limit := pageSize
		if maxInputs > 0 && maxInputs-len(all) < limit {
			limit = maxInputs - len(all)
		}
		if limit == 0 {
			return all, nil
		}
		items, next, err := src.FetchBatch(ctx, cursor, limit)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src.GetSourceID(), err)
		}
		all = append(all, items...)
		if next == "" || len(items) == 0 {
			return all, nil
		}
		cursor = next
	}
}

// Page slices a fully loaded listing using an index cursor.
func Page(items []Input, cursor string, limit int) ([]Input, string, error) {
	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
	}
	if start >= len(items) {
		return []Input{}, "", nil
	}

	end := start + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}

	next := ""
	if end < len(items) {
		next = strconv.Itoa(end)
	}
	return items[start:end], next, nil
}
