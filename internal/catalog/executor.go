package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/timmy/stepflow/internal/storage"
	"github.com/timmy/stepflow/internal/worker"
)

// Searcher is the catalog lookup a QueryExecutor pages through.
type Searcher interface {
	Search(ctx context.Context, query string, token []byte, pageSize int) (*SearchResult, error)
}

// granuleRecord is the document written for every catalog hit.
type granuleRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
	Query string `json:"query"`
}

// QueryExecutor runs the query step of a job: it fetches one page of catalog
// results per work item and stores each hit as a granule record.
type QueryExecutor struct {
	searcher Searcher
	store    storage.ObjectStore
}

// NewQueryExecutor creates a new query executor.
func NewQueryExecutor(searcher Searcher, store storage.ObjectStore) *QueryExecutor {
	return &QueryExecutor{searcher: searcher, store: store}
}

// Invoke fetches the page the item points at.
func (e *QueryExecutor) Invoke(ctx context.Context, task *worker.Task) (*worker.Output, error) {
	query := task.Metadata.Query
	if query == "" && len(task.Item.InputRefs) > 0 {
		query = task.Item.InputRefs[0]
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("work item has no catalog query")
	}

	token := task.Item.SearchAfterToken
	if len(token) == 0 {
		token = task.Item.ScrollToken
	}

	pageSize := task.Metadata.PageSize
	if limit := task.Metadata.MaxResults; limit > 0 {
		remaining := limit - task.Item.ProducedBefore
		if remaining <= 0 {
			return &worker.Output{}, nil
		}
		if pageSize <= 0 || remaining < pageSize {
			pageSize = remaining
		}
	}

	page, err := e.searcher.Search(ctx, query, token, pageSize)
	if err != nil {
		return nil, err
	}

	out := &worker.Output{Hits: page.TotalHits, SearchAfterToken: page.NextToken}
	for i, item := range page.Items {
		key := granuleKey(task.Item.JobID, task.Item.ID, i, item.ID)
		size, err := e.write(ctx, key, &granuleRecord{ID: item.ID, Title: item.Title, URL: item.URL, Query: query})
		if err != nil {
			return nil, err
		}
		out.Refs = append(out.Refs, e.store.URL(key))
		out.Sizes = append(out.Sizes, size)
	}
	return out, nil
}

func (e *QueryExecutor) write(ctx context.Context, key string, record *granuleRecord) (int64, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return 0, err
	}
	// a retried item rewrites the same keys
	exists, err := e.store.Exists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to check granule %s: %w", key, err)
	}
	if exists {
		return int64(len(data)), nil
	}
	if err := e.store.Store(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return 0, fmt.Errorf("failed to store granule %s: %w", key, err)
	}
	return int64(len(data)), nil
}

func granuleKey(jobID string, workItemID uint64, index int, granuleID string) string {
	name := fmt.Sprintf("%04d-%s.json", index, sanitize(granuleID))
	return path.Join("jobs", jobID, "granules", strconv.FormatUint(workItemID, 10), name)
}

func sanitize(id string) string {
	if id == "" {
		return "granule"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
