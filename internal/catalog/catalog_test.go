package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/stepflow/internal/config"
	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/service"
	"github.com/timmy/stepflow/internal/storage"
	"github.com/timmy/stepflow/internal/worker"
)

const feedBody = `{"feed":{"entry":[
{"id":"G1-PROV","title":"granule one","links":[{"rel":"http://esipfed.org/ns/fedsearch/1.1/metadata#","href":"https://x/meta"},{"rel":"http://esipfed.org/ns/fedsearch/1.1/data#","href":"https://x/g1.nc"}]},
{"id":"G2-PROV","title":"granule two","links":[]}
]}}`

func newCatalogServer(t *testing.T, seen *http.Header, query *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, granulesPath, r.URL.Path)
		if seen != nil {
			*seen = r.Header.Clone()
		}
		if query != nil {
			*query = r.URL.RawQuery
		}
		if r.URL.Query().Get("collection_concept_id") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errors":["collection_concept_id is required"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerHits, "5")
		w.Header().Set(headerSearchAfter, `["abc",17]`)
		w.Write([]byte(feedBody))
	}))
}

func newTestClient(url string) *Client {
	return NewClient(&config.CatalogConfig{BaseURL: url, PageSize: 10, Timeout: 5 * time.Second})
}

func TestClient_Search(t *testing.T) {
	var headers http.Header
	var rawQuery string
	srv := newCatalogServer(t, &headers, &rawQuery)
	defer srv.Close()

	res, err := newTestClient(srv.URL).Search(context.Background(), "collection_concept_id=C1-PROV", []byte(`["prev",3]`), 2)
	require.NoError(t, err)

	assert.Equal(t, 5, res.TotalHits)
	assert.Equal(t, []byte(`["abc",17]`), res.NextToken)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "https://x/g1.nc", res.Items[0].URL)
	assert.Empty(t, res.Items[1].URL)
	assert.Equal(t, `["prev",3]`, headers.Get(headerSearchAfter))
	assert.Contains(t, rawQuery, "page_size=2")
}

func TestClient_SearchError(t *testing.T) {
	srv := newCatalogServer(t, nil, nil)
	defer srv.Close()

	_, err := newTestClient(srv.URL).Search(context.Background(), "short_name=x", nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collection_concept_id is required")
}

type fakeSearcher struct {
	gotQuery    string
	gotToken    []byte
	gotPageSize int
	result      *SearchResult
}

func (f *fakeSearcher) Search(ctx context.Context, query string, token []byte, pageSize int) (*SearchResult, error) {
	f.gotQuery, f.gotToken, f.gotPageSize = query, token, pageSize
	return f.result, nil
}

func TestQueryExecutor_WritesGranules(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	searcher := &fakeSearcher{result: &SearchResult{
		Items:     []Item{{ID: "G1", Title: "one", URL: "https://x/g1.nc"}, {ID: "G/2", Title: "two"}},
		TotalHits: 9,
		NextToken: []byte("next"),
	}}
	exec := NewQueryExecutor(searcher, store)

	task := &worker.Task{
		Item: &domain.WorkItem{
			ID:               4,
			JobID:            "job-1",
			InputRefs:        domain.StringArray{"collection_concept_id=C1-PROV"},
			SearchAfterToken: []byte("tok"),
			ProducedBefore:   6,
		},
		Metadata: service.WorkMetadata{PageSize: 3, MaxResults: 8},
	}
	out, err := exec.Invoke(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, "collection_concept_id=C1-PROV", searcher.gotQuery)
	assert.Equal(t, []byte("tok"), searcher.gotToken)
	assert.Equal(t, 2, searcher.gotPageSize, "page size is capped by the remaining results")

	assert.Equal(t, 9, out.Hits)
	assert.Equal(t, []byte("next"), out.SearchAfterToken)
	require.Len(t, out.Refs, 2)
	assert.Equal(t, store.URL("jobs/job-1/granules/4/0001-G_2.json"), out.Refs[1])

	ok, err := store.Exists(context.Background(), "jobs/job-1/granules/4/0000-G1.json")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, out.Sizes[0], int64(0))

	// rerunning the same item is idempotent
	again, err := exec.Invoke(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, out.Refs, again.Refs)
	assert.Equal(t, out.Sizes, again.Sizes)
}

func TestQueryExecutor_MissingQuery(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	exec := NewQueryExecutor(&fakeSearcher{}, store)
	_, err = exec.Invoke(context.Background(), &worker.Task{Item: &domain.WorkItem{ID: 1, JobID: "j"}})
	assert.Error(t, err)
}
