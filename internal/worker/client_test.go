package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/stepflow/internal/domain"
)

func TestClient_Claim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/work", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("serviceId") != "subsetter" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"no work available"}`))
			return
		}
		w.Write([]byte(`{"workItem":{"id":9,"jobID":"job-1","status":"running"},"metadata":{"operation":"subset","workflowStepIndex":1}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	claimed, err := c.Claim(context.Background(), "subsetter")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), claimed.WorkItem.ID)
	assert.Equal(t, "subset", claimed.Metadata.Operation)
	assert.Equal(t, 1, claimed.Metadata.StepIndex)

	_, err = c.Claim(context.Background(), "other")
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestClient_Complete(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/work/9", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":9,"status":"successful"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	item, err := c.Complete(context.Background(), 9, &Report{
		Status:      domain.WorkItemStatusSuccessful,
		Results:     []string{"s3://out/a"},
		OutputSizes: []int64{3},
		DurationMs:  12,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusSuccessful, item.Status)
	assert.Equal(t, "successful", got["status"])
	assert.Equal(t, []interface{}{"s3://out/a"}, got["results"])
	assert.Equal(t, float64(12), got["durationMs"])
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid status"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Get(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status")
}
