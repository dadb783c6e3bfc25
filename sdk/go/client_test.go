package storylinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSendsBodyAndKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generation/generate", r.URL.Path)
		assert.Equal(t, "k-1", r.Header.Get("X-Api-Key"))
		var in GenerateInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "epic", in.TaskType)
		require.NotNil(t, in.Parent)
		assert.Equal(t, int64(3), *in.Parent)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"request_id":"req-1","response":{"status":"queued"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k-1"
	parent := int64(3)
	id, err := c.Generate(context.Background(), GenerateInput{Parent: &parent, TaskType: "epic", PromptData: PromptData{System: "s"}})
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Status(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestWaitPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "pending"
		if calls.Add(1) >= 3 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(Status{RequestID: "r", Status: status})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := New(srv.URL).Wait(ctx, "r", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "completed", s.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Wait(context.Background(), "r", time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLineageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/artifacts/feature", r.URL.Path)
		assert.Equal(t, "12", r.URL.Query().Get("parent"))
		assert.Equal(t, "true", r.URL.Query().Get("active_only"))
		w.Write([]byte(`{"items":[{"id":1,"kind":"feature","parent":12,"version":2,"is_active":true,"title":"Cart"}]}`))
	}))
	defer srv.Close()

	items, err := New(srv.URL).Lineage(context.Background(), "feature", 12, true)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Version)
}
