package graph

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// txRecorder captures the Cypher transaction requests the client sends and
// answers with a canned response.
type txRecorder struct {
	t        *testing.T
	status   int
	body     string
	requests []txRequest
}

func (rec *txRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(rec.t, "/db/neo4j/tx/commit", r.URL.Path)
		assert.Equal(rec.t, "application/json", r.Header.Get("Content-Type"))

		var req txRequest
		require.NoError(rec.t, json.NewDecoder(r.Body).Decode(&req))
		rec.requests = append(rec.requests, req)

		w.WriteHeader(rec.status)
		_, _ = w.Write([]byte(rec.body))
	}
}

func newTestStore(t *testing.T, rec *txRecorder) *Client {
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)
	return New(srv.URL, "graph-key", 2*time.Second)
}

func TestClient_EnsureConstraints(t *testing.T) {
	rec := &txRecorder{t: t, status: http.StatusOK, body: `{"errors":[]}`}
	c := newTestStore(t, rec)

	require.NoError(t, c.EnsureConstraints(t.Context()))
	require.Len(t, rec.requests, 1)
	require.Len(t, rec.requests[0].Statements, 1)
	assert.Contains(t, rec.requests[0].Statements[0].Statement, "CREATE CONSTRAINT poi_key IF NOT EXISTS")
}

func TestClient_UpsertNodes(t *testing.T) {
	rec := &txRecorder{t: t, status: http.StatusOK, body: `{"errors":[]}`}
	c := newTestStore(t, rec)

	err := c.UpsertNodes(t.Context(), []domain.POI{
		{ID: 1, RunID: "run-1", SemanticID: "a.go::Alpha", Name: "Alpha", Type: domain.POIFunction, FilePath: "a.go"},
		{ID: 2, RunID: "run-1", SemanticID: "a.go::Beta", Name: "Beta", Type: domain.POIClass, FilePath: "a.go"},
	})
	require.NoError(t, err)

	require.Len(t, rec.requests, 1)
	stmt := rec.requests[0].Statements[0]
	assert.Contains(t, stmt.Statement, "MERGE (p:POI {run_id: row.run_id, semantic_id: row.semantic_id})")
	rows, ok := stmt.Parameters["rows"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 2)
	first, ok := rows[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a.go::Alpha", first["semantic_id"])
	assert.Equal(t, "function", first["type"])
}

func TestClient_UpsertNodesEmptyIsNoop(t *testing.T) {
	rec := &txRecorder{t: t, status: http.StatusOK, body: `{"errors":[]}`}
	c := newTestStore(t, rec)

	require.NoError(t, c.UpsertNodes(t.Context(), nil))
	assert.Empty(t, rec.requests, "no request for an empty batch")
}

func TestClient_UpsertEdges(t *testing.T) {
	rec := &txRecorder{t: t, status: http.StatusOK, body: `{"errors":[]}`}
	c := newTestStore(t, rec)

	err := c.UpsertEdges(t.Context(), []domain.Relationship{
		{RunID: "run-1", SourcePOIID: 1, TargetPOIID: 2, Type: "CALLS", Confidence: 0.9},
	})
	require.NoError(t, err)

	require.Len(t, rec.requests, 1)
	stmt := rec.requests[0].Statements[0]
	assert.Contains(t, stmt.Statement, "MERGE (s)-[e:RELATES {run_id: row.run_id, type: row.type}]->(t)")
	rows := stmt.Parameters["rows"].([]any)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "CALLS", row["type"])
	assert.InDelta(t, 0.9, row["confidence"], 1e-9)
}

func TestClient_ServiceUnavailableIsTransient(t *testing.T) {
	rec := &txRecorder{t: t, status: http.StatusServiceUnavailable, body: ""}
	c := newTestStore(t, rec)

	err := c.Ping(t.Context())
	require.ErrorIs(t, err, domain.ErrTransientIO)
}

func TestClient_NonSuccessStatusIsInternal(t *testing.T) {
	rec := &txRecorder{t: t, status: http.StatusBadRequest, body: "bad cypher"}
	c := newTestStore(t, rec)

	err := c.Ping(t.Context())
	require.ErrorIs(t, err, domain.ErrInternal)
	assert.Contains(t, err.Error(), "status 400")
}

func TestClient_ResponseErrorsAreInternal(t *testing.T) {
	rec := &txRecorder{t: t, status: http.StatusOK,
		body: `{"errors":[{"code":"Neo.ClientError.Statement.SyntaxError","message":"Invalid input"}]}`}
	c := newTestStore(t, rec)

	err := c.Ping(t.Context())
	require.ErrorIs(t, err, domain.ErrInternal)
	assert.Contains(t, err.Error(), "SyntaxError")
}

func TestClient_ConnectionRefusedIsTransient(t *testing.T) {
	c := New("http://127.0.0.1:1", "", time.Second)
	require.ErrorIs(t, c.Ping(t.Context()), domain.ErrTransientIO)
}

func TestClient_TimeoutMapsToTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and
		// notices the client disconnect; otherwise Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Ping(ctx), domain.ErrTimeout)
}
