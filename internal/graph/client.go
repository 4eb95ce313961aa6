// Package graph projects validated relationships into the property-graph
// store over its HTTP transaction API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// Client is a minimal graph-store HTTP client speaking the Cypher
// transaction endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs a graph client with baseURL and optional apiKey.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type cypherStatement struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type txRequest struct {
	Statements []cypherStatement `json:"statements"`
}

type txResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// run executes one implicit-commit transaction of statements.
func (c *Client) run(ctx context.Context, stmts []cypherStatement) error {
	b, err := json.Marshal(txRequest{Statements: stmts})
	if err != nil {
		return fmt.Errorf("op=graph.run: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/db/neo4j/tx/commit", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=graph.run: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("op=graph.run: %w: %v", domain.ErrTimeout, err)
		}
		return fmt.Errorf("op=graph.run: %w: %v", domain.ErrTransientIO, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("op=graph.run: %w: service unavailable", domain.ErrTransientIO)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("op=graph.run: %w: status %d: %s", domain.ErrInternal, resp.StatusCode, snippet)
	}

	var parsed txResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("op=graph.run: decode: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return fmt.Errorf("op=graph.run: %w: %s: %s", domain.ErrInternal, parsed.Errors[0].Code, parsed.Errors[0].Message)
	}
	return nil
}

// EnsureConstraints creates the POI key uniqueness constraint.
func (c *Client) EnsureConstraints(ctx domain.Context) error {
	return c.run(ctx, []cypherStatement{{
		Statement: `CREATE CONSTRAINT poi_key IF NOT EXISTS FOR (p:POI) REQUIRE (p.run_id, p.semantic_id) IS UNIQUE`,
	}})
}

// UpsertNodes merges one node per POI, keyed by (run_id, semantic_id).
func (c *Client) UpsertNodes(ctx domain.Context, pois []domain.POI) error {
	if len(pois) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(pois))
	for _, p := range pois {
		rows = append(rows, map[string]any{
			"run_id":      p.RunID,
			"semantic_id": p.SemanticID,
			"name":        p.Name,
			"type":        string(p.Type),
			"file_path":   p.FilePath,
			"poi_id":      p.ID,
		})
	}
	return c.run(ctx, []cypherStatement{{
		Statement: `UNWIND $rows AS row
		            MERGE (p:POI {run_id: row.run_id, semantic_id: row.semantic_id})
		            SET p.name = row.name, p.type = row.type, p.file_path = row.file_path, p.poi_id = row.poi_id`,
		Parameters: map[string]any{"rows": rows},
	}})
}

// UpsertEdges merges one edge per relationship with {type, confidence,
// run_id} properties. Callers pass only VALIDATED relationships.
func (c *Client) UpsertEdges(ctx domain.Context, rels []domain.Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(rels))
	for _, r := range rels {
		rows = append(rows, map[string]any{
			"run_id":     r.RunID,
			"source_id":  r.SourcePOIID,
			"target_id":  r.TargetPOIID,
			"type":       r.Type,
			"confidence": r.Confidence,
		})
	}
	return c.run(ctx, []cypherStatement{{
		Statement: `UNWIND $rows AS row
		            MATCH (s:POI {run_id: row.run_id, poi_id: row.source_id})
		            MATCH (t:POI {run_id: row.run_id, poi_id: row.target_id})
		            MERGE (s)-[e:RELATES {run_id: row.run_id, type: row.type}]->(t)
		            SET e.confidence = row.confidence`,
		Parameters: map[string]any{"rows": rows},
	}})
}

// Ping checks graph-store liveness.
func (c *Client) Ping(ctx domain.Context) error {
	return c.run(ctx, []cypherStatement{{Statement: `RETURN 1`}})
}
