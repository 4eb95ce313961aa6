package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

type cannedClient struct {
	out string
	err error
}

func (c *cannedClient) ChatJSON(domain.Context, string, string, int) (string, error) {
	return c.out, c.err
}

func TestAnalyzer_AnalyzeFile(t *testing.T) {
	a := NewAnalyzer(&cannedClient{out: `{"pois":[
		{"name":"LoadConfig","type":"function","start_line":10,"end_line":42,"is_exported":true}
	]}`}, 0)

	finding, err := a.AnalyzeFile(t.Context(), "run-1", "internal/config/config.go", "package config")
	require.NoError(t, err)
	assert.Equal(t, "run-1", finding.RunID)
	require.Len(t, finding.POIs, 1)
	assert.Equal(t, "LoadConfig", finding.POIs[0].Name)
	assert.Equal(t, domain.POIFunction, finding.POIs[0].Type)
	assert.True(t, finding.POIs[0].IsExported)
}

func TestAnalyzer_AnalyzeFileStripsMarkdownFences(t *testing.T) {
	a := NewAnalyzer(&cannedClient{out: "```json\n{\"pois\":[{\"name\":\"A\",\"type\":\"class\"}]}\n```"}, 0)
	finding, err := a.AnalyzeFile(t.Context(), "run-1", "a.go", "x")
	require.NoError(t, err)
	require.Len(t, finding.POIs, 1)
	assert.Equal(t, domain.POIClass, finding.POIs[0].Type)
}

func TestAnalyzer_AnalyzeFileRejectsBadJSON(t *testing.T) {
	a := NewAnalyzer(&cannedClient{out: "I think the file contains a function."}, 0)
	_, err := a.AnalyzeFile(t.Context(), "run-1", "a.go", "x")
	require.ErrorIs(t, err, domain.ErrSchemaInvariant)
}

func TestAnalyzer_AnalyzeFileRejectsInvalidPOI(t *testing.T) {
	a := NewAnalyzer(&cannedClient{out: `{"pois":[{"name":"","type":"function"}]}`}, 0)
	_, err := a.AnalyzeFile(t.Context(), "run-1", "a.go", "x")
	require.ErrorIs(t, err, domain.ErrSchemaInvariant)
}

func TestAnalyzer_AnalyzeRelationships(t *testing.T) {
	a := NewAnalyzer(&cannedClient{out: `{"relationships":[
		{"from":"A","to":"B","type":"CALLS","confidence":0.85}
	]}`}, 0)

	finding, err := a.AnalyzeRelationships(t.Context(), domain.RelationshipAnalysisJob{
		RunID:       "run-1",
		FilePath:    "a.go",
		POI:         domain.RawPOI{Name: "A", Type: domain.POIFunction},
		ContextPOIs: []domain.RawPOI{{Name: "B", Type: domain.POIFunction}},
	})
	require.NoError(t, err)
	require.Len(t, finding.Relationships, 1)
	assert.Equal(t, "a.go", finding.Relationships[0].FilePath, "file path defaulted from the job")
	assert.InDelta(t, 0.85, finding.Relationships[0].Confidence, 1e-9)
}

func TestAnalyzer_AnalyzeRelationshipsRejectsOutOfRangeConfidence(t *testing.T) {
	a := NewAnalyzer(&cannedClient{out: `{"relationships":[{"from":"A","to":"B","type":"CALLS","confidence":2}]}`}, 0)
	_, err := a.AnalyzeRelationships(t.Context(), domain.RelationshipAnalysisJob{RunID: "run-1", FilePath: "a.go"})
	require.ErrorIs(t, err, domain.ErrSchemaInvariant)
}

func TestStub_Deterministic(t *testing.T) {
	s := NewStub()
	a, err := s.ChatJSON(t.Context(), fileSystemPrompt, "File: a.go\n\npackage a", 128)
	require.NoError(t, err)
	b, err := s.ChatJSON(t.Context(), fileSystemPrompt, "File: a.go\n\npackage a", 128)
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical prompts yield identical output")

	var parsed struct {
		POIs []domain.RawPOI `json:"pois"`
	}
	require.NoError(t, domain.DecodeStrict([]byte(a), &parsed))
	assert.NotEmpty(t, parsed.POIs)
}
