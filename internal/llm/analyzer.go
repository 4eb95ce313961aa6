package llm

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// Analyzer implements domain.Analyzer on top of an LLMClient. Responses must
// be strict JSON; anything else is a schema invariant violation.
type Analyzer struct {
	client    domain.LLMClient
	maxTokens int
}

// NewAnalyzer constructs an analyzer over the given client.
func NewAnalyzer(client domain.LLMClient, maxTokens int) *Analyzer {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Analyzer{client: client, maxTokens: maxTokens}
}

const fileSystemPrompt = `You are a source code analyst. Extract points of interest ` +
	`(functions, classes, variables, imports, constants) from the file. ` +
	`Answer with strict JSON: {"pois":[{"name","type","start_line","end_line","description","is_exported"}]}.`

const relationshipSystemPrompt = `You are a source code analyst. Given one point of interest and ` +
	`the other points of interest of the same file, identify relationships (CALLS, USES, REFERENCES, RELATED_TO). ` +
	`Answer with strict JSON: {"relationships":[{"from","to","type","confidence","reason"}]}.`

// AnalyzeFile extracts POIs from one file's content.
func (a *Analyzer) AnalyzeFile(ctx domain.Context, runID, filePath, content string) (domain.FileAnalysisFinding, error) {
	prompt := fmt.Sprintf("File: %s\n\n%s", filePath, content)
	out, err := a.client.ChatJSON(ctx, fileSystemPrompt, prompt, a.maxTokens)
	if err != nil {
		return domain.FileAnalysisFinding{}, err
	}
	var parsed struct {
		POIs []domain.RawPOI `json:"pois"`
	}
	if err := domain.DecodeStrict([]byte(cleanJSON(out)), &parsed); err != nil {
		return domain.FileAnalysisFinding{}, fmt.Errorf("op=analyzer.file path=%s: %w", filePath, err)
	}
	finding := domain.FileAnalysisFinding{RunID: runID, FilePath: filePath, POIs: parsed.POIs}
	if err := finding.Validate(); err != nil {
		return domain.FileAnalysisFinding{}, err
	}
	return finding, nil
}

// AnalyzeRelationships identifies relationships for one POI against its
// file-local context.
func (a *Analyzer) AnalyzeRelationships(ctx domain.Context, job domain.RelationshipAnalysisJob) (domain.RelationshipAnalysisFinding, error) {
	ctxNames := make([]string, 0, len(job.ContextPOIs))
	for _, p := range job.ContextPOIs {
		ctxNames = append(ctxNames, fmt.Sprintf("%s (%s)", p.Name, p.Type))
	}
	prompt := fmt.Sprintf("File: %s\nPOI: %s (%s)\nContext POIs: %s",
		job.FilePath, job.POI.Name, job.POI.Type, strings.Join(ctxNames, ", "))
	out, err := a.client.ChatJSON(ctx, relationshipSystemPrompt, prompt, a.maxTokens)
	if err != nil {
		return domain.RelationshipAnalysisFinding{}, err
	}
	var parsed struct {
		Relationships []domain.RawRelationship `json:"relationships"`
	}
	if err := domain.DecodeStrict([]byte(cleanJSON(out)), &parsed); err != nil {
		return domain.RelationshipAnalysisFinding{}, fmt.Errorf("op=analyzer.relationships poi=%s: %w", job.POI.Name, err)
	}
	for i := range parsed.Relationships {
		if parsed.Relationships[i].FilePath == "" {
			parsed.Relationships[i].FilePath = job.FilePath
		}
	}
	finding := domain.RelationshipAnalysisFinding{RunID: job.RunID, Relationships: parsed.Relationships}
	if err := finding.Validate(); err != nil {
		return domain.RelationshipAnalysisFinding{}, err
	}
	return finding, nil
}

// cleanJSON strips markdown fences some providers wrap around JSON answers.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
