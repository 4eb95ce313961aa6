package domain

import (
	"encoding/json"
	"fmt"
)

// Outbox event types handled by the publisher. Anything else is routed by the
// static queue map or marked published with nothing to fan out.
const (
	EventFileAnalysisFinding         = "file-analysis-finding"
	EventRelationshipAnalysisFinding = "relationship-analysis-finding"
)

// RawPOI is a scanner/LLM-produced POI candidate before persistence.
type RawPOI struct {
	Name        string  `json:"name"`
	Type        POIType `json:"type"`
	StartLine   int     `json:"start_line"`
	EndLine     int     `json:"end_line"`
	Description string  `json:"description,omitempty"`
	IsExported  bool    `json:"is_exported"`
}

// FileAnalysisFinding is the payload of a file-analysis-finding outbox event.
type FileAnalysisFinding struct {
	RunID    string   `json:"runId"`
	FilePath string   `json:"filePath"`
	POIs     []RawPOI `json:"pois"`
}

// RawRelationship is an LLM-produced relationship candidate keyed by POI
// names; resolution to database ids happens in the outbox publisher.
type RawRelationship struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Type       string  `json:"type"`
	FilePath   string  `json:"filePath"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Evidence   string  `json:"evidence,omitempty"`
}

// RelationshipAnalysisFinding is the payload of a
// relationship-analysis-finding outbox event.
type RelationshipAnalysisFinding struct {
	RunID         string            `json:"runId"`
	Relationships []RawRelationship `json:"relationships"`
}

// RelationshipAnalysisJob is enqueued per POI onto relationship-resolution;
// ContextPOIs carries the other POIs of the same file.
type RelationshipAnalysisJob struct {
	RunID       string   `json:"runId"`
	FilePath    string   `json:"filePath"`
	POI         RawPOI   `json:"poi"`
	ContextPOIs []RawPOI `json:"contextPois"`
}

// ValidationItem pairs a relationship hash with its evidence payload.
type ValidationItem struct {
	RelationshipHash string `json:"relationship_hash"`
	EvidencePayload  string `json:"evidence_payload"`
}

// ValidateRelationshipsBatch is the validate-relationships-batch payload on
// the analysis-findings queue.
type ValidateRelationshipsBatch struct {
	RunID         string           `json:"runId"`
	Relationships []ValidationItem `json:"relationships"`
}

// ConfidenceEscalation is published to relationship-confidence-escalation for
// the external triangulation service.
type ConfidenceEscalation struct {
	RunID            string  `json:"runId"`
	RelationshipID   int64   `json:"relationshipId"`
	Confidence       float64 `json:"confidence"`
	ConfidenceLevel  string  `json:"confidenceLevel"`
	EscalationReason string  `json:"escalationReason"`
}

// GraphIngestion asks the graph builder to project validated relationships.
type GraphIngestion struct {
	RunID           string  `json:"runId"`
	RelationshipIDs []int64 `json:"relationshipIds"`
}

// FileAnalysisTask is the job payload on the file-analysis queue.
type FileAnalysisTask struct {
	RunID    string `json:"runId"`
	FilePath string `json:"filePath"`
	Content  string `json:"content,omitempty"`
}

// DecodeStrict unmarshals data into v rejecting unknown shapes with
// ErrSchemaInvariant so malformed payloads never enter the pipeline.
func DecodeStrict(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("op=payload.decode: %w: %v", ErrSchemaInvariant, err)
	}
	return nil
}

// Validate checks the invariants the schema cannot express.
func (f FileAnalysisFinding) Validate() error {
	if f.RunID == "" || f.FilePath == "" {
		return fmt.Errorf("op=payload.validate: %w: file-analysis-finding missing runId or filePath", ErrSchemaInvariant)
	}
	for _, p := range f.POIs {
		if p.Name == "" || p.Type == "" {
			return fmt.Errorf("op=payload.validate: %w: poi missing name or type", ErrSchemaInvariant)
		}
	}
	return nil
}

// Validate checks the invariants the schema cannot express.
func (f RelationshipAnalysisFinding) Validate() error {
	if f.RunID == "" {
		return fmt.Errorf("op=payload.validate: %w: relationship-analysis-finding missing runId", ErrSchemaInvariant)
	}
	for _, r := range f.Relationships {
		if r.From == "" || r.To == "" || r.Type == "" {
			return fmt.Errorf("op=payload.validate: %w: relationship missing endpoint or type", ErrSchemaInvariant)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("op=payload.validate: %w: confidence %v out of [0,1]", ErrSchemaInvariant, r.Confidence)
		}
	}
	return nil
}
