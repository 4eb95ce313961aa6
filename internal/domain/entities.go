// Package domain holds the entities, ports and error taxonomy of the
// cognitive triangulation pipeline. Adapters depend on this package; it
// depends on nothing but the standard library.
package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Context is an alias so ports read uniformly; adapters pass context.Context.
type Context = context.Context

// FileStatus enumerates file processing states.
type FileStatus string

// File processing states.
const (
	FilePending   FileStatus = "pending"
	FileProcessed FileStatus = "processed"
	FileFailed    FileStatus = "failed"
)

// File is one scanned source file, unique by (path, run).
type File struct {
	ID            int64
	FilePath      string
	Status        FileStatus
	Hash          string
	LastProcessed time.Time
	RunID         string
}

// POIType enumerates point-of-interest kinds.
type POIType string

// Known POI types. The scanner may emit others; they are carried verbatim.
const (
	POIFunction POIType = "function"
	POIClass    POIType = "class"
	POIVariable POIType = "variable"
	POIImport   POIType = "import"
	POIConstant POIType = "constant"
)

// POI is a named, locatable construct in source code.
// Invariant: (name, type, start_line, file_id) unique within a run.
type POI struct {
	ID          int64
	FileID      int64
	FilePath    string
	Name        string
	Type        POIType
	StartLine   int
	EndLine     int
	Description string
	IsExported  bool
	SemanticID  string
	Hash        string
	RunID       string
}

// RelationshipStatus enumerates relationship validation states.
type RelationshipStatus string

// Relationship validation states.
const (
	RelPending   RelationshipStatus = "PENDING"
	RelValidated RelationshipStatus = "VALIDATED"
	RelDiscarded RelationshipStatus = "DISCARDED"
	RelEscalated RelationshipStatus = "ESCALATED"
)

// Relationship is a typed directed edge between two POIs of the same run.
// Invariant: confidence in [0,1]; a VALIDATED relationship has evidence.
type Relationship struct {
	ID          int64
	SourcePOIID int64
	TargetPOIID int64
	Type        string
	FilePath    string
	Status      RelationshipStatus
	Confidence  float64
	Evidence    string
	Reason      string
	RunID       string
}

// Evidence is one observation supporting a relationship hash. RelationshipID
// may lag until linking.
type Evidence struct {
	ID               int64
	RelationshipHash string
	RelationshipID   *int64
	Payload          string
	Confidence       float64
	RunID            string
}

// TrackingStatus enumerates evidence-tracking aggregate states.
type TrackingStatus string

// Evidence tracking states.
const (
	TrackingPending    TrackingStatus = "PENDING"
	TrackingProcessing TrackingStatus = "PROCESSING"
	TrackingCompleted  TrackingStatus = "COMPLETED"
	TrackingFailed     TrackingStatus = "FAILED"
)

// EvidenceTracking is the per (run, relationship_hash) aggregate used for
// completion of evidence accumulation. Unique on (run_id, relationship_hash).
type EvidenceTracking struct {
	ID               int64
	RunID            string
	RelationshipHash string
	RelationshipID   *int64
	EvidenceCount    int
	ExpectedCount    int
	TotalConfidence  float64
	AvgConfidence    float64
	Status           TrackingStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ProcessedAt      *time.Time
	ErrorMessage     string
}

// OutboxStatus enumerates outbox event states. PUBLISHED and FAILED are
// terminal.
type OutboxStatus string

// Outbox event states.
const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxEvent is one locally committed side effect awaiting fan-out.
type OutboxEvent struct {
	ID        string
	RunID     string
	EventType string
	Payload   []byte
	Status    OutboxStatus
	CreatedAt time.Time
}

// TriangulationSession records one escalation of a low-confidence
// relationship to the triangulation service.
type TriangulationSession struct {
	ID                string
	RunID             string
	RelationshipID    int64
	Status            string
	InitialConfidence float64
	FinalConfidence   *float64
	ConsensusScore    *float64
	CreatedAt         time.Time
}

// SemanticID is the stable cross-run identifier of a POI: its file-path
// qualified name.
func SemanticID(filePath, name string) string {
	return filePath + "::" + name
}

// POIHash is the deterministic content hash used as the POI idempotency key.
// Two POIs with the same (filePath, name, type, startLine) collapse to one
// row.
func POIHash(filePath, name string, typ POIType, startLine int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", filePath, name, typ, startLine)))
	return hex.EncodeToString(sum[:])
}

// RelationshipHash is the deterministic identity of a candidate relationship,
// computed from its endpoints and type. Evidence rows for the same candidate
// share it regardless of which worker produced them.
func RelationshipHash(from, to, typ string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s", from, to, typ)))
	return hex.EncodeToString(sum[:])
}
