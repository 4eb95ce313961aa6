package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// SessionRepo persists triangulation sessions.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

// Create records one escalation and returns its id.
func (r *SessionRepo) Create(ctx domain.Context, s domain.TriangulationSession) (string, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Create")
	defer span.End()
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := s.Status
	if status == "" {
		status = "PENDING"
	}
	q := `INSERT INTO triangulated_analysis_sessions
	        (id, run_id, relationship_id, status, initial_confidence, final_confidence, consensus_score, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := r.Pool.Exec(ctx, q, id, s.RunID, s.RelationshipID, status,
		s.InitialConfidence, s.FinalConfidence, s.ConsensusScore, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=sessions.create: %w", err)
	}
	return id, nil
}
