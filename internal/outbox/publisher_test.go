package outbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
	"github.com/fairyhunter13/cognitive-triangulation/internal/queue"
)

// pubStore backs the publisher tests: outbox events, files and POIs in memory.
type pubStore struct {
	mu      sync.Mutex
	events  []domain.OutboxEvent
	marks   map[string]domain.OutboxStatus
	files   map[string]int64
	pois    map[string]domain.POI
	rels    []domain.Relationship
	nextPOI int64
}

func newPubStore() *pubStore {
	return &pubStore{
		marks: make(map[string]domain.OutboxStatus),
		files: make(map[string]int64),
		pois:  make(map[string]domain.POI),
	}
}

type pubOutboxRepo struct{ s *pubStore }

func (r pubOutboxRepo) Append(_ domain.Context, ev domain.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.events = append(r.s.events, ev)
	return nil
}

func (r pubOutboxRepo) FetchPending(_ domain.Context, runID string, limit int) ([]domain.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range r.s.events {
		if ev.RunID != runID {
			continue
		}
		if _, settled := r.s.marks[ev.ID]; settled {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r pubOutboxRepo) MarkBatch(_ domain.Context, ids []string, status domain.OutboxStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		r.s.marks[id] = status
	}
	return nil
}

type pubFileRepo struct{ s *pubStore }

func (r pubFileRepo) Upsert(_ domain.Context, f domain.File) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.files[f.FilePath]
	if !ok {
		id = int64(len(r.s.files) + 1)
		r.s.files[f.FilePath] = id
	}
	return id, nil
}
func (r pubFileRepo) UpdateStatus(domain.Context, int64, domain.FileStatus) error { return nil }
func (r pubFileRepo) GetByPath(domain.Context, string, string) (domain.File, error) {
	return domain.File{}, domain.ErrNotFound
}

type pubPOIRepo struct{ s *pubStore }

func (r pubPOIRepo) InsertBatch(_ domain.Context, pois []domain.POI) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range pois {
		r.s.nextPOI++
		p.ID = r.s.nextPOI
		r.s.pois[p.Name] = p
	}
	return nil
}

func (r pubPOIRepo) FindByName(_ domain.Context, _, _, name string) (domain.POI, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.pois[name]; ok {
		return p, nil
	}
	return domain.POI{}, fmt.Errorf("op=pubstore.pois: %w", domain.ErrUnresolvedReference)
}

func (r pubPOIRepo) FindBySemanticID(ctx domain.Context, runID, semanticID string) (domain.POI, error) {
	return r.FindByName(ctx, runID, "", semanticID)
}

func (r pubPOIRepo) ListByRun(domain.Context, string) ([]domain.POI, error) { return nil, nil }

type pubRelRepo struct{ s *pubStore }

func (r pubRelRepo) InsertBatch(_ domain.Context, rels []domain.Relationship) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.rels = append(r.s.rels, rels...)
	return nil
}
func (r pubRelRepo) UpdateStatus(domain.Context, int64, domain.RelationshipStatus, float64) error {
	return nil
}
func (r pubRelRepo) FindByHashEndpoints(domain.Context, string, int64, int64, string) (domain.Relationship, error) {
	return domain.Relationship{}, domain.ErrNotFound
}
func (r pubRelRepo) ListByStatus(domain.Context, string, domain.RelationshipStatus) ([]domain.Relationship, error) {
	return nil, nil
}

// capturedJob is one Add call seen by the fake queue provider.
type capturedJob struct {
	Queue string
	Name  string
	Data  []byte
}

type fakeQueues struct {
	mu   sync.Mutex
	jobs []capturedJob
}

type fakeQueueHandle struct {
	name string
	f    *fakeQueues
}

func (h *fakeQueueHandle) Name() string { return h.name }

func (h *fakeQueueHandle) Add(_ domain.Context, jobName string, data []byte) (string, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	h.f.jobs = append(h.f.jobs, capturedJob{Queue: h.name, Name: jobName, Data: data})
	return fmt.Sprintf("job-%d", len(h.f.jobs)), nil
}

func (f *fakeQueues) GetQueue(name string) (domain.QueueHandle, error) {
	return &fakeQueueHandle{name: name, f: f}, nil
}

func (f *fakeQueues) byQueue(name string) []capturedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedJob
	for _, j := range f.jobs {
		if j.Queue == name {
			out = append(out, j)
		}
	}
	return out
}

func newTestPublisher(t *testing.T, s *pubStore) (*Publisher, *fakeQueues) {
	t.Helper()
	w := NewBatchedWriter(pubPOIRepo{s}, pubRelRepo{s}, pubOutboxRepo{s},
		WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, nil)
	t.Cleanup(func() { _ = w.Close() })
	q := &fakeQueues{}
	p := NewPublisher(pubOutboxRepo{s}, pubFileRepo{s}, pubPOIRepo{s}, w, q, PublisherConfig{
		RunID:           "run-1",
		PollingInterval: time.Hour,
		BatchLimit:      50,
	})
	return p, q
}

func appendEvent(t *testing.T, s *pubStore, id, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, domain.OutboxEvent{
		ID: id, RunID: "run-1", EventType: eventType,
		Payload: data, Status: domain.OutboxPending,
	})
}

func TestPublisher_FileAnalysisFanOut(t *testing.T) {
	s := newPubStore()
	p, q := newTestPublisher(t, s)

	appendEvent(t, s, "ev-1", domain.EventFileAnalysisFinding, domain.FileAnalysisFinding{
		RunID:    "run-1",
		FilePath: "internal/a.go",
		POIs: []domain.RawPOI{
			{Name: "Alpha", Type: domain.POIFunction, StartLine: 1},
			{Name: "Beta", Type: domain.POIFunction, StartLine: 20},
		},
	})
	p.Poll(t.Context())

	// POIs persisted before the relationship jobs were enqueued.
	s.mu.Lock()
	assert.Len(t, s.pois, 2)
	assert.Equal(t, domain.OutboxPublished, s.marks["ev-1"])
	s.mu.Unlock()

	jobs := q.byQueue(queue.QueueRelationshipResolution)
	require.Len(t, jobs, 2, "one relationship job per POI")
	var job domain.RelationshipAnalysisJob
	require.NoError(t, json.Unmarshal(jobs[0].Data, &job))
	assert.Equal(t, "Alpha", job.POI.Name)
	require.Len(t, job.ContextPOIs, 1)
	assert.Equal(t, "Beta", job.ContextPOIs[0].Name, "the file's other POIs ride along as context")

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.EventsPublished)
	assert.Equal(t, int64(2), stats.POIsWritten)
}

func TestPublisher_POIEventsHandledBeforeRelationshipEvents(t *testing.T) {
	s := newPubStore()
	p, q := newTestPublisher(t, s)

	// The relationship event arrives first in the batch, but its endpoints
	// only exist once the file event's POIs are flushed.
	appendEvent(t, s, "ev-rel", domain.EventRelationshipAnalysisFinding, domain.RelationshipAnalysisFinding{
		RunID: "run-1",
		Relationships: []domain.RawRelationship{
			{From: "Alpha", To: "Beta", Type: "CALLS", FilePath: "internal/a.go", Confidence: 0.9},
		},
	})
	appendEvent(t, s, "ev-file", domain.EventFileAnalysisFinding, domain.FileAnalysisFinding{
		RunID:    "run-1",
		FilePath: "internal/a.go",
		POIs: []domain.RawPOI{
			{Name: "Alpha", Type: domain.POIFunction, StartLine: 1},
			{Name: "Beta", Type: domain.POIFunction, StartLine: 20},
		},
	})
	p.Poll(t.Context())

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.rels, 1, "relationship resolved against POIs written in the same poll")
	assert.Equal(t, domain.RelPending, s.rels[0].Status)
	assert.Equal(t, domain.OutboxPublished, s.marks["ev-rel"])
	assert.Len(t, q.byQueue(queue.QueueAnalysisFindings), 1)
}

func TestPublisher_UnresolvedEndpointSkipsCandidate(t *testing.T) {
	s := newPubStore()
	p, q := newTestPublisher(t, s)
	require.NoError(t, pubPOIRepo{s}.InsertBatch(t.Context(), []domain.POI{
		{Name: "Alpha"}, {Name: "Beta"},
	}))

	appendEvent(t, s, "ev-1", domain.EventRelationshipAnalysisFinding, domain.RelationshipAnalysisFinding{
		RunID: "run-1",
		Relationships: []domain.RawRelationship{
			{From: "Alpha", To: "Ghost", Type: "CALLS", Confidence: 0.9},
			{From: "Alpha", To: "Beta", Type: "CALLS", Confidence: 0.8},
		},
	})
	p.Poll(t.Context())

	s.mu.Lock()
	assert.Len(t, s.rels, 1, "unresolved candidate skipped, resolved one kept")
	assert.Equal(t, domain.OutboxPublished, s.marks["ev-1"], "skip never fails the event")
	s.mu.Unlock()

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.UnresolvedSkipped)
	assert.Equal(t, int64(1), stats.RelationshipsKept)

	// The validation batch carries only the resolved candidate.
	batches := q.byQueue(queue.QueueAnalysisFindings)
	require.Len(t, batches, 1)
	var batch domain.ValidateRelationshipsBatch
	require.NoError(t, json.Unmarshal(batches[0].Data, &batch))
	require.Len(t, batch.Relationships, 1)
	assert.Equal(t, domain.RelationshipHash("Alpha", "Beta", "CALLS"), batch.Relationships[0].RelationshipHash)
}

func TestPublisher_FullyUnresolvedFindingStillPublishes(t *testing.T) {
	s := newPubStore()
	p, q := newTestPublisher(t, s)

	appendEvent(t, s, "ev-1", domain.EventRelationshipAnalysisFinding, domain.RelationshipAnalysisFinding{
		RunID: "run-1",
		Relationships: []domain.RawRelationship{
			{From: "Ghost", To: "Phantom", Type: "CALLS", Confidence: 0.9},
		},
	})
	p.Poll(t.Context())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, domain.OutboxPublished, s.marks["ev-1"])
	assert.Empty(t, s.rels)
	assert.Empty(t, q.byQueue(queue.QueueAnalysisFindings), "no validation batch for zero candidates")
}

func TestPublisher_RoutedEvents(t *testing.T) {
	s := newPubStore()
	p, q := newTestPublisher(t, s)

	appendEvent(t, s, "ev-1", "relationship-confidence-escalation", domain.ConfidenceEscalation{
		RunID: "run-1", RelationshipID: 7, Confidence: 0.5,
	})
	appendEvent(t, s, "ev-2", "unmapped-event-type", map[string]string{"k": "v"})
	p.Poll(t.Context())

	assert.Len(t, q.byQueue(queue.QueueConfidenceEscalation), 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, domain.OutboxPublished, s.marks["ev-1"])
	assert.Equal(t, domain.OutboxPublished, s.marks["ev-2"], "unmapped types publish terminally")
}

func TestPublisher_MalformedPayloadFailsEvent(t *testing.T) {
	s := newPubStore()
	p, _ := newTestPublisher(t, s)

	s.mu.Lock()
	s.events = append(s.events, domain.OutboxEvent{
		ID: "ev-1", RunID: "run-1",
		EventType: domain.EventFileAnalysisFinding,
		Payload:   []byte("not json"),
		Status:    domain.OutboxPending,
	})
	s.mu.Unlock()
	p.Poll(t.Context())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, domain.OutboxFailed, s.marks["ev-1"])
}

func TestPublisher_PollIsSingleFlight(t *testing.T) {
	s := newPubStore()
	p, _ := newTestPublisher(t, s)

	appendEvent(t, s, "ev-1", "unmapped", map[string]string{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Poll(t.Context())
		}()
	}
	wg.Wait()
	// Exactly one poll settled the event; overlapping calls returned early.
	assert.Equal(t, int64(1), p.Stats().EventsPublished)
}
