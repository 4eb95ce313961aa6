package llm

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// Stub is a fast, deterministic LLM client for development and tests. The
// same prompt always yields the same answer.
type Stub struct {
	// Latency simulates provider delay; zero for tests.
	Latency time.Duration
}

// NewStub constructs a stub client.
func NewStub() *Stub { return &Stub{Latency: 10 * time.Millisecond} }

// ChatJSON fabricates a small finding derived from the prompt hash.
func (s *Stub) ChatJSON(ctx domain.Context, _ string, userPrompt string, _ int) (string, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userPrompt))
	seed := h.Sum32()

	payload := map[string]any{
		"pois": []map[string]any{
			{
				"name":        fmt.Sprintf("symbol_%d", seed%1000),
				"type":        "function",
				"start_line":  int(seed%200) + 1,
				"end_line":    int(seed%200) + 10,
				"is_exported": seed%2 == 0,
			},
		},
		"relationships": []map[string]any{},
	}
	b, _ := json.Marshal(payload)
	return string(b), nil
}
