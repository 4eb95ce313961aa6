package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStrict(t *testing.T) {
	var f FileAnalysisFinding
	err := DecodeStrict([]byte(`{"runId":"r1","filePath":"a.go","pois":[]}`), &f)
	require.NoError(t, err)
	assert.Equal(t, "r1", f.RunID)

	err = DecodeStrict([]byte("not json"), &f)
	require.ErrorIs(t, err, ErrSchemaInvariant)
}

func TestFileAnalysisFindingValidate(t *testing.T) {
	valid := FileAnalysisFinding{
		RunID:    "r1",
		FilePath: "a.go",
		POIs:     []RawPOI{{Name: "Alpha", Type: POIFunction}},
	}
	require.NoError(t, valid.Validate())

	missing := valid
	missing.RunID = ""
	require.ErrorIs(t, missing.Validate(), ErrSchemaInvariant)

	badPOI := valid
	badPOI.POIs = []RawPOI{{Name: "", Type: POIFunction}}
	require.ErrorIs(t, badPOI.Validate(), ErrSchemaInvariant)
}

func TestRelationshipAnalysisFindingValidate(t *testing.T) {
	valid := RelationshipAnalysisFinding{
		RunID: "r1",
		Relationships: []RawRelationship{
			{From: "A", To: "B", Type: "CALLS", Confidence: 0.5},
		},
	}
	require.NoError(t, valid.Validate())

	noEndpoint := valid
	noEndpoint.Relationships = []RawRelationship{{From: "A", Type: "CALLS", Confidence: 0.5}}
	require.ErrorIs(t, noEndpoint.Validate(), ErrSchemaInvariant)

	outOfRange := valid
	outOfRange.Relationships = []RawRelationship{{From: "A", To: "B", Type: "CALLS", Confidence: 1.2}}
	require.ErrorIs(t, outOfRange.Validate(), ErrSchemaInvariant)
}

func TestSemanticIDAndHashes(t *testing.T) {
	assert.Equal(t, "a.go::Alpha", SemanticID("a.go", "Alpha"))

	// Hashes are deterministic and sensitive to every component.
	h := POIHash("a.go", "Alpha", POIFunction, 10)
	assert.Equal(t, h, POIHash("a.go", "Alpha", POIFunction, 10))
	assert.NotEqual(t, h, POIHash("a.go", "Alpha", POIFunction, 11))
	assert.NotEqual(t, h, POIHash("a.go", "Alpha", POIClass, 10))

	rh := RelationshipHash("A", "B", "CALLS")
	assert.Equal(t, rh, RelationshipHash("A", "B", "CALLS"))
	assert.NotEqual(t, rh, RelationshipHash("B", "A", "CALLS"), "direction matters")
	assert.NotEqual(t, rh, RelationshipHash("A", "B", "USES"))
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))

	// Delay saturates at MaxDelay.
	assert.Equal(t, p.MaxDelay, p.Delay(50))
}
