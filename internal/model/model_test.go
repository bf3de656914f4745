package model

import (
	"errors"
	"testing"
)

func TestValidate_RequiresResourceID(t *testing.T) {
	s := ResourceSubmission{Content: "c", ResourceJSON: `{}`}
	err := s.Validate()
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidate_RequiresContent(t *testing.T) {
	s := ResourceSubmission{ResourceID: "r1", ResourceJSON: `{}`}
	if err := s.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidate_RequiresWellFormedResourceJSON(t *testing.T) {
	s := ResourceSubmission{ResourceID: "r1", Content: "c", ResourceJSON: `{not json`}
	if err := s.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidate_AcceptsWellFormedSubmission(t *testing.T) {
	s := ResourceSubmission{ResourceID: "r1", Content: "c", ResourceJSON: `{"resourceType":"Observation"}`}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestChunkMetadata_ToMapOmitsEmptyOptionalFields(t *testing.T) {
	m := ChunkMetadata{ResourceID: "r1", ResourceType: "Observation", ChunkID: "c1"}
	out := m.ToMap()
	for _, key := range []string{"patientId", "fullUrl", "sourceFile", "effectiveDate", "status", "lastUpdated"} {
		if _, present := out[key]; present {
			t.Fatalf("expected %s to be omitted, got %v", key, out[key])
		}
	}
	if out["resourceId"] != "r1" {
		t.Fatalf("expected resourceId=r1, got %v", out["resourceId"])
	}
}

func TestChunkMetadata_ToMapIncludesPresentOptionalFields(t *testing.T) {
	m := ChunkMetadata{ResourceID: "r1", PatientID: "p1", EffectiveDate: "2026-01-01"}
	out := m.ToMap()
	if out["patientId"] != "p1" || out["effectiveDate"] != "2026-01-01" {
		t.Fatalf("expected optional fields present, got %v", out)
	}
}

func TestMetadataFromMap_RoundTrips(t *testing.T) {
	original := ChunkMetadata{
		ResourceID: "r1", ResourceType: "Condition", ChunkID: "c1",
		ChunkIndex: 2, TotalChunks: 5, ChunkSize: 800, PatientID: "p1",
	}
	reconstructed := MetadataFromMap(original.ToMap())
	if reconstructed != original {
		t.Fatalf("expected round trip to preserve metadata, got %+v vs %+v", reconstructed, original)
	}
}

func TestMetadataFromMap_TreatsJSONNumbersAsInts(t *testing.T) {
	m := MetadataFromMap(map[string]any{"chunkIndex": float64(3), "totalChunks": float64(7)})
	if m.ChunkIndex != 3 || m.TotalChunks != 7 {
		t.Fatalf("expected float64-decoded JSON numbers to convert, got %+v", m)
	}
}

func TestClassifiedError_UnwrapAndError(t *testing.T) {
	cause := errors.New("connection reset")
	ce := Classify(ErrorClassRetryable, cause)
	if !errors.Is(ce, cause) {
		t.Fatalf("expected errors.Is to see through ClassifiedError")
	}
	if ce.Error() == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestClassOf_ExtractsWrappedClass(t *testing.T) {
	wrapped := Classify(ErrorClassDuplicate, errors.New("unique_violation"))
	if ClassOf(wrapped) != ErrorClassDuplicate {
		t.Fatalf("expected ErrorClassDuplicate, got %v", ClassOf(wrapped))
	}
}

func TestClassOf_DefaultsToFatalForUnclassifiedError(t *testing.T) {
	if ClassOf(errors.New("boom")) != ErrorClassFatal {
		t.Fatalf("expected unclassified error to default to fatal")
	}
}
