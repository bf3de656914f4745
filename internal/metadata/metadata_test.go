package metadata

import (
	"testing"

	"fhirag/internal/model"
)

func TestExtract_ObservationEffectiveDateTime(t *testing.T) {
	sub := model.ResourceSubmission{
		ResourceID:   "obs-1",
		ResourceType: "Observation",
		PatientID:    "p-1",
		ResourceJSON: `{"resourceType":"Observation","effectiveDateTime":"2024-01-15","status":"final"}`,
	}
	m := Extract(sub, "Cholesterol total 195 mg/dL on 2024-01-15", 0, 1)
	if m.EffectiveDate != "2024-01-15" {
		t.Fatalf("expected effectiveDate 2024-01-15, got %q", m.EffectiveDate)
	}
	if m.PatientID != "p-1" || m.ResourceType != "Observation" {
		t.Fatalf("unexpected metadata: %+v", m)
	}
	if m.Status != "final" {
		t.Fatalf("expected status final, got %q", m.Status)
	}
	if m.ChunkID != "obs-1_chunk_0" {
		t.Fatalf("unexpected chunk id: %q", m.ChunkID)
	}
}

func TestExtract_ObservationFallsBackToIssued(t *testing.T) {
	sub := model.ResourceSubmission{
		ResourceID:   "obs-2",
		ResourceType: "Observation",
		ResourceJSON: `{"resourceType":"Observation","issued":"2023-05-01"}`,
	}
	m := Extract(sub, "text", 0, 1)
	if m.EffectiveDate != "2023-05-01" {
		t.Fatalf("expected fallback to issued, got %q", m.EffectiveDate)
	}
}

func TestExtract_MissingDateOmitsKey(t *testing.T) {
	sub := model.ResourceSubmission{
		ResourceID:   "obs-3",
		ResourceType: "Observation",
		ResourceJSON: `{"resourceType":"Observation"}`,
	}
	m := Extract(sub, "text", 0, 1)
	if m.EffectiveDate != "" {
		t.Fatalf("expected no effective date, got %q", m.EffectiveDate)
	}
}

func TestExtract_EncounterPeriodStart(t *testing.T) {
	sub := model.ResourceSubmission{
		ResourceID:   "enc-1",
		ResourceType: "Encounter",
		ResourceJSON: `{"resourceType":"Encounter","period":{"start":"2022-02-02"}}`,
	}
	m := Extract(sub, "text", 0, 1)
	if m.EffectiveDate != "2022-02-02" {
		t.Fatalf("expected period.start, got %q", m.EffectiveDate)
	}
}
