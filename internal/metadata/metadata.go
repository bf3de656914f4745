// Package metadata implements the resource-type-aware metadata extractor
// (C5): it derives the chunk metadata keys from a parsed
// resource payload, including the per-resource-type date-field fallback
// chain.
package metadata

import (
	"encoding/json"
	"fhirag/internal/model"
)

// dateFields lists, per resource type, the fields to try in order; the
// first present non-empty field wins.
var dateFields = map[string][]string{
	"Observation":       {"effectiveDateTime", "issued"},
	"Condition":         {"onsetDateTime", "recordedDate"},
	"Procedure":         {"performedDateTime"},
	"MedicationRequest": {"authoredOn"},
	"Immunization":      {"occurrenceDateTime"},
	"DiagnosticReport":  {"effectiveDateTime"},
	"Encounter":         {"period.start"},
	"Patient":           {"birthDate"},
}

// Extract builds a ChunkMetadata for one chunk of a submission.
// resourceJSON is the submission's parsed JSON; missing date fields are
// simply omitted (never inserted as null).
func Extract(sub model.ResourceSubmission, chunkText string, chunkIndex, totalChunks int) model.ChunkMetadata {
	var parsed map[string]any
	_ = json.Unmarshal([]byte(sub.ResourceJSON), &parsed)

	m := model.ChunkMetadata{
		PatientID:    sub.PatientID,
		ResourceID:   sub.ResourceID,
		ResourceType: sub.ResourceType,
		FullURL:      sub.FullURL,
		SourceFile:   sub.SourceFile,
		ChunkIndex:   chunkIndex,
		TotalChunks:  totalChunks,
		ChunkSize:    len(chunkText),
	}
	m.ChunkID = ChunkID(sub.ResourceID, chunkIndex)

	if parsed != nil {
		if status, ok := parsed["status"].(string); ok {
			m.Status = status
		}
		if lu, ok := parsed["lastUpdated"].(string); ok {
			m.LastUpdated = lu
		} else if meta, ok := parsed["meta"].(map[string]any); ok {
			if lu, ok := meta["lastUpdated"].(string); ok {
				m.LastUpdated = lu
			}
		}
		if fields, ok := dateFields[sub.ResourceType]; ok {
			for _, f := range fields {
				if v := lookupField(parsed, f); v != "" {
					m.EffectiveDate = v
					break
				}
			}
		}
	}

	return m
}

// ChunkID computes the globally unique chunk identifier.
func ChunkID(resourceID string, index int) string {
	return resourceID + "_chunk_" + itoa(index)
}

// lookupField resolves a possibly dotted field path (e.g. "period.start")
// against a generically-decoded JSON object, returning "" when absent or
// not a string.
func lookupField(m map[string]any, path string) string {
	cur := any(m)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			key := path[start:i]
			obj, ok := cur.(map[string]any)
			if !ok {
				return ""
			}
			cur, ok = obj[key]
			if !ok {
				return ""
			}
			start = i + 1
		}
	}
	s, _ := cur.(string)
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}
