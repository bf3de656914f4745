// Package model defines the core domain types shared by ingestion and
// retrieval: resource submissions, chunks, chunk metadata, and dead-letter
// records, plus the closed error-kind taxonomy used to classify ingestion
// failures at the store/provider boundary rather than by string matching.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ResourceType enumerates the FHIR resource types the metadata extractor
// recognizes explicitly. Other values are accepted but treated generically.
type ResourceType string

const (
	ResourcePatient           ResourceType = "Patient"
	ResourceCondition         ResourceType = "Condition"
	ResourceObservation       ResourceType = "Observation"
	ResourceProcedure         ResourceType = "Procedure"
	ResourceMedicationRequest ResourceType = "MedicationRequest"
	ResourceImmunization      ResourceType = "Immunization"
	ResourceDiagnosticReport  ResourceType = "DiagnosticReport"
	ResourceEncounter         ResourceType = "Encounter"
)

// ResourceSubmission is the transient, inbound unit accepted by the
// Ingestion API (C7) before validation and enqueue.
type ResourceSubmission struct {
	ResourceID   string `json:"resourceId"`
	FullURL      string `json:"fullUrl"`
	ResourceType string `json:"resourceType"`
	Content      string `json:"content"`
	ResourceJSON string `json:"resourceJson"`
	PatientID    string `json:"patientId,omitempty"`
	SourceFile   string `json:"sourceFile,omitempty"`
}

// Validate applies the ingestion validation rules: missing resource_id,
// missing content after trim, missing resource_json, or unparseable
// resource_json all fail synchronously with no enqueue.
func (s ResourceSubmission) Validate() error {
	if strings.TrimSpace(s.ResourceID) == "" {
		return fmt.Errorf("%w: resourceId is required", ErrValidation)
	}
	if strings.TrimSpace(s.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if strings.TrimSpace(s.ResourceJSON) == "" {
		return fmt.Errorf("%w: resourceJson is required", ErrValidation)
	}
	if !json.Valid([]byte(s.ResourceJSON)) {
		return fmt.Errorf("%w: resourceJson is not valid JSON", ErrValidation)
	}
	return nil
}

// ErrValidation marks a synchronous validation failure (never enqueued).
var ErrValidation = errors.New("validation")

// ChunkMetadata carries the keys recognized for filtering.
type ChunkMetadata struct {
	PatientID     string `json:"patientId,omitempty"`
	ResourceID    string `json:"resourceId"`
	ResourceType  string `json:"resourceType"`
	FullURL       string `json:"fullUrl,omitempty"`
	SourceFile    string `json:"sourceFile,omitempty"`
	ChunkID       string `json:"chunkId"`
	ChunkIndex    int    `json:"chunkIndex"`
	TotalChunks   int    `json:"totalChunks"`
	ChunkSize     int    `json:"chunkSize"`
	EffectiveDate string `json:"effectiveDate,omitempty"`
	Status        string `json:"status,omitempty"`
	LastUpdated   string `json:"lastUpdated,omitempty"`
}

// ToMap flattens metadata into a generic map, the shape persisted as the
// store's JSONB metadata document and returned to retrieval callers.
func (m ChunkMetadata) ToMap() map[string]any {
	out := map[string]any{
		"resourceId":   m.ResourceID,
		"resourceType": m.ResourceType,
		"chunkId":      m.ChunkID,
		"chunkIndex":   m.ChunkIndex,
		"totalChunks":  m.TotalChunks,
		"chunkSize":    m.ChunkSize,
	}
	if m.PatientID != "" {
		out["patientId"] = m.PatientID
	}
	if m.FullURL != "" {
		out["fullUrl"] = m.FullURL
	}
	if m.SourceFile != "" {
		out["sourceFile"] = m.SourceFile
	}
	if m.EffectiveDate != "" {
		out["effectiveDate"] = m.EffectiveDate
	}
	if m.Status != "" {
		out["status"] = m.Status
	}
	if m.LastUpdated != "" {
		out["lastUpdated"] = m.LastUpdated
	}
	return out
}

// MetadataFromMap reconstructs ChunkMetadata from a generic map, as read
// back from the store's JSONB column.
func MetadataFromMap(m map[string]any) ChunkMetadata {
	out := ChunkMetadata{}
	out.PatientID, _ = m["patientId"].(string)
	out.ResourceID, _ = m["resourceId"].(string)
	out.ResourceType, _ = m["resourceType"].(string)
	out.FullURL, _ = m["fullUrl"].(string)
	out.SourceFile, _ = m["sourceFile"].(string)
	out.ChunkID, _ = m["chunkId"].(string)
	out.ChunkIndex = asInt(m["chunkIndex"])
	out.TotalChunks = asInt(m["totalChunks"])
	out.ChunkSize = asInt(m["chunkSize"])
	out.EffectiveDate, _ = m["effectiveDate"].(string)
	out.Status, _ = m["status"].(string)
	out.LastUpdated, _ = m["lastUpdated"].(string)
	return out
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Chunk is a persisted, independently-retrievable fragment derived from one
// resource submission.
type Chunk struct {
	ChunkID  string
	Content  string
	Vector   []float32
	Metadata ChunkMetadata
}

// DeadLetterRecord is the durable, append-only trace of a submission that
// terminally failed ingestion.
type DeadLetterRecord struct {
	ChunkID      string
	ResourceID   string
	ErrorClass   ErrorClass
	ErrorMessage string
	RetryCount   int
	FirstSeen    time.Time
	LastSeen     time.Time
	Metadata     map[string]any
}

// ErrorClass is the closed sum of ingestion error kinds: a
// tagged variant assigned once at the store/provider boundary, never
// recovered by string-matching an error message.
type ErrorClass string

const (
	ErrorClassValidation  ErrorClass = "validation"
	ErrorClassRetryable   ErrorClass = "retryable"
	ErrorClassDuplicate   ErrorClass = "duplicate"
	ErrorClassFatal       ErrorClass = "fatal"
	ErrorClassMaxRetries  ErrorClass = "max_retries"
	ErrorClassQueueFull   ErrorClass = "queue_full"
)

// ClassifiedError wraps an underlying error with its taxonomy class so
// callers never need to re-derive the kind from error text.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with the given class.
func Classify(class ErrorClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf extracts the ErrorClass from err if it (or one of its wrapped
// causes) is a *ClassifiedError; otherwise returns ErrorClassFatal.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrorClassFatal
}
