// internal/schema/validator.go
// Package schema provides JSON schema validation for proof documents.
// It ensures that every proof envelope conforms to its schema before it is published.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// Document names for the supported schemas.
const (
	DocumentProof   = "fitproof.proof"   // Published proof envelope
	DocumentWorkout = "fitproof.workout" // Hashed body embedded in the envelope
)

// SchemaVersions maps document names to their current schema versions.
var SchemaVersions = map[string]string{
	DocumentProof:   "1.0.0",
	DocumentWorkout: "1.0.0",
}

const workoutSchema = `{
  "type": "object",
  "required": ["proof_id", "timestamp", "workout"],
  "properties": {
    "proof_id": {"type": "string", "pattern": "^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$"},
    "timestamp": {"type": "integer", "minimum": 0},
    "workout": {
      "type": "object",
      "required": ["date", "workoutType", "duration", "durationSeconds", "activitySummary", "steps", "distanceKm", "heartPts", "pace"],
      "additionalProperties": false,
      "properties": {
        "date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
        "workoutType": {"type": "string", "minLength": 1},
        "duration": {"type": "string", "pattern": "^[0-9]{2,}:[0-5][0-9]$"},
        "durationSeconds": {"type": "integer", "minimum": 0},
        "activitySummary": {"type": "string", "minLength": 1},
        "steps": {"type": "integer", "minimum": 0},
        "distanceKm": {"type": "string", "pattern": "^[0-9]+\\.[0-9]{2}$"},
        "heartPts": {"type": "string", "pattern": "^[0-9]+$"},
        "pace": {"type": "string", "pattern": "^([0-9]+\\.[0-9]{2}|--)$"}
      }
    }
  }
}`

const proofSchema = `{
  "type": "object",
  "required": ["proof_id", "timestamp", "workout_data", "hash", "hash_algorithm"],
  "properties": {
    "proof_id": {"type": "string", "pattern": "^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$"},
    "timestamp": {"type": "integer", "minimum": 0},
    "workout_data": {"type": "object"},
    "hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "hash_algorithm": {"type": "string", "enum": ["SHA-256"]}
  }
}`

// Validator validates proof documents against JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of document names to compiled schemas
}

// NewValidator creates a new schema validator with all supported schemas compiled.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for name, doc := range map[string]string{DocumentProof: proofSchema, DocumentWorkout: workoutSchema} {
		if err := v.loadSchema(name, doc); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

// loadSchema parses and compiles a JSON schema for one document type.
func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks a raw JSON document against the named schema and returns the schema version used.
func (v *Validator) Validate(name string, doc []byte) (string, error) {
	schema, exists := v.schemas[name]
	if !exists {
		return "", fmt.Errorf("schema not found for document: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return "", fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return "", fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	return SchemaVersions[name], nil
}

// ValidateProof checks both the envelope and its hashed body.
func (v *Validator) ValidateProof(p model.Proof) error {
	envelope, err := json.Marshal(p)
	if err != nil {
		return errordefs.Wrap(errordefs.FP_VALIDATION, "failed to encode proof", err)
	}
	if _, err := v.Validate(DocumentProof, envelope); err != nil {
		return errordefs.NewWithDetails(errordefs.FP_VALIDATION, "proof envelope rejected", "", err.Error())
	}
	if _, err := v.Validate(DocumentWorkout, p.WorkoutData); err != nil {
		return errordefs.NewWithDetails(errordefs.FP_VALIDATION, "proof body rejected", "", err.Error())
	}
	return nil
}
