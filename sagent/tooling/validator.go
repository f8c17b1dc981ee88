package tooling

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator checks JSON documents against JSON schemas, caching compiled schemas.
type SchemaValidator struct {
	mu       sync.RWMutex
	compiled map[[32]byte]*gojsonschema.Schema
}

// NewSchemaValidator creates a new validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{compiled: make(map[[32]byte]*gojsonschema.Schema)}
}

// Compile parses schema once and reuses the result for identical bytes.
func (v *SchemaValidator) Compile(schema []byte) (*gojsonschema.Schema, error) {
	sum := sha256.Sum256(schema)

	v.mu.RLock()
	s, ok := v.compiled[sum]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %w", err)
	}

	v.mu.Lock()
	v.compiled[sum] = s
	v.mu.Unlock()
	return s, nil
}

// Validate checks if data conforms to schema. Failures are errx validation errors.
func (v *SchemaValidator) Validate(data json.RawMessage, schema []byte) error {
	if len(schema) == 0 {
		return nil // no schema to validate against
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage(`{}`)
	}
	if !json.Valid(data) {
		return errx.Validation("schema", "arguments are not valid JSON")
	}

	s, err := v.Compile(schema)
	if err != nil {
		return errx.Validation("schema", err.Error())
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errx.Validation("schema", fmt.Sprintf("schema validation failed: %v", err))
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return errx.Validation("schema", strings.Join(problems, "; "))
	}
	return nil
}
