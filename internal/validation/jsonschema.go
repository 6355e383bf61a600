package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/synthlab/crucible/pkg/schema"
)

// domainSpecSchemaJSON is the JSON Schema for domain specification documents.
// Embedded as a constant to avoid filesystem dependencies.
const domainSpecSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://crucible.dev/schemas/domain-spec.json",
  "type": "object",
  "required": ["intent"],
  "properties": {
    "intent": {
      "type": "string",
      "minLength": 1
    },
    "constraints": {
      "type": "array",
      "items": {
        "type": "string",
        "minLength": 1
      }
    },
    "params": {
      "type": "object"
    },
    "attempts": {
      "type": "array",
      "items": { "type": "object" }
    },
    "concepts": {
      "type": "array",
      "items": { "type": "string" }
    },
    "implications": {
      "type": "array",
      "items": { "type": "string" }
    },
    "params_schema": {
      "type": "object"
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	specSchema *jsonschema.Schema

	// mu guards the cache for dynamically compiled params schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the domain spec
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newSpecCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(domainSpecSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal domain spec schema: %w", err)
	}
	if err := c.AddResource("https://crucible.dev/schemas/domain-spec.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add domain spec schema resource: %w", err)
	}

	compiled, err := c.Compile("https://crucible.dev/schemas/domain-spec.json")
	if err != nil {
		return nil, fmt.Errorf("compile domain spec schema: %w", err)
	}

	return &JSONSchemaValidator{
		specSchema: compiled,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateSpec validates a domain specification document: structural schema
// first, then semantic checks the schema cannot express. If the document
// carries a params_schema, every attempt is validated against it.
func (v *JSONSchemaValidator) ValidateSpec(doc map[string]any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "domain spec is nil")
	}

	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize domain spec").WithCause(err)
	}
	if err := v.specSchema.Validate(val); err != nil {
		return toCrucibleError(err)
	}

	if err := validateSemantic(doc); err != nil {
		return err
	}

	return v.validateAttempts(doc)
}

// validateAttempts checks each attempt against the document's params_schema,
// when one is declared.
func (v *JSONSchemaValidator) validateAttempts(doc map[string]any) error {
	paramsSchema, ok := doc["params_schema"].(map[string]any)
	if !ok || len(paramsSchema) == 0 {
		return nil
	}
	raw, err := json.Marshal(paramsSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize params_schema").WithCause(err)
	}

	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid params_schema").WithCause(err)
	}

	attempts, _ := doc["attempts"].([]any)
	for i, attempt := range attempts {
		val, err := toJSONValue(attempt)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "failed to serialize attempt").WithCause(err)
		}
		if err := compiled.Validate(val); err != nil {
			cerr := toCrucibleError(err)
			return schema.NewErrorf(schema.ErrCodeValidation,
				"attempts[%d]: %s", i, cerr.Message).
				WithDetails(cerr.Details)
		}
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("crucible://params-schema/%d", len(v.cache))

	// Fresh compiler per dynamic schema to avoid resource collision.
	c := newSpecCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newSpecCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toCrucibleError converts a jsonschema.ValidationError into a CrucibleError
// with clear, actionable messages.
func toCrucibleError(err error) *schema.CrucibleError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*JSONSchemaValidator)(nil)
