package validation

// Validator checks domain specification documents before a run starts.
// Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateSpec(doc map[string]any) error
}
