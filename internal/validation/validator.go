package validation

// Validator checks JSON documents against JSON Schema (Draft 2020-12) before
// anything executes. Failures are VALIDATION_ERRORs.
type Validator interface {
	// CheckSchema reports whether schemaBytes is a compilable JSON Schema.
	CheckSchema(schemaBytes []byte) error
	// Validate checks value (any JSON-serializable Go value) against schemaBytes.
	Validate(value any, schemaBytes []byte) error
}

var _ Validator = (*JSONSchemaValidator)(nil)
