// Package contract validates decision documents at the execution boundary.
// Everything an executor applies must first pass the schema; a document that
// fails here is rejected before any snapshot or mutation happens.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// decisionSchema is the wire contract for a decision. Action types are an
// open set here: the executor treats unknown types as explicit no-ops, so the
// schema constrains shape, not the allowlist.
const decisionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["hash", "entity_id", "actions"],
	"properties": {
		"hash": {"type": "string", "minLength": 1},
		"entity_id": {"type": "integer", "minimum": 1},
		"score": {"type": "number"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"risk_level": {"type": "string", "enum": ["low", "medium", "high"]},
		"actions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"value": {"type": "string"}
				}
			}
		}
	}
}`

// Action is one mutation instruction inside a decision document.
type Action struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
}

// Document is a decoded, schema-valid decision.
type Document struct {
	Hash       string   `json:"hash"`
	EntityID   int64    `json:"entity_id"`
	Score      float64  `json:"score,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	RiskLevel  string   `json:"risk_level,omitempty"`
	Actions    []Action `json:"actions"`
}

// ValidationError describes a contract failure. The raw document is kept for
// audit trails; it never reaches the mutation path.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

// Validator checks decision documents against the compiled contract schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the decision contract.
func NewValidator() (*Validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires for correct minimum/maximum handling.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal contract schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.json", doc); err != nil {
		return nil, fmt.Errorf("add contract resource: %w", err)
	}
	schema, err := c.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("compile contract schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a raw decision document and returns the decoded form.
func (v *Validator) Validate(raw []byte) (*Document, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, &ValidationError{
			Message: fmt.Sprintf("invalid JSON: %s", err),
			Raw:     string(raw),
		}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return nil, &ValidationError{
			Message: fmt.Sprintf("contract validation failed: %s", err),
			Raw:     string(raw),
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{
			Message: fmt.Sprintf("decode decision: %s", err),
			Raw:     string(raw),
		}
	}
	return &doc, nil
}
