package envelope

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed envelope.schema.json
var envelopeSchema string

const envelopeSchemaURL = "https://tether.dev/schemas/envelope.json"

// Validator checks raw inbound envelopes against the wire schema before they are
// decoded. It is safe for concurrent use once constructed.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded envelope schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse envelope schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to register envelope schema: %w", err)
	}

	schema, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile envelope schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// Decode validates raw against the schema and unmarshals it into an Envelope.
func (v *Validator) Decode(raw []byte) (*Envelope, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("envelope failed schema validation: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}
