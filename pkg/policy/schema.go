package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// SchemaVerifier validates event payloads against a JSON Schema (draft 2020-12).
type SchemaVerifier struct {
	Scope
	name   string
	schema *jsonschema.Schema
}

// NewSchemaVerifier compiles schema for actions matching scope.
func NewSchemaVerifier(name, schema string, scope ...string) (*SchemaVerifier, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://accord.schemas.local/policy/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("policy schema compile failed: %w", err)
	}
	return &SchemaVerifier{Scope: scope, name: name, schema: compiled}, nil
}

func (s *SchemaVerifier) Name() string { return s.name }

func (s *SchemaVerifier) Check(_ context.Context, e eventstore.Event) Result {
	var doc any
	if err := json.Unmarshal(e.Payload, &doc); err != nil {
		return Fail(interfaces.SeverityMedium, "payload is not JSON: %v", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return Fail(interfaces.SeverityMedium, "schema validation failed: %v", err)
	}
	return Pass("")
}
