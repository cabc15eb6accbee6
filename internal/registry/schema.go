package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidArguments is returned by a schema-guarded tool whose arguments
// fail validation.
var ErrInvalidArguments = errors.New("invalid tool arguments")

type schemaTool struct {
	Tool
	schema *jsonschema.Schema
}

// WithSchema wraps tool so that its arguments are validated against the JSON
// schema before the implementation runs. A validation failure is returned as
// the tool's error, which the executor records like any other failure.
func WithSchema(tool Tool, schema map[string]any) (Tool, error) {
	sch, err := compileSchema(tool.Name(), schema)
	if err != nil {
		return nil, err
	}
	return &schemaTool{Tool: tool, schema: sch}, nil
}

// MustWithSchema is WithSchema for static schemas; it panics if the schema
// does not compile.
func MustWithSchema(tool Tool, schema map[string]any) Tool {
	t, err := WithSchema(tool, schema)
	if err != nil {
		panic(err)
	}
	return t
}

func (s *schemaTool) Execute(ctx context.Context, args Args) (any, error) {
	if err := s.validate(args); err != nil {
		return nil, err
	}
	return s.Tool.Execute(ctx, args)
}

func (s *schemaTool) validate(args Args) error {
	// Round-trip through JSON so Go-typed values (ints, typed slices) match
	// the schema's JSON types.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("compileSchema: %s: %w", name, err)
	}
	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return nil, fmt.Errorf("compileSchema: %s: %w", name, err)
	}

	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, schemaObj); err != nil {
		return nil, fmt.Errorf("compileSchema: %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compileSchema: %s: %w", name, err)
	}
	return sch, nil
}
