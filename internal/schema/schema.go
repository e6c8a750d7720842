package schema

import (
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

var ErrInvalidInput = errors.New("invalid input")

// Load parses the OpenAPI document a model reports at startup.
func Load(bs []byte) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(bs)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI schema: %w", err)
	}
	return doc, nil
}

func component(doc *openapi3.T, name string) *openapi3.Schema {
	if doc == nil || doc.Components == nil {
		return nil
	}
	ref, ok := doc.Components.Schemas[name]
	if !ok || ref == nil {
		return nil
	}
	return ref.Value
}

// OutputIsMulti reports whether the model streams its output, i.e. the
// Output schema is an iterator-typed array.
func OutputIsMulti(doc *openapi3.T) bool {
	out := component(doc, "Output")
	if out == nil || out.Type == nil || !out.Type.Is(openapi3.TypeArray) {
		return false
	}
	kind, ok := out.Extensions["x-cog-array-type"]
	if !ok {
		return false
	}
	s, ok := kind.(string)
	return ok && (s == "iterator" || s == "concatenate-iterator")
}

// ValidateInput checks input against the Input schema. A document without
// an Input schema accepts anything.
func ValidateInput(doc *openapi3.T, input any) error {
	in := component(doc, "Input")
	if in == nil {
		return nil
	}
	if err := in.VisitJSON(input, openapi3.MultiErrors()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// PathFields returns the names of Input properties that hold files, either a
// single URI string or an array of them.
func PathFields(doc *openapi3.T) []string {
	in := component(doc, "Input")
	if in == nil {
		return nil
	}
	var fields []string
	for name, ref := range in.Properties {
		if ref == nil || ref.Value == nil {
			continue
		}
		if isURI(ref.Value) {
			fields = append(fields, name)
			continue
		}
		if ref.Value.Type != nil && ref.Value.Type.Is(openapi3.TypeArray) && ref.Value.Items != nil && ref.Value.Items.Value != nil && isURI(ref.Value.Items.Value) {
			fields = append(fields, name)
		}
	}
	return fields
}

func isURI(s *openapi3.Schema) bool {
	return s.Type != nil && s.Type.Is(openapi3.TypeString) && s.Format == "uri"
}
