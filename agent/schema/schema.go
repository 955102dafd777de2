// Package schema wraps github.com/santhosh-tekuri/jsonschema/v6 to validate
// structured output against a named schema extracted from a $defs file, the
// shape the outputSchemaRef and json response-format contracts both use.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles and caches schemas loaded from $defs files, keyed by
// (file, name), since the same file backs both outputSchemaRef and several
// completionConditions schema validators within one run.
type Validator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// New returns an empty schema Validator.
func New() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// ValidationError carries the jsonschema failures for a single Validate
// call, in the shape the Closer and format validator both need: a flat
// list of human-readable field-path messages.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %v", e.Errors)
}

// Validate compiles (or reuses) the named schema from file and validates
// doc against it. file is a JSON Schema document with $defs; name selects
// the definition within it.
func (v *Validator) Validate(file, name string, doc map[string]any) error {
	s, err := v.compile(file, name)
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		ve := &jsonschema.ValidationError{}
		if ok := asValidationError(err, ve); ok {
			return &ValidationError{Errors: flatten(ve)}
		}
		return &ValidationError{Errors: []string{err.Error()}}
	}
	return nil
}

func (v *Validator) compile(file, name string) (*jsonschema.Schema, error) {
	key := file + "#" + name
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read schema file %q: %w", file, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema file %q: %w", file, err)
	}

	resourceURL := "mem://" + file
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	ref := resourceURL
	if name != "" {
		ref = resourceURL + "#/$defs/" + name
	}
	schema, err := c.Compile(ref)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", ref, err)
	}
	v.cache[key] = schema
	return schema, nil
}

func asValidationError(err error, target *jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = *ve
	return true
}

func flatten(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, fmt.Sprintf("%s: %s", e.InstanceLocation, e.Error()))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
