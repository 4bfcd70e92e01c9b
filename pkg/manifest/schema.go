package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed manifest.schema.json
var schemaJSON []byte

const schemaURL = "https://eve.schemas.local/manifest.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func manifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("manifest schema compile failed: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// ValidateJSON checks a manifest document against the embedded schema.
func ValidateJSON(data []byte) error {
	s, err := manifestSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("manifest schema validation failed: %w", err)
	}
	return nil
}

// Validate checks m against the embedded schema.
func (m *Manifest) Validate() error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return ValidateJSON(data)
}
