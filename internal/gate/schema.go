package gate

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schema.json
var graphSchema []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// ValidateDocument checks the structural shape of a gate-graph JSON
// document before it is decoded. Semantic DAG validation (Validate) runs
// after decoding.
func ValidateDocument(data []byte) error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		schema, schemaErr = compiler.Compile(graphSchema)
	})
	if schemaErr != nil {
		return fmt.Errorf("compile gate graph schema: %w", schemaErr)
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("gate graph document malformed: %v", result.Errors)
}
