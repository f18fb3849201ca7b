package persona

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// Load reads a persona override file (YAML) and validates it against the
// embedded schema. A file that was explicitly configured but does not parse
// or validate is an error — the caller should treat it as fatal at startup
// rather than silently falling back to the compiled-in persona.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read override file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a persona override document.
func Parse(data []byte) (*Persona, error) {
	// Decode once into a generic value for schema validation, once into the
	// typed struct. The schema runs first so error messages point at the
	// offending field instead of a half-filled struct.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("persona: parse override file: %w", err)
	}

	if err := compiledSchema().Validate(generic); err != nil {
		return nil, fmt.Errorf("persona: invalid override file: %w", err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("persona: decode override file: %w", err)
	}
	return &p, nil
}

// compiledSchema compiles the embedded schema. The document is part of the
// binary, so a compile failure is a programming error.
func compiledSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("persona-schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("persona: add schema resource: %v", err))
	}
	schema, err := compiler.Compile("persona-schema.json")
	if err != nil {
		panic(fmt.Sprintf("persona: compile schema: %v", err))
	}
	return schema
}
