package config

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/invopop/jsonschema"
)

// SchemaVersion is stamped on generated schemas. Bump it when a field is
// renamed or removed.
const SchemaVersion = "1.0.0"

// Schema reflects Config into a JSON schema. Property names follow the
// yaml tags, so the schema validates the files written by InitConfig.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		FieldNameTag:              "yaml",
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = "DittoShare Configuration"
	schema.Description = "Configuration schema for the DittoShare scheduler, share and data services"
	schema.Version = SchemaVersion
	return schema
}

// WriteSchema writes the indented schema to w.
//
// Parameters:
//   - w: Destination, typically a file or stdout
//
// Returns:
//   - error: Marshaling or write error
func WriteSchema(w io.Writer) error {
	data, err := json.MarshalIndent(Schema(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}
	return nil
}
