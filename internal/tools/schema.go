package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ReflectSchema derives a JSON schema for a tool's parameter struct. The
// struct's json tags name the properties; fields without omitempty are
// required.
func ReflectSchema(v any) json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: reflecting schema for %T: %v", v, err))
	}
	return raw
}

// EmptySchema is the schema of a tool that takes no arguments.
func EmptySchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
}
