package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

var reflector = jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// reflectSchema renders the JSON Schema for T. Validator tags do not feed the
// schema; fields without omitempty are reported as required.
func reflectSchema[T any]() json.RawMessage {
	var v T
	b, err := json.Marshal(reflector.Reflect(&v))
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
