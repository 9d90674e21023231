package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nova-labs/ttsrelay/internal/apperr"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schemaSet holds the compiled request-body schemas for the two
// bearer-protected endpoints.
type schemaSet struct {
	chat   *jsonschema.Schema
	speech *jsonschema.Schema
}

func loadSchemas() (*schemaSet, error) {
	compiler := jsonschema.NewCompiler()

	for _, name := range []string{"chat_request.schema.json", "speech_request.schema.json"} {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read embedded schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	chat, err := compiler.Compile("chat_request.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile chat schema: %w", err)
	}
	speech, err := compiler.Compile("speech_request.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile speech schema: %w", err)
	}
	return &schemaSet{chat: chat, speech: speech}, nil
}

// validateJSON decodes raw into a generic value and validates it against
// schema, returning a BadRequest apperr on either decode or schema failure.
func validateJSON(schema *jsonschema.Schema, raw []byte, into any) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apperr.Wrap(apperr.BadRequest, "malformed JSON body", err)
	}
	if err := schema.Validate(payload); err != nil {
		return apperr.Wrap(apperr.BadRequest, "request body failed schema validation", err)
	}
	if into != nil {
		if err := json.Unmarshal(raw, into); err != nil {
			return apperr.Wrap(apperr.BadRequest, "malformed JSON body", err)
		}
	}
	return nil
}
