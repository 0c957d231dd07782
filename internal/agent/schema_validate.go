package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var toolSchemaCache sync.Map

func compileToolSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(schema)
	if cached, ok := toolSchemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	toolSchemaCache.Store(key, compiled)
	return compiled, nil
}

// validateToolArgs checks a tool call's input against its JSON Schema before
// dispatch, so malformed arguments surface as a clear tool error instead of
// reaching the tool implementation.
func validateToolArgs(t Tool, input json.RawMessage) error {
	schema := t.Schema()
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileToolSchema(t.Name(), schema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name(), err)
	}

	var decoded interface{}
	if len(input) == 0 {
		decoded = map[string]interface{}{}
	} else if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decode arguments for %s: %w", t.Name(), err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid for %s: %w", t.Name(), err)
	}
	return nil
}
