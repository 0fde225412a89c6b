package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// overrideSchema constrains the portal override document: an object keyed by
// portal id whose values patch portal fields. The merge layer silently skips
// anything malformed, so this schema is for the surfaces that want loud
// feedback instead, the admin API and -validate.
const overrideSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "label":        {"type": "string"},
      "remoteOrigin": {"type": "string", "pattern": "^https?://"},
      "proxyPath":    {"type": "string", "pattern": "^/"},
      "adapter":      {"type": "string"},
      "favicon":      {"type": "string"},
      "proxyFavicon": {"type": "string"}
    },
    "additionalProperties": false
  }
}`

var (
	overrideSchemaOnce sync.Once
	overrideCompiled   *jsonschema.Schema
	overrideCompileErr error
)

func compiledOverrideSchema() (*jsonschema.Schema, error) {
	overrideSchemaOnce.Do(func() {
		var doc interface{}
		if err := json.Unmarshal([]byte(overrideSchema), &doc); err != nil {
			overrideCompileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("overrides.json", doc); err != nil {
			overrideCompileErr = err
			return
		}
		overrideCompiled, overrideCompileErr = c.Compile("overrides.json")
	})
	return overrideCompiled, overrideCompileErr
}

// ValidateOverrides checks an override document against the schema.
func ValidateOverrides(doc []byte) error {
	schema, err := compiledOverrideSchema()
	if err != nil {
		return fmt.Errorf("override schema: %w", err)
	}

	var instance interface{}
	if err := json.Unmarshal(doc, &instance); err != nil {
		return fmt.Errorf("override document is not valid JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("override document rejected: %w", err)
	}
	return nil
}

// LoadOverrides reads the override document. A missing file means no
// overrides and returns nil without error.
func LoadOverrides(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file: %w", err)
	}
	return data, nil
}
