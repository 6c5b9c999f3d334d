package workflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

// workflowSchema is the structural contract for a definition document.
// It catches shape errors (unknown keys, wrong types, missing fields)
// before semantic validation looks at the content.
const workflowSchema = `{
  "type": "object",
  "required": ["version", "name", "on", "jobs"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "name": {"type": "string", "minLength": 1},
    "on": {
      "type": "object",
      "additionalProperties": false,
      "minProperties": 1,
      "properties": {
        "push": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "branches": {"type": "array", "items": {"type": "string"}},
            "tags": {"type": "array", "items": {"type": "string"}}
          }
        },
        "pull_request": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "branches": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    },
    "jobs": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "steps"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "runs-on": {"type": "string"},
          "needs": {"type": "array", "items": {"type": "string"}},
          "env": {"type": "object", "additionalProperties": {"type": "string"}},
          "artifacts": {"type": "array", "items": {"type": "string"}},
          "strategy": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "fail-fast": {"type": "boolean"},
              "matrix": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["name", "values"],
                  "additionalProperties": false,
                  "properties": {
                    "name": {"type": "string", "minLength": 1},
                    "values": {"type": "array", "items": {"type": "string"}}
                  }
                }
              }
            }
          },
          "steps": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["name"],
              "additionalProperties": false,
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "run": {"type": "string"},
                "action": {"type": "string"},
                "shell": {"type": "string"},
                "with": {"type": "object", "additionalProperties": {"type": "string"}},
                "env": {"type": "object", "additionalProperties": {"type": "string"}},
                "cache": {
                  "type": "object",
                  "required": ["path", "key"],
                  "additionalProperties": false,
                  "properties": {
                    "path": {"type": "string", "minLength": 1},
                    "key": {"type": "string", "minLength": 1},
                    "hash-files": {"type": "array", "items": {"type": "string"}},
                    "scope": {"type": "string", "enum": ["shared", "matrix"]}
                  }
                },
                "if": {
                  "type": "object",
                  "additionalProperties": false,
                  "properties": {
                    "event": {"type": "string", "enum": ["push", "pull_request"]},
                    "ref": {"type": "string"},
                    "matrix": {"type": "object", "additionalProperties": {"type": "string"}}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schemaVal  *openapi3.Schema
	schemaErr  error
)

func compiledSchema() (*openapi3.Schema, error) {
	schemaOnce.Do(func() {
		s := &openapi3.Schema{}
		if err := json.Unmarshal([]byte(workflowSchema), s); err != nil {
			schemaErr = fmt.Errorf("compile workflow schema: %w", err)
			return
		}
		schemaVal = s
	})
	return schemaVal, schemaErr
}

// validateSchema checks the raw document against the structural schema.
// The document is decoded into a string-keyed map so the bare "on" key
// is not resolved as a YAML 1.1 boolean, then round-tripped through
// JSON so scalar types match what the schema visitor expects.
func validateSchema(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode workflow: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("decode workflow: document is empty")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize workflow document: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("normalize workflow document: %w", err)
	}

	if err := schema.VisitJSON(normalized); err != nil {
		return fmt.Errorf("workflow document is malformed: %w", err)
	}
	return nil
}
