package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is the JSON Schema for pgasync config files
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "connection": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string"},
        "driver": {"type": "string", "minLength": 1},
        "dsn": {"type": "string"},
        "connect_timeout_ms": {"type": "integer", "minimum": 0},
        "operation_timeout_ms": {"type": "integer", "minimum": 0},
        "warn_after_ms": {"type": "integer", "minimum": 0}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "console": {"type": "boolean"},
        "pretty": {"type": "boolean"},
        "max_size": {"type": "integer", "minimum": 0},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"}
      }
    },
    "tracing": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "audit": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "file": {"type": "string"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(Schema)

// ValidateSchema validates a raw config document against Schema
func ValidateSchema(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}

	return nil
}
