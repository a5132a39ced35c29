package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"llm-router/internal/domain"
)

const routeRequestSchema = `{
	"type": "object",
	"properties": {
		"text":     {"type": "string", "minLength": 1, "maxLength": 65536},
		"mode":     {"type": "string"},
		"category": {"type": "string"}
	},
	"anyOf": [{"required": ["text"]}, {"required": ["category"]}],
	"additionalProperties": false
}`

const completeRequestSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string", "minLength": 1, "maxLength": 65536},
		"mode": {"type": "string"}
	},
	"required": ["text"],
	"additionalProperties": false
}`

const healthRequestSchema = `{
	"type": "object",
	"properties": {
		"health": {"type": "string"}
	},
	"required": ["health"],
	"additionalProperties": false
}`

var (
	routeSchema    = mustCompile(routeRequestSchema)
	completeSchema = mustCompile(completeRequestSchema)
	healthSchema   = mustCompile(healthRequestSchema)
)

func mustCompile(schema string) *jsonschema.Schema {
	compiled, err := jsonschema.NewCompiler().Compile([]byte(schema))
	if err != nil {
		panic(fmt.Sprintf("gateway: compile schema: %v", err))
	}
	return compiled
}

// decodeValidated checks body against schema and then decodes it into dst.
func decodeValidated(body []byte, schema *jsonschema.Schema, dst any) error {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.NewDomainError("gateway.decode", domain.ErrInvalidInput, "malformed JSON body")
	}
	if result := schema.Validate(raw); !result.IsValid() {
		return domain.NewDomainError("gateway.decode", domain.ErrInvalidInput, fmt.Sprintf("%s", result.Error()))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return domain.NewDomainError("gateway.decode", domain.ErrInvalidInput, err.Error())
	}
	return nil
}
