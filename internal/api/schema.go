package api

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resolveSchemaURL = "https://holdline.schemas.local/api/resolve.schema.json"

const resolveSchemaJSON = `{
	"type": "object",
	"properties": {
		"status": {
			"type": "string",
			"enum": ["approved", "rejected", "completed", "error"]
		},
		"result": {}
	},
	"required": ["status"],
	"additionalProperties": false
}`

var resolveSchema = mustCompile(resolveSchemaURL, resolveSchemaJSON)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("api: load schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// decodeResolveRequest validates the body against the resolve schema before
// decoding it.
func decodeResolveRequest(body io.Reader) (resolveRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return resolveRequest{}, fmt.Errorf("read body: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return resolveRequest{}, fmt.Errorf("invalid JSON")
	}
	if err := resolveSchema.Validate(doc); err != nil {
		return resolveRequest{}, fmt.Errorf("invalid request: %w", err)
	}
	var req resolveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return resolveRequest{}, fmt.Errorf("invalid JSON")
	}
	return req, nil
}
