package dispatch

import (
	"context"
	"encoding/json"

	errs "github.com/clusterlens/bundleserver/internal/errors"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is a named operation invocable over the protocol. Params are validated
// against the tool's schema before the handler runs.
type Tool struct {
	Name        string
	Description string
	schema      *jsonschema.Schema
	Handler     func(ctx context.Context, params json.RawMessage) (interface{}, error)
}

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	return jsonschema.MustCompileString("inmemory://"+name+".json", schema)
}

func (t *Tool) validateParams(params json.RawMessage) error {
	var value interface{}
	if len(params) == 0 {
		value = map[string]interface{}{}
	} else if err := json.Unmarshal(params, &value); err != nil {
		return errs.Wrap(errs.KindInvalidInput, t.Name, err)
	}
	if err := t.schema.Validate(value); err != nil {
		return errs.Wrap(errs.KindInvalidInput, t.Name, err)
	}
	return nil
}

const initializeBundleSchema = `{
	"type": "object",
	"properties": {
		"source": {"type": "string", "minLength": 1},
		"force": {"type": "boolean"}
	},
	"required": ["source"],
	"additionalProperties": false
}`

const listBundlesSchema = `{
	"type": "object",
	"properties": {
		"includeInvalid": {"type": "boolean"}
	},
	"additionalProperties": false
}`

const listFilesSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"recursive": {"type": "boolean"}
	},
	"additionalProperties": false
}`

const readFileSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"offset": {"type": "integer", "minimum": 0},
		"length": {"type": "integer", "minimum": 0}
	},
	"required": ["path"],
	"additionalProperties": false
}`

const grepFilesSchema = `{
	"type": "object",
	"properties": {
		"pattern": {"type": "string"},
		"path": {"type": "string"},
		"recursive": {"type": "boolean"},
		"caseSensitive": {"type": "boolean"}
	},
	"required": ["pattern"],
	"additionalProperties": false
}`

const kubectlSchema = `{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"timeout": {"type": "integer", "minimum": 1},
		"jsonOutput": {"type": "boolean"}
	},
	"required": ["command"],
	"additionalProperties": false
}`

func (s *Server) registerTools() {
	register := func(name, description, schema string, handler func(ctx context.Context, params json.RawMessage) (interface{}, error)) {
		s.tools[name] = &Tool{
			Name:        name,
			Description: description,
			schema:      mustCompileSchema(name, schema),
			Handler:     handler,
		}
	}

	register("initialize_bundle", "Extract a support bundle archive and make it the active bundle", initializeBundleSchema, s.handleInitializeBundle)
	register("list_bundles", "List archives in the storage directory", listBundlesSchema, s.handleListBundles)
	register("list_files", "List files inside the active bundle", listFilesSchema, s.handleListFiles)
	register("read_file", "Read a file from the active bundle", readFileSchema, s.handleReadFile)
	register("grep_files", "Search filenames and file contents inside the active bundle", grepFilesSchema, s.handleGrepFiles)
	register("kubectl", "Run a kubectl command against the active bundle's data", kubectlSchema, s.handleKubectl)
}
