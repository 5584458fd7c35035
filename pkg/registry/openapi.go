package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/mobilityone/whatsagent/pkg/llm"
)

// maxSchemaDescription caps the description forwarded to the model.
const maxSchemaDescription = 1000

var allowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
}

// operation is one parsed OpenAPI operation before embedding.
type operation struct {
	ID          string
	Method      string
	Path        string
	Description string
	Definition  llm.ToolDefinition
}

// parseDocument extracts the callable operations from a raw OpenAPI JSON
// document. Only the paths object is consumed; methods outside the allowed
// set are skipped. The result is ordered by path then method so repeated
// loads of the same document produce the same catalog.
func parseDocument(body []byte) ([]operation, error) {
	doc, err := openapi3.NewLoader().LoadFromData(body)
	if err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}

	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var ops []operation
	for _, path := range paths {
		item := doc.Paths[path]
		byMethod := item.Operations()

		methods := make([]string, 0, len(byMethod))
		for m := range byMethod {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			if !allowedMethods[method] {
				continue
			}
			op := byMethod[method]

			id := op.OperationID
			if id == "" {
				id = synthesizeID(method, path)
			}

			desc := strings.TrimSpace(op.Summary + " " + op.Description)
			if desc == "" {
				desc = method + " " + path
			}

			params, err := parametersSchema(item, op)
			if err != nil {
				return nil, fmt.Errorf("operation %s: %w", id, err)
			}

			ops = append(ops, operation{
				ID:          id,
				Method:      method,
				Path:        path,
				Description: desc,
				Definition: llm.ToolDefinition{
					Name:        id,
					Description: truncate(desc, maxSchemaDescription),
					Parameters:  params,
				},
			})
		}
	}
	return ops, nil
}

// synthesizeID derives an operation id from method and path when the
// document omits one: "/api/vehicle/{id}" with GET becomes "get_api_vehicle_id".
func synthesizeID(method, path string) string {
	clean := strings.NewReplacer("{", "", "}", "", "/", "_").Replace(path)
	clean = strings.Trim(clean, "_")
	return strings.ToLower(method) + "_" + clean
}

// parametersSchema merges path-item and operation parameters with the
// request-body properties (JSON and form-urlencoded) into one JSON Schema
// object for the model.
func parametersSchema(item *openapi3.PathItem, op *openapi3.Operation) (json.RawMessage, error) {
	properties := map[string]interface{}{}
	required := []string{}

	addParam := func(ref *openapi3.ParameterRef) {
		if ref == nil || ref.Value == nil {
			return
		}
		p := ref.Value
		properties[p.Name] = propertySchema(p.Schema, p.Description)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	for _, ref := range item.Parameters {
		addParam(ref)
	}
	for _, ref := range op.Parameters {
		addParam(ref)
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		content := op.RequestBody.Value.Content
		media := content.Get("application/json")
		if media == nil || media.Schema == nil {
			media = content.Get("application/x-www-form-urlencoded")
		}
		if media != nil && media.Schema != nil && media.Schema.Value != nil {
			body := media.Schema.Value

			names := make([]string, 0, len(body.Properties))
			for name := range body.Properties {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				prop := body.Properties[name]
				var desc string
				if prop != nil && prop.Value != nil {
					desc = prop.Value.Description
				}
				properties[name] = propertySchema(prop, desc)
			}
			required = append(required, body.Required...)
		}
	}

	schema, err := json.Marshal(map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})
	if err != nil {
		return nil, fmt.Errorf("encode parameters schema: %w", err)
	}
	return schema, nil
}

func propertySchema(ref *openapi3.SchemaRef, description string) map[string]string {
	typ := "string"
	if ref != nil && ref.Value != nil && ref.Value.Type != "" {
		typ = ref.Value.Type
	}
	return map[string]string{"type": typ, "description": description}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
