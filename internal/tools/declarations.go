package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// declarationsSchema validates the tool declaration file shape before
// anything is parsed out of it. Keeping the check here means a typo in
// the file fails startup instead of producing a half-registered tool.
const declarationsSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name", "description"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"parameters": {
				"type": "object",
				"properties": {
					"type": {"const": "object"},
					"properties": {
						"type": "object",
						"additionalProperties": {
							"type": "object",
							"properties": {
								"type": {"type": "string"},
								"description": {"type": "string"}
							}
						}
					},
					"required": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

// PropertySpec is one parameter in a declaration file.
type PropertySpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// DeclarationParams is the JSON-schema-shaped parameter block.
type DeclarationParams struct {
	Type       string                  `json:"type"`
	Properties map[string]PropertySpec `json:"properties"`
	Required   []string                `json:"required"`
}

// Declaration is one model-facing tool description loaded from the
// function declaration file at startup.
type Declaration struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  DeclarationParams `json:"parameters"`
}

// Params converts the declaration's schema into parameter descriptors.
// Only simple types survive; object/array and unknown types are
// coerced to string. Parameter order is name-sorted for determinism.
func (d *Declaration) Params() []Param {
	required := make(map[string]bool, len(d.Parameters.Required))
	for _, r := range d.Parameters.Required {
		required[r] = true
	}

	names := make([]string, 0, len(d.Parameters.Properties))
	for name := range d.Parameters.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]Param, 0, len(names))
	for _, name := range names {
		spec := d.Parameters.Properties[name]
		params = append(params, Param{
			Name:        name,
			Type:        coerceParamType(spec.Type),
			Description: spec.Description,
			Required:    required[name],
		})
	}
	return params
}

func coerceParamType(t string) ParamType {
	switch ParamType(strings.ToLower(t)) {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		return ParamType(strings.ToLower(t))
	default:
		return TypeString
	}
}

// LoadDeclarations reads and validates a tool declaration file.
func LoadDeclarations(path string) ([]Declaration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read declarations file: %w", err)
	}
	return ParseDeclarations(raw)
}

// ParseDeclarations validates the payload against the declarations
// schema and decodes it.
func ParseDeclarations(raw []byte) ([]Declaration, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("declarations.schema.json", strings.NewReader(declarationsSchema)); err != nil {
		return nil, fmt.Errorf("failed to load declarations schema: %w", err)
	}
	schema, err := compiler.Compile("declarations.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile declarations schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("declarations file is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("declarations file failed validation: %w", err)
	}

	var decls []Declaration
	if err := json.Unmarshal(raw, &decls); err != nil {
		return nil, fmt.Errorf("failed to decode declarations: %w", err)
	}
	return decls, nil
}
