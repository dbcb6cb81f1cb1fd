package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/flowgate/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://flowgate.dev/schemas/"

// workflowSchemaJSON describes the persisted workflow document. Step
// configuration is checked separately against its type's schema.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "isActive": { "type": "boolean" },
    "triggerType": { "enum": ["", "manual", "webhook", "scheduled"] },
    "triggerConfig": {
      "type": "object",
      "properties": {
        "cron": { "type": "string" },
        "interval": { "type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" },
        "async": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "type": { "enum": ["trigger", "search", "action", "condition", "transform", "output", "approval"] }
        }
      }
    },
    "edges": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": { "type": "string", "minLength": 1 },
          "target": { "type": "string", "minLength": 1 },
          "sourceHandle": { "type": "string" },
          "targetHandle": { "type": "string" }
        }
      }
    }
  }
}`

const durationPattern = `"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"`

// stepConfigSchemas holds the config schema of each step type.
var stepConfigSchemas = map[schema.StepType]string{
	schema.StepTypeTrigger: `{"type": "object"}`,
	schema.StepTypeSearch: `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 100 },
    "useLLM": { "type": "boolean" },
    "prompt": { "type": "string" },
    "maxTokens": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false
}`,
	schema.StepTypeAction: `{
  "type": "object",
  "properties": {
    "kind": { "enum": ["http", "llm"] },
    "method": { "type": "string" },
    "url": { "type": "string", "minLength": 1 },
    "headers": { "type": "object", "additionalProperties": { "type": "string" } },
    "body": {},
    "prompt": { "type": "string", "minLength": 1 },
    "maxTokens": { "type": "integer", "minimum": 1 },
    "continueOnError": { "type": "boolean" }
  },
  "if": { "properties": { "kind": { "const": "llm" } }, "required": ["kind"] },
  "then": { "required": ["prompt"] },
  "else": { "required": ["url"] },
  "additionalProperties": false
}`,
	schema.StepTypeCondition: `{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": { "type": "string", "minLength": 1 },
    "language": { "enum": ["cel", "expr"] }
  },
  "additionalProperties": false
}`,
	schema.StepTypeTransform: `{
  "type": "object",
  "properties": {
    "mode": { "enum": ["template", "jq", "expr"] },
    "template": {},
    "expression": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.StepTypeOutput: `{
  "type": "object",
  "properties": { "value": {} },
  "additionalProperties": false
}`,
	schema.StepTypeApproval: `{
  "type": "object",
  "properties": {
    "message": { "type": "string" },
    "timeout": { "type": "string", "pattern": ` + durationPattern + ` },
    "approvers": { "type": "array", "items": { "type": "string" } }
  },
  "additionalProperties": false
}`,
}

// JSONSchemaValidator validates workflow documents and step configs with
// JSON Schema Draft 2020-12. Schemas are compiled once; it is safe for
// concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	stepSchemas    map[schema.StepType]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema and every step config schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	wf, err := compileSchema(c, "workflow.json", workflowSchemaJSON)
	if err != nil {
		return nil, err
	}

	v := &JSONSchemaValidator{
		workflowSchema: wf,
		stepSchemas:    make(map[schema.StepType]*jsonschema.Schema, len(stepConfigSchemas)),
	}
	for typ, src := range stepConfigSchemas {
		compiled, err := compileSchema(c, "steps/"+string(typ)+".json", src)
		if err != nil {
			return nil, err
		}
		v.stepSchemas[typ] = compiled
	}
	return v, nil
}

func compileSchema(c *jsonschema.Compiler, name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	url := schemaBaseURL + name
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// ValidateStructure checks the workflow document and then each step's
// config against its type's schema.
func (v *JSONSchemaValidator) ValidateStructure(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize workflow definition: "+err.Error())
		return result
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		addViolations(result, "", err)
		return result
	}

	for _, step := range def.Steps {
		if err := v.ValidateStepConfig(step); err != nil {
			addViolations(result, stepPath(step.ID)+".config", err)
		}
	}
	return result
}

// ValidateStepConfig validates a single step's config against its type's schema.
// An absent config is validated as an empty object.
func (v *JSONSchemaValidator) ValidateStepConfig(step schema.Step) error {
	compiled, ok := v.stepSchemas[step.Type]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).WithStep(step.ID)
	}

	raw := strings.TrimSpace(string(step.Config))
	if raw == "" || raw == "null" {
		raw = "{}"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "config is not valid JSON: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return err
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// addViolations flattens a schema validation error into result issues.
func addViolations(result *schema.ValidationResult, prefix string, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		path := prefix
		if path == "" {
			path = "/"
		}
		result.AddError(path, schema.ErrCodeValidation, err.Error())
		return
	}
	for _, v := range collectViolations(verr) {
		result.AddError(prefix+v.location, schema.ErrCodeValidation, v.message)
	}
}

type violation struct {
	location string
	message  string
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{location: loc, message: fmt.Sprintf("%s: %s", loc, verr.Error())}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

func stepPath(id string) string {
	return "steps[" + id + "]"
}
