package checks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"github.com/triage-ai/palisade/services/tool_gate/internal/validation"
)

// SchemaCheck validates parameters against the registered tool's argument
// JSON Schema. Unregistered tools and tools without a schema pass.
type SchemaCheck struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema // by schema digest
}

func NewSchemaCheck() *SchemaCheck {
	return &SchemaCheck{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *SchemaCheck) Name() string {
	return "schema"
}

func (c *SchemaCheck) Run(_ context.Context, req *validation.CheckRequest) (*validation.Findings, error) {
	if req.ToolDef == nil || req.ToolDef.ArgumentSchema == nil {
		return nil, nil
	}
	f := &validation.Findings{}

	sch, err := c.schemaFor(req.ToolDef.ArgumentSchema)
	if err != nil {
		f.AddWarning(validation.Warning{
			Type:    validation.ErrorSchema,
			Message: fmt.Sprintf("argument schema for %s is unusable: %v", req.ToolName, err),
			Impact:  validation.SeverityLow,
		})
		return f, nil
	}

	inst, err := instance(req.Parameters)
	if err != nil {
		f.AddError(validation.Error{
			Type:     validation.ErrorSchema,
			Severity: validation.SeverityHigh,
			Message:  fmt.Sprintf("parameters are not valid JSON: %v", err),
		})
		return f, nil
	}

	if err := sch.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			f.AddError(validation.Error{
				Type:     validation.ErrorSchema,
				Severity: validation.SeverityHigh,
				Message:  "schema validation failed: " + err.Error(),
			})
			return f, nil
		}
		for _, leaf := range leaves(ve) {
			for _, e := range schemaErrors(leaf) {
				f.AddError(e)
			}
		}
	}
	return f, nil
}

func (c *SchemaCheck) schemaFor(schema map[string]any) (*jsonschema.Schema, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	sum := sha256.Sum256(schemaBytes)
	digest := hex.EncodeToString(sum[:])

	c.mu.Lock()
	sch, ok := c.compiled[digest]
	c.mu.Unlock()
	if ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err = compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.mu.Lock()
	c.compiled[digest] = sch
	c.mu.Unlock()
	return sch, nil
}

// instance re-encodes params into the value model the validator expects.
func instance(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// leaves flattens the cause tree to its most specific errors.
func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func schemaErrors(ve *jsonschema.ValidationError) []validation.Error {
	loc := strings.Join(ve.InstanceLocation, ".")
	field := loc
	if field == "" {
		field = "(root)"
	}

	switch k := ve.ErrorKind.(type) {
	case *kind.Required:
		out := make([]validation.Error, 0, len(k.Missing))
		for _, m := range k.Missing {
			p := joinPath(loc, m)
			out = append(out, validation.Error{
				Type:         validation.ErrorSchema,
				Severity:     validation.SeverityHigh,
				Message:      "missing required parameter: " + p,
				Field:        p,
				SuggestedFix: fmt.Sprintf("add the required parameter %q", p),
			})
		}
		return out
	case *kind.Type:
		want := strings.Join(k.Want, " or ")
		return []validation.Error{{
			Type:         validation.ErrorSchema,
			Severity:     validation.SeverityHigh,
			Message:      fmt.Sprintf("invalid type for %s: expected %s, got %s", field, want, k.Got),
			Field:        loc,
			SuggestedFix: fmt.Sprintf("pass %s as %s", field, want),
		}}
	case *kind.AdditionalProperties:
		props := append([]string(nil), k.Properties...)
		sort.Strings(props)
		return []validation.Error{{
			Type:         validation.ErrorSchema,
			Severity:     validation.SeverityMedium,
			Message:      "unknown properties: " + strings.Join(props, ", "),
			Field:        loc,
			SuggestedFix: "remove " + strings.Join(props, ", "),
		}}
	case *kind.Enum:
		return []validation.Error{{
			Type:         validation.ErrorSchema,
			Severity:     validation.SeverityHigh,
			Message:      fmt.Sprintf("invalid value for %s: %v is not one of %v", field, k.Got, k.Want),
			Field:        loc,
			SuggestedFix: fmt.Sprintf("use one of %v for %s", k.Want, field),
		}}
	default:
		return []validation.Error{{
			Type:     validation.ErrorSchema,
			Severity: validation.SeverityHigh,
			Message:  fmt.Sprintf("invalid value for %s: failed %s constraint", field, strings.Join(ve.ErrorKind.KeywordPath(), "/")),
			Field:    loc,
		}}
	}
}
