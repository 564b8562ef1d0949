// Package schema validates call parameters and request bodies against the
// shapes declared in the operation catalog.
//
// Validation is strict: undeclared parameters and unknown body properties are
// rejected unless the declared schema explicitly permits extras. Structural
// validation collects every violation rather than stopping at the first; the
// caller caps reporting at MaxReportedIssues.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/restgate/restgate"
	"github.com/restgate/restgate/catalog"
)

// MaxReportedIssues bounds how many body violations surface to the caller.
const MaxReportedIssues = 25

// Issue is one body-schema violation with its locator.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Validator checks params and bodies for one catalog's operations.
type Validator struct {
	defs map[string]json.RawMessage
}

// NewValidator builds a validator over the catalog's definitions table.
func NewValidator(defs map[string]json.RawMessage) *Validator {
	if defs == nil {
		defs = map[string]json.RawMessage{}
	}
	return &Validator{defs: defs}
}

// ValidateParams rejects undeclared path/query parameter names and required
// path/query parameters that are absent, null, or empty-string. It never
// inspects body content.
func (v *Validator) ValidateParams(op *catalog.Operation, params map[string]any) error {
	for name := range params {
		p, ok := op.Param(name)
		if !ok || p.In == catalog.InBody {
			return restgate.Errorf(restgate.StatusUnknownParameter,
				"parameter %q is not declared for %s", name, op.OperationID)
		}
	}
	for _, p := range op.Parameters {
		if p.In == catalog.InBody || !p.Required {
			continue
		}
		val, ok := params[p.Name]
		if !ok || val == nil {
			return restgate.Errorf(restgate.StatusMissingRequiredParam,
				"required parameter %q is missing for %s", p.Name, op.OperationID)
		}
		if s, isStr := val.(string); isStr && strings.TrimSpace(s) == "" {
			return restgate.Errorf(restgate.StatusMissingRequiredParam,
				"required parameter %q is empty for %s", p.Name, op.OperationID)
		}
	}
	return nil
}

// ValidateBody checks the request body against the operation's declared body
// schema. GET operations and operations without a body parameter refuse any
// supplied body outright.
func (v *Validator) ValidateBody(op *catalog.Operation, body any) error {
	bodyParam, declared := op.BodyParam()
	if body != nil {
		if op.Method == "GET" {
			return restgate.Errorf(restgate.StatusBodyNotAccepted,
				"%s is a GET operation and does not accept a body", op.OperationID)
		}
		if !declared {
			return restgate.Errorf(restgate.StatusBodyNotAccepted,
				"%s does not declare a body parameter", op.OperationID)
		}
	}
	if body == nil {
		if declared && bodyParam.Required {
			return restgate.Errorf(restgate.StatusMissingRequiredBody,
				"%s requires a request body", op.OperationID)
		}
		return nil
	}
	if len(bodyParam.Schema) == 0 {
		return nil
	}

	root, err := v.resolve(bodyParam.Schema, nil)
	if err != nil {
		return fmt.Errorf("resolve body schema for %s: %w", op.OperationID, err)
	}

	var issues []Issue
	v.check(root, body, "$body", &issues)
	if len(issues) == 0 {
		return nil
	}
	if len(issues) > MaxReportedIssues {
		issues = issues[:MaxReportedIssues]
	}
	return restgate.Errorf(restgate.StatusBodySchemaInvalid,
		"body failed schema validation for %s (%d issue(s))", op.OperationID, len(issues)).
		WithDetails(issues)
}

// node is a decoded schema document. A nil node validates everything, which
// is how reference cycles terminate.
type node struct {
	Ref                  string                     `json:"$ref"`
	Type                 any                        `json:"type"`
	Properties           map[string]json.RawMessage `json:"properties"`
	Required             []string                   `json:"required"`
	Items                json.RawMessage            `json:"items"`
	Enum                 []any                      `json:"enum"`
	AllOf                []json.RawMessage          `json:"allOf"`
	AnyOf                []json.RawMessage          `json:"anyOf"`
	OneOf                []json.RawMessage          `json:"oneOf"`
	AdditionalProperties json.RawMessage            `json:"additionalProperties"`

	defs  map[string]json.RawMessage
	stack []string
}

// resolve decodes raw and follows $ref pointers against the definitions
// table. The stack carries every definition name currently being resolved;
// hitting one again means the schema graph has a cycle, which resolves to a
// pass-through schema instead of recursing forever.
func (v *Validator) resolve(raw json.RawMessage, stack []string) (*node, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var n node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("malformed schema fragment: %w", err)
	}
	if n.Ref != "" {
		name := refName(n.Ref)
		for _, seen := range stack {
			if seen == name {
				return nil, nil // cycle: pass-through
			}
		}
		target, ok := v.defs[name]
		if !ok {
			// Unknown definitions validate everything rather than failing the
			// call; the generator may have pruned unreferenced schemas.
			return nil, nil
		}
		return v.resolve(target, append(stack, name))
	}
	n.defs = v.defs
	n.stack = stack
	return &n, nil
}

func refName(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// check validates value against schema at path, appending every violation.
func (v *Validator) check(n *node, value any, path string, issues *[]Issue) {
	if n == nil {
		return
	}

	if len(n.AllOf) > 0 {
		for _, branch := range n.AllOf {
			sub, err := v.resolve(branch, n.stack)
			if err != nil {
				*issues = append(*issues, Issue{Path: path, Message: err.Error()})
				continue
			}
			v.check(sub, value, path, issues)
		}
	}
	if len(n.AnyOf) > 0 {
		if v.countPassing(n.AnyOf, value, path, n.stack) == 0 {
			*issues = append(*issues, Issue{Path: path, Message: "value matches none of the anyOf branches"})
		}
	}
	if len(n.OneOf) > 0 {
		if c := v.countPassing(n.OneOf, value, path, n.stack); c != 1 {
			*issues = append(*issues, Issue{Path: path,
				Message: fmt.Sprintf("value matches %d oneOf branches, expected exactly 1", c)})
		}
	}

	if len(n.Enum) > 0 && !enumContains(n.Enum, value) {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("value %v is not one of the allowed enum values", value)})
	}

	for _, typ := range typeList(n.Type) {
		switch typ {
		case "object":
			v.checkObject(n, value, path, issues)
			return
		case "array":
			v.checkArray(n, value, path, issues)
			return
		case "string", "number", "integer", "boolean":
			if !primitiveMatches(typ, value) {
				*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("expected %s, got %s", typ, jsonTypeName(value))})
			}
			return
		}
	}

	// No explicit type: infer object/array checks from declared members.
	if len(n.Properties) > 0 || len(n.AdditionalProperties) > 0 {
		if _, ok := value.(map[string]any); ok {
			v.checkObject(n, value, path, issues)
		}
	}
	if len(n.Items) > 0 {
		if _, ok := value.([]any); ok {
			v.checkArray(n, value, path, issues)
		}
	}
}

func (v *Validator) countPassing(branches []json.RawMessage, value any, path string, stack []string) int {
	count := 0
	for _, branch := range branches {
		sub, err := v.resolve(branch, stack)
		if err != nil {
			continue
		}
		var scratch []Issue
		v.check(sub, value, path, &scratch)
		if len(scratch) == 0 {
			count++
		}
	}
	return count
}

func (v *Validator) checkObject(n *node, value any, path string, issues *[]Issue) {
	obj, ok := value.(map[string]any)
	if !ok {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("expected object, got %s", jsonTypeName(value))})
		return
	}

	for _, req := range n.Required {
		if _, present := obj[req]; !present {
			*issues = append(*issues, Issue{Path: path + "." + req, Message: "required property is missing"})
		}
	}

	addBool, addSchema := additionalPolicy(n.AdditionalProperties)

	for key, val := range obj {
		propRaw, declared := n.Properties[key]
		if declared {
			sub, err := v.resolve(propRaw, n.stack)
			if err != nil {
				// A catalog defect must surface as a violation, not weaken
				// validation by skipping the property.
				*issues = append(*issues, Issue{Path: path + "." + key, Message: err.Error()})
				continue
			}
			v.check(sub, val, path+"."+key, issues)
			continue
		}
		switch {
		case addSchema != nil:
			sub, err := v.resolve(addSchema, n.stack)
			if err != nil {
				*issues = append(*issues, Issue{Path: path + "." + key, Message: err.Error()})
				continue
			}
			v.check(sub, val, path+"."+key, issues)
		case addBool:
			// extras permitted
		default:
			*issues = append(*issues, Issue{Path: path + "." + key, Message: "property is not declared in the schema"})
		}
	}
}

func (v *Validator) checkArray(n *node, value any, path string, issues *[]Issue) {
	arr, ok := value.([]any)
	if !ok {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("expected array, got %s", jsonTypeName(value))})
		return
	}
	if len(n.Items) == 0 {
		return
	}
	sub, err := v.resolve(n.Items, n.stack)
	if err != nil {
		*issues = append(*issues, Issue{Path: path, Message: err.Error()})
		return
	}
	for i, el := range arr {
		v.check(sub, el, fmt.Sprintf("%s[%d]", path, i), issues)
	}
}

// additionalPolicy decodes the additionalProperties field: absent means
// strict, boolean true permits extras, a schema validates each extra.
func additionalPolicy(raw json.RawMessage) (bool, json.RawMessage) {
	if len(raw) == 0 {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	return false, raw
}

func typeList(t any) []string {
	switch v := t.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, el := range v {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func primitiveMatches(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		return isJSONNumber(value)
	case "integer":
		switch n := value.(type) {
		case float64:
			return n == float64(int64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		case int, int64:
			return true
		}
		return false
	}
	return true
}

func isJSONNumber(value any) bool {
	switch value.(type) {
	case float64, json.Number, int, int64:
		return true
	}
	return false
}

func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}

func jsonTypeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, json.Number, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", value)
}
