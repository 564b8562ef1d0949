package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/restgate/restgate"
	"github.com/restgate/restgate/catalog"
)

func mustRaw(t *testing.T, s string) json.RawMessage {
	t.Helper()
	if !json.Valid([]byte(s)) {
		t.Fatalf("invalid JSON fixture: %s", s)
	}
	return json.RawMessage(s)
}

func getUsersOp() *catalog.Operation {
	return &catalog.Operation{
		OperationID: "getUsers",
		CatalogKey:  "getUsers",
		Method:      "GET",
		Path:        "/api/v2/users",
		Parameters: []catalog.Parameter{
			{Name: "pageSize", In: catalog.InQuery},
			{Name: "state", In: catalog.InQuery, Required: true},
		},
	}
}

func TestValidateParamsUnknownName(t *testing.T) {
	v := NewValidator(nil)
	err := v.ValidateParams(getUsersOp(), map[string]any{"state": "active", "bogus": 1})
	if restgate.StatusOf(err) != restgate.StatusUnknownParameter {
		t.Fatalf("expected UnknownParameter, got %v", err)
	}
}

func TestValidateParamsMissingRequired(t *testing.T) {
	v := NewValidator(nil)
	for _, params := range []map[string]any{
		{},
		{"state": nil},
		{"state": "  "},
	} {
		err := v.ValidateParams(getUsersOp(), params)
		if restgate.StatusOf(err) != restgate.StatusMissingRequiredParam {
			t.Fatalf("params %v: expected MissingRequiredParameter, got %v", params, err)
		}
	}
	if err := v.ValidateParams(getUsersOp(), map[string]any{"state": "active"}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
}

func TestValidateBodyOnGetRejected(t *testing.T) {
	v := NewValidator(nil)
	err := v.ValidateBody(getUsersOp(), map[string]any{"x": 1})
	if restgate.StatusOf(err) != restgate.StatusBodyNotAccepted {
		t.Fatalf("expected BodyNotAccepted, got %v", err)
	}
}

func analyticsOp(t *testing.T) *catalog.Operation {
	return &catalog.Operation{
		OperationID: "postAnalyticsConversationsDetailsQuery",
		CatalogKey:  "postAnalyticsConversationsDetailsQuery",
		Method:      "POST",
		Path:        "/api/v2/analytics/conversations/details/query",
		Parameters: []catalog.Parameter{
			{Name: "body", In: catalog.InBody, Required: true, Schema: mustRaw(t, `{
				"type": "object",
				"required": ["interval"],
				"properties": {
					"interval": {"type": "string"},
					"order": {"type": "string", "enum": ["asc", "desc"]},
					"paging": {"$ref": "#/definitions/PagingSpec"}
				}
			}`)},
		},
	}
}

func analyticsDefs(t *testing.T) map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"PagingSpec": mustRaw(t, `{
			"type": "object",
			"properties": {
				"pageSize": {"type": "integer"},
				"pageNumber": {"type": "integer"}
			}
		}`),
	}
}

func TestValidateBodyUnknownFieldCited(t *testing.T) {
	v := NewValidator(analyticsDefs(t))
	err := v.ValidateBody(analyticsOp(t), map[string]any{
		"interval":    "2026-02-01T00:00:00.000Z/2026-02-02T00:00:00.000Z",
		"madeUpField": "x",
	})
	if restgate.StatusOf(err) != restgate.StatusBodySchemaInvalid {
		t.Fatalf("expected BodySchemaValidationFailed, got %v", err)
	}
	var re *restgate.Error
	if !errors.As(err, &re) {
		t.Fatal("error does not carry details")
	}
	issues := re.Details.([]Issue)
	found := false
	for _, is := range issues {
		if is.Path == "$body.madeUpField" {
			found = true
		}
	}
	if !found {
		t.Fatalf("madeUpField not cited: %+v", issues)
	}
}

func TestValidateBodyMissingRequired(t *testing.T) {
	v := NewValidator(analyticsDefs(t))
	err := v.ValidateBody(analyticsOp(t), nil)
	if restgate.StatusOf(err) != restgate.StatusMissingRequiredBody {
		t.Fatalf("expected MissingRequiredBody, got %v", err)
	}
}

func TestValidateBodyNestedRefAndTypes(t *testing.T) {
	v := NewValidator(analyticsDefs(t))
	err := v.ValidateBody(analyticsOp(t), map[string]any{
		"interval": "2026-02-01/2026-02-02",
		"paging":   map[string]any{"pageSize": "not-a-number"},
	})
	var re *restgate.Error
	if !errors.As(err, &re) {
		t.Fatalf("expected validation error, got %v", err)
	}
	issues := re.Details.([]Issue)
	if len(issues) != 1 || issues[0].Path != "$body.paging.pageSize" {
		t.Fatalf("unexpected issues: %+v", issues)
	}

	if err := v.ValidateBody(analyticsOp(t), map[string]any{
		"interval": "2026-02-01/2026-02-02",
		"order":    "asc",
		"paging":   map[string]any{"pageSize": float64(25), "pageNumber": float64(1)},
	}); err != nil {
		t.Fatalf("valid body rejected: %v", err)
	}
}

func TestValidateBodyEnum(t *testing.T) {
	v := NewValidator(analyticsDefs(t))
	err := v.ValidateBody(analyticsOp(t), map[string]any{
		"interval": "2026-02-01/2026-02-02",
		"order":    "sideways",
	})
	var re *restgate.Error
	if !errors.As(err, &re) {
		t.Fatalf("expected enum violation, got %v", err)
	}
	issues := re.Details.([]Issue)
	if len(issues) != 1 || issues[0].Path != "$body.order" {
		t.Fatalf("unexpected issues: %+v", issues)
	}
}

func cyclicOp(t *testing.T) (*catalog.Operation, map[string]json.RawMessage) {
	op := &catalog.Operation{
		OperationID: "postNode",
		Method:      "POST",
		Path:        "/api/v2/nodes",
		Parameters: []catalog.Parameter{
			{Name: "body", In: catalog.InBody, Schema: mustRaw(t, `{"$ref": "#/definitions/Node"}`)},
		},
	}
	defs := map[string]json.RawMessage{
		"Node": mustRaw(t, `{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"child": {"$ref": "#/definitions/Node"}
			}
		}`),
	}
	return op, defs
}

func TestSchemaCycleResolvesToPassThrough(t *testing.T) {
	op, defs := cyclicOp(t)
	v := NewValidator(defs)
	// The nested child hits the Node cycle and passes whatever it holds.
	if err := v.ValidateBody(op, map[string]any{
		"name":  "root",
		"child": map[string]any{"anything": "goes", "deeper": map[string]any{"n": 1}},
	}); err != nil {
		t.Fatalf("cycle should pass-through, got %v", err)
	}
	// The outer level still validates strictly.
	err := v.ValidateBody(op, map[string]any{"name": 42})
	var re *restgate.Error
	if !errors.As(err, &re) {
		t.Fatalf("expected type violation at outer level, got %v", err)
	}
}

func oneOfOp(t *testing.T) *catalog.Operation {
	return &catalog.Operation{
		OperationID: "postShape",
		Method:      "POST",
		Path:        "/api/v2/shapes",
		Parameters: []catalog.Parameter{
			{Name: "body", In: catalog.InBody, Schema: mustRaw(t, `{
				"oneOf": [
					{"type": "object", "properties": {"radius": {"type": "number"}}, "required": ["radius"]},
					{"type": "object", "properties": {"width": {"type": "number"}}, "required": ["width"]}
				]
			}`)},
		},
	}
}

func TestOneOfExactlyOne(t *testing.T) {
	v := NewValidator(nil)
	op := oneOfOp(t)

	if err := v.ValidateBody(op, map[string]any{"radius": 2.0}); err != nil {
		t.Fatalf("single-match body rejected: %v", err)
	}

	// Empty body satisfies neither branch's required property.
	err := v.ValidateBody(op, map[string]any{})
	var re *restgate.Error
	if !errors.As(err, &re) {
		t.Fatalf("expected oneOf violation, got %v", err)
	}
	issues := re.Details.([]Issue)
	if !strings.Contains(issues[0].Message, "oneOf") {
		t.Fatalf("unexpected message: %+v", issues)
	}
}

func TestMalformedSchemaFragmentSurfacesAsIssue(t *testing.T) {
	// The property fragment is valid JSON but not a schema object, so
	// resolution fails. That must reject the body, not skip the property.
	op := &catalog.Operation{
		OperationID: "postThing",
		Method:      "POST",
		Path:        "/api/v2/things",
		Parameters: []catalog.Parameter{
			{Name: "body", In: catalog.InBody, Schema: mustRaw(t, `{
				"type": "object",
				"properties": {"x": 5}
			}`)},
		},
	}
	v := NewValidator(nil)
	err := v.ValidateBody(op, map[string]any{"x": "anything"})
	if restgate.StatusOf(err) != restgate.StatusBodySchemaInvalid {
		t.Fatalf("expected BodySchemaValidationFailed, got %v", err)
	}
	var re *restgate.Error
	if !errors.As(err, &re) {
		t.Fatal("error does not carry details")
	}
	issues := re.Details.([]Issue)
	if len(issues) != 1 || issues[0].Path != "$body.x" {
		t.Fatalf("unexpected issues: %+v", issues)
	}
	if !strings.Contains(issues[0].Message, "malformed") {
		t.Fatalf("defect not named: %+v", issues[0])
	}
}

func TestIssueCapAt25(t *testing.T) {
	op := &catalog.Operation{
		OperationID: "postWide",
		Method:      "POST",
		Path:        "/api/v2/wide",
		Parameters: []catalog.Parameter{
			{Name: "body", In: catalog.InBody, Schema: json.RawMessage(`{"type":"object","properties":{}}`)},
		},
	}
	v := NewValidator(nil)
	body := map[string]any{}
	for i := 0; i < 40; i++ {
		body["extra"+string(rune('a'+i%26))+string(rune('0'+i/26))] = i
	}
	err := v.ValidateBody(op, body)
	var re *restgate.Error
	if !errors.As(err, &re) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if issues := re.Details.([]Issue); len(issues) != MaxReportedIssues {
		t.Fatalf("expected %d reported issues, got %d", MaxReportedIssues, len(issues))
	}
}
