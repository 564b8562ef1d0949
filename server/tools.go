package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/restgate/restgate"
	"github.com/restgate/restgate/engine"
	"github.com/restgate/restgate/internal/jsonrpc"
	"github.com/restgate/restgate/internal/logctx"
	"github.com/restgate/restgate/sessions"
	"github.com/restgate/restgate/transport"
)

// toolDef pairs a tool descriptor with its handler.
type toolDef struct {
	name        string
	description string
	inputSchema *jsonschema.Schema
	handler     func(ctx context.Context, args json.RawMessage) (any, error)
}

// toolResult is the wire shape of one tool outcome. Failures ride inside a
// successful JSON-RPC response so the session stays usable.
type toolResult struct {
	IsError    bool          `json:"isError,omitempty"`
	Content    []toolContent `json:"content"`
	Structured any           `json:"structuredContent,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type describeArgs struct {
	OperationID string `json:"operationId" jsonschema:"required,description=Catalog key or operationId to describe"`
}

type searchArgs struct {
	Query  string `json:"query" jsonschema:"required,description=Case-insensitive substring matched against id/method/path/summary/tags"`
	Method string `json:"method,omitempty" jsonschema:"description=Optional HTTP method filter"`
	Tag    string `json:"tag,omitempty" jsonschema:"description=Optional tag filter"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum results (default 25)"`
}

type callArgs struct {
	OperationID string                 `json:"operationId" jsonschema:"required,description=Catalog key or operationId to invoke"`
	Params      map[string]any         `json:"params,omitempty" jsonschema:"description=Path and query parameters"`
	Body        map[string]any         `json:"body,omitempty" jsonschema:"description=Request body for write operations"`
	Client      *transport.Credentials `json:"client,omitempty" jsonschema:"description=Per-call client credentials override"`
}

type callAllArgs struct {
	callArgs
	PageSize     int   `json:"pageSize,omitempty" jsonschema:"description=Requested page size (clamped)"`
	Limit        int   `json:"limit,omitempty" jsonschema:"description=Maximum items to accumulate (clamped)"`
	MaxPages     int   `json:"maxPages,omitempty" jsonschema:"description=Maximum pages to fetch (clamped)"`
	MaxRuntimeMs int64 `json:"maxRuntimeMs,omitempty" jsonschema:"description=Wall-clock budget in milliseconds (clamped)"`
	IncludeItems *bool `json:"includeItems,omitempty" jsonschema:"description=Echo fetched items in the result (default true)"`
}

func reflectSchema[T any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	var v T
	return r.Reflect(&v)
}

// decodeArgs rejects unknown argument fields up front so typos fail loudly.
func decodeArgs[T any](raw json.RawMessage, into *T) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (h *Handler) buildTools() []toolDef {
	return []toolDef{
		{
			name:        "describe",
			description: "Describe one catalog operation: descriptor, resolved paging entry, and policy verdict.",
			inputSchema: reflectSchema[describeArgs](),
			handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args describeArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				return h.eng.Describe(args.OperationID)
			},
		},
		{
			name:        "searchOperations",
			description: "Search policy-permitted operations by substring, with optional method and tag filters.",
			inputSchema: reflectSchema[searchArgs](),
			handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args searchArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				return h.eng.SearchOperations(args.Query, args.Method, args.Tag, args.Limit), nil
			},
		},
		{
			name:        "call",
			description: "Execute one upstream operation after contract validation and the policy gate.",
			inputSchema: reflectSchema[callArgs](),
			handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args callArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				data, err := h.eng.Call(ctx, engine.CallRequest{
					OperationID: args.OperationID,
					Params:      args.Params,
					Body:        args.Body,
					Client:      args.Client,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"data": data}, nil
			},
		},
		{
			name:        "callAll",
			description: "Execute a paginated operation to completion under clamped budgets, returning items and an audit trail.",
			inputSchema: reflectSchema[callAllArgs](),
			handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args callAllArgs
				if err := decodeArgs(raw, &args); err != nil {
					return nil, err
				}
				includeItems := true
				if args.IncludeItems != nil {
					includeItems = *args.IncludeItems
				}
				return h.eng.CallAll(ctx, engine.CallAllRequest{
					CallRequest: engine.CallRequest{
						OperationID: args.OperationID,
						Params:      args.Params,
						Body:        args.Body,
						Client:      args.Client,
					},
					PageSize:     args.PageSize,
					Limit:        args.Limit,
					MaxPages:     args.MaxPages,
					MaxRuntime:   time.Duration(args.MaxRuntimeMs) * time.Millisecond,
					IncludeItems: includeItems,
				})
			},
		},
	}
}

// toolDescriptors renders the tool list advertised at handshake and by
// tools/list.
func (h *Handler) toolDescriptors() []map[string]any {
	out := make([]map[string]any, 0, len(h.tools))
	for _, t := range h.tools {
		out = append(out, map[string]any{
			"name":        t.name,
			"description": t.description,
			"inputSchema": t.inputSchema,
		})
	}
	return out
}

func (h *Handler) handleToolsList(req *jsonrpc.Request) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(req.ID, map[string]any{"tools": h.toolDescriptors()})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tool list", nil)
	}
	return res
}

func (h *Handler) handleToolsCall(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
	}

	var tool *toolDef
	for i := range h.tools {
		if h.tools[i].name == params.Name {
			tool = &h.tools[i]
			break
		}
	}
	if tool == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			fmt.Sprintf("unknown tool %q", params.Name), nil)
	}

	ctx = logctx.WithToolData(ctx, &logctx.ToolData{Name: tool.name})
	start := time.Now()
	value, err := tool.handler(ctx, params.Arguments)
	dur := time.Since(start)

	failed := err != nil
	status := ""
	if failed {
		status = string(restgate.StatusOf(err))
	}
	h.sessions.RecordToolCall(sess.ID, failed)
	h.metrics.RecordToolCall(tool.name, status, failed, dur, argShape(params.Arguments))

	var result toolResult
	if failed {
		h.log.WarnContext(ctx, "tool.call.fail",
			slog.String("status", status), slog.Duration("dur", dur))
		result = toolResult{
			IsError: true,
			Content: []toolContent{{Type: "text", Text: err.Error()}},
			Structured: map[string]any{
				"status":  status,
				"message": messageOf(err),
				"details": restgate.DetailsOf(err),
			},
		}
	} else {
		h.log.InfoContext(ctx, "tool.call.ok", slog.Duration("dur", dur))
		b, mErr := json.Marshal(value)
		if mErr != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tool result", nil)
		}
		result = toolResult{
			Content:    []toolContent{{Type: "text", Text: string(b)}},
			Structured: value,
		}
	}

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tool result", nil)
	}
	return res
}

func messageOf(err error) string {
	var re *restgate.Error
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

// argShape produces bounded request-shape metadata for observability: the
// top-level argument keys and their JSON types, never values.
func argShape(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	shape := make(map[string]any, len(m))
	count := 0
	for k, v := range m {
		if count >= 16 {
			shape["…"] = "truncated"
			break
		}
		shape[k] = jsonKind(v)
		count++
	}
	return shape
}

func jsonKind(raw json.RawMessage) string {
	for _, c := range raw {
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			continue
		case c == '{':
			return "object"
		case c == '[':
			return "array"
		case c == '"':
			return "string"
		case c == 't' || c == 'f':
			return "boolean"
		case c == 'n':
			return "null"
		default:
			return "number"
		}
	}
	return "empty"
}
