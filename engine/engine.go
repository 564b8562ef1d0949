// Package engine composes the catalog, validator, policy gate, transport,
// and pagination engine behind the four-operation facade used by every
// surface: Describe, Call, CallAll, and SearchOperations.
package engine

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/restgate/restgate"
	"github.com/restgate/restgate/catalog"
	"github.com/restgate/restgate/paginate"
	"github.com/restgate/restgate/policy"
	"github.com/restgate/restgate/schema"
	"github.com/restgate/restgate/transport"
)

// Limits are the hard ceilings for callAll budgets. Requested values are
// clamped into these, never rejected.
type Limits struct {
	PageSize   int
	Limit      int
	MaxPages   int
	MaxRuntime time.Duration
}

// DefaultLimits mirror the defaults of the shipped configuration.
func DefaultLimits() Limits {
	return Limits{PageSize: 100, Limit: 1000, MaxPages: 50, MaxRuntime: 60 * time.Second}
}

// Transport is the slice of the transport client the engine drives. It is
// a superset of paginate.Transport; *transport.Client satisfies both.
type Transport interface {
	Token(ctx context.Context, creds transport.Credentials) (string, error)
	BuildURL(baseURL string, op *catalog.Operation, params map[string]any) (*url.URL, error)
	Execute(ctx context.Context, method string, u *url.URL, body any, token string) (*transport.Response, error)
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithLimits overrides the callAll ceilings.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithDefaultCredentials sets the credentials used when a call carries none.
func WithDefaultCredentials(creds transport.Credentials) Option {
	return func(e *Engine) { e.defaultCreds = &creds }
}

// WithFirstArrayFallback opts the pagination engine in to the
// first-array-property items fallback.
func WithFirstArrayFallback() Option {
	return func(e *Engine) { e.firstArrayFallback = true }
}

// Engine is the single entry point in front of the upstream API.
type Engine struct {
	cat       *catalog.Catalog
	validator *schema.Validator
	gate      *policy.Gate
	logPolicy *policy.LoggingPolicy
	client    Transport
	runner    *paginate.Runner
	limits    Limits
	log       *slog.Logger

	defaultCreds       *transport.Credentials
	firstArrayFallback bool
}

// New wires the engine together. The catalog, gate, and logging policy are
// constructed at process start and never mutated afterwards.
func New(cat *catalog.Catalog, gate *policy.Gate, logPolicy *policy.LoggingPolicy, client Transport, opts ...Option) *Engine {
	e := &Engine{
		cat:       cat,
		validator: schema.NewValidator(cat.Definitions()),
		gate:      gate,
		logPolicy: logPolicy,
		client:    client,
		limits:    DefaultLimits(),
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.runner = paginate.NewRunner(client, e.log)
	return e
}

// resolve finds the operation and passes it through the policy gate.
func (e *Engine) resolve(operationID string) (*catalog.Operation, error) {
	op, ok := e.cat.Get(operationID)
	if !ok {
		return nil, restgate.Errorf(restgate.StatusUnknownOperation,
			"operation %q is not in the catalog", operationID)
	}
	if !e.gate.IsAllowed(op) {
		return nil, restgate.Errorf(restgate.StatusPolicyDenied,
			"operation %q is blocked by policy", op.OperationID)
	}
	return op, nil
}

// DescribeResult is the output of Describe.
type DescribeResult struct {
	Operation *catalog.Operation  `json:"operation"`
	Paging    catalog.PagingEntry `json:"paging"`
	Policy    policy.Snapshot     `json:"policy"`
}

// Describe returns the operation descriptor, its resolved paging entry, and
// the policy verdict. Deterministic for unchanged catalog/policy inputs.
func (e *Engine) Describe(operationID string) (*DescribeResult, error) {
	op, ok := e.cat.Get(operationID)
	if !ok {
		return nil, restgate.Errorf(restgate.StatusUnknownOperation,
			"operation %q is not in the catalog", operationID)
	}
	snap := e.gate.Explain(op)
	if !snap.Allowed {
		return nil, restgate.Errorf(restgate.StatusPolicyDenied,
			"operation %q is blocked by policy (%s)", op.OperationID, snap.DeniedBy)
	}
	return &DescribeResult{Operation: op, Paging: e.cat.Paging(op), Policy: snap}, nil
}

// SearchResult is the output of SearchOperations.
type SearchResult struct {
	Count      int                  `json:"count"`
	Operations []*catalog.Operation `json:"operations"`
}

// SearchOperations finds policy-permitted operations matching the query.
func (e *Engine) SearchOperations(query, method, tag string, limit int) *SearchResult {
	if limit <= 0 {
		limit = 25
	} else if limit > 100 {
		limit = 100
	}
	ops := e.cat.Search(
		catalog.SearchQuery{Text: query, Method: method, Tag: tag, Limit: limit},
		e.gate.IsAllowed,
	)
	if ops == nil {
		ops = []*catalog.Operation{}
	}
	return &SearchResult{Count: len(ops), Operations: ops}
}

// CallRequest is the input to Call and the base of CallAllRequest.
type CallRequest struct {
	OperationID string
	Params      map[string]any
	Body        map[string]any
	Client      *transport.Credentials
}

func (e *Engine) creds(req CallRequest) (transport.Credentials, error) {
	if req.Client != nil {
		return *req.Client, nil
	}
	if e.defaultCreds != nil {
		return *e.defaultCreds, nil
	}
	return transport.Credentials{}, restgate.Errorf(restgate.StatusTokenExchangeFailed,
		"no client credentials supplied and no default configured")
}

// validate runs the no-network checks: operation resolution, policy, and
// the parameter/body contracts.
func (e *Engine) validate(req CallRequest) (*catalog.Operation, error) {
	op, err := e.resolve(req.OperationID)
	if err != nil {
		return nil, err
	}
	if err := e.validator.ValidateParams(op, req.Params); err != nil {
		return nil, err
	}
	var body any
	if req.Body != nil {
		body = map[string]any(req.Body)
	}
	if err := e.validator.ValidateBody(op, body); err != nil {
		return nil, err
	}
	return op, nil
}

// authorize resolves credentials and obtains a bearer token. This is the
// first point where network traffic may happen.
func (e *Engine) authorize(ctx context.Context, req CallRequest) (transport.Credentials, string, error) {
	creds, err := e.creds(req)
	if err != nil {
		return transport.Credentials{}, "", err
	}
	token, err := e.client.Token(ctx, creds)
	if err != nil {
		return transport.Credentials{}, "", err
	}
	return creds, token, nil
}

// Call executes exactly one upstream request. A validation or policy
// failure never reaches the network.
func (e *Engine) Call(ctx context.Context, req CallRequest) (any, error) {
	op, err := e.validate(req)
	if err != nil {
		return nil, err
	}
	creds, token, err := e.authorize(ctx, req)
	if err != nil {
		return nil, err
	}

	u, err := e.client.BuildURL(creds.BaseURL, op, req.Params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var body any
	if req.Body != nil {
		body = map[string]any(req.Body)
	}
	resp, err := e.client.Execute(ctx, op.Method, u, body, token)
	e.logCall(ctx, op, req, start, err)
	if err != nil {
		return nil, err
	}
	return resp.JSON()
}

// logCall emits the policy-filtered call summary. Raw params and bodies do
// not reach the log sink.
func (e *Engine) logCall(ctx context.Context, op *catalog.Operation, req CallRequest, start time.Time, err error) {
	var bodyAny any
	if req.Body != nil {
		bodyAny = map[string]any(req.Body)
	}
	summary := e.logPolicy.SummarizeForLog(op.OperationID, req.Params, bodyAny)
	attrs := []any{
		slog.String("operation", op.OperationID),
		slog.String("method", op.Method),
		slog.Duration("dur", time.Since(start)),
		slog.Any("summary", summary),
	}
	if err != nil {
		attrs = append(attrs, slog.String("status", string(restgate.StatusOf(err))))
		e.log.WarnContext(ctx, "call.fail", attrs...)
		return
	}
	e.log.InfoContext(ctx, "call.ok", attrs...)
}

// CallAllRequest is the input to CallAll. Zero budget fields take the
// configured ceilings; non-zero values are clamped into them.
type CallAllRequest struct {
	CallRequest
	PageSize   int
	Limit      int
	MaxPages   int
	MaxRuntime time.Duration

	// IncludeItems controls whether items are echoed in the result. The
	// audit trail and counts are always returned.
	IncludeItems bool
}

// CallAllResult is the output of CallAll.
type CallAllResult struct {
	OperationID   string                `json:"operationId"`
	PagingType    string                `json:"pagingType"`
	ItemsPath     string                `json:"itemsPath,omitempty"`
	Limit         int                   `json:"limit"`
	MaxPages      int                   `json:"maxPages"`
	PageSize      int                   `json:"pageSize"`
	MaxRuntimeMS  int64                 `json:"maxRuntimeMs"`
	TotalFetched  int                   `json:"totalFetched"`
	ReturnedItems int                   `json:"returnedItems"`
	Items         []any                 `json:"items"`
	Audit         []paginate.AuditEntry `json:"audit"`
}

func clampInt(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

func clampDur(requested, ceiling time.Duration) time.Duration {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

// CallAll validates once, clamps the pagination budgets into the configured
// ceilings, and drives the pagination engine.
func (e *Engine) CallAll(ctx context.Context, req CallAllRequest) (*CallAllResult, error) {
	op, err := e.validate(req.CallRequest)
	if err != nil {
		return nil, err
	}

	// An unclassified operation is refused before any network traffic,
	// token exchange included.
	paging := e.cat.Paging(op)
	if paging.Type == catalog.PagingUnknown || paging.Type == "" {
		return nil, restgate.Errorf(restgate.StatusUnknownPagingType,
			"operation %s has paging type UNKNOWN; add a pagination-map override for it", op.OperationID)
	}

	creds, token, err := e.authorize(ctx, req.CallRequest)
	if err != nil {
		return nil, err
	}

	pageSize := clampInt(req.PageSize, e.limits.PageSize)
	limit := clampInt(req.Limit, e.limits.Limit)
	maxPages := clampInt(req.MaxPages, e.limits.MaxPages)
	maxRuntime := clampDur(req.MaxRuntime, e.limits.MaxRuntime)

	start := time.Now()
	run, err := e.runner.Run(ctx, paginate.Request{
		Op:                 op,
		Paging:             paging,
		BaseURL:            creds.BaseURL,
		Params:             req.Params,
		Body:               req.Body,
		Token:              token,
		PageSize:           pageSize,
		Limit:              limit,
		MaxPages:           maxPages,
		MaxRuntime:         maxRuntime,
		FirstArrayFallback: e.firstArrayFallback,
	})
	e.logCall(ctx, op, req.CallRequest, start, err)
	if err != nil {
		return nil, err
	}

	items := run.Items
	if !req.IncludeItems {
		items = []any{}
	} else if items == nil {
		items = []any{}
	}
	return &CallAllResult{
		OperationID:   op.OperationID,
		PagingType:    string(paging.Type),
		ItemsPath:     paging.ItemsPath,
		Limit:         limit,
		MaxPages:      maxPages,
		PageSize:      pageSize,
		MaxRuntimeMS:  maxRuntime.Milliseconds(),
		TotalFetched:  run.TotalFetched,
		ReturnedItems: len(items),
		Items:         items,
		Audit:         run.Audit,
	}, nil
}
