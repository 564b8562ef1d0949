// Package paginate drives repeated upstream calls through the transport
// layer according to an operation's paging strategy, accumulating items under
// hard limits and recording one audit entry per page.
//
// Every iteration re-evaluates the stop conditions in a fixed priority
// order; there is no code path that loops without recording a reason for
// either continuing or stopping.
package paginate

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/restgate/restgate"
	"github.com/restgate/restgate/catalog"
	"github.com/restgate/restgate/transport"
)

// Stop reasons recorded in the audit trail.
const (
	StopMaxRuntime     = "maxRuntime"
	StopMaxPages       = "maxPages"
	StopLimit          = "limit"
	StopEmptyBatch     = "emptyBatch"
	StopNoContinuation = "noContinuation"
	StopRepeatCursor   = "repeatCursor"
	StopLastPage       = "lastPage"
	StopTotalHits      = "totalHitsReached"
	StopShortPage      = "shortPage"
)

// Transport is the slice of the transport client the engine needs.
type Transport interface {
	BuildURL(baseURL string, op *catalog.Operation, params map[string]any) (*url.URL, error)
	Execute(ctx context.Context, method string, u *url.URL, body any, token string) (*transport.Response, error)
}

// AuditEntry records one executed page. Continuation tokens are redacted
// before the entry is built; the raw token never leaves the engine.
type AuditEntry struct {
	Page         int    `json:"page"`
	Fetched      int    `json:"fetched"`
	TotalFetched int    `json:"totalFetched"`
	PagingType   string `json:"pagingType"`
	Continuation string `json:"continuationToken,omitempty"`
	Stop         string `json:"stop,omitempty"`
}

// Request describes one callAll run. Budgets arrive pre-clamped by the
// facade.
type Request struct {
	Op         *catalog.Operation
	Paging     catalog.PagingEntry
	BaseURL    string
	Params     map[string]any
	Body       map[string]any
	Token      string
	PageSize   int
	Limit      int
	MaxPages   int
	MaxRuntime time.Duration

	// FirstArrayFallback opts in to treating the first array-valued
	// response property as the item list when no locator matches.
	FirstArrayFallback bool
}

// Result is the accumulated outcome of a run.
type Result struct {
	Items        []any
	TotalFetched int
	Audit        []AuditEntry
}

// Runner executes pagination runs. Safe for concurrent use.
type Runner struct {
	tp  Transport
	log *slog.Logger
	now func() time.Time
}

// NewRunner builds a Runner on top of the transport client.
func NewRunner(tp Transport, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Runner{tp: tp, log: log, now: time.Now}
}

// state carries the per-run continuation bookkeeping.
type state struct {
	page       int
	pageNumber int
	cursor     string
	after      string
	nextLink   string
	startIndex int
	totalHits  float64
	hasTotal   bool
	pageCount  float64
	hasCount   bool
	seen       map[string]struct{}
}

// Run drives the state machine until a stop condition fires. A clean stop
// returns everything accumulated so far; an execution error mid-page aborts
// the whole run.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	ptype := req.Paging.Type
	switch ptype {
	case catalog.PagingNextURI, catalog.PagingNextPage, catalog.PagingCursor,
		catalog.PagingAfter, catalog.PagingPageNumber, catalog.PagingTotalHits,
		catalog.PagingStartIndex:
	default:
		return nil, restgate.Errorf(restgate.StatusUnknownPagingType,
			"operation %s has paging type %q; add a pagination-map override with a supported type",
			req.Op.OperationID, string(ptype))
	}

	if _, err := url.Parse(req.BaseURL); err != nil {
		return nil, restgate.Errorf(restgate.StatusInternal, "invalid base URL")
	}

	start := r.now()
	st := &state{pageNumber: 1, seen: map[string]struct{}{}}
	res := &Result{}

	for {
		// Stop conditions (1)-(3): budget checks at the top of every
		// iteration, including before the first call.
		if stop := r.budgetStop(req, res, st, start); stop != "" {
			r.appendStop(res, st, ptype, stop)
			return res, nil
		}

		st.page++
		envelope, contToken, err := r.fetchPage(ctx, req, st)
		if err != nil {
			return nil, err
		}

		items, _ := extractItems(envelope, req.Paging.ItemsPath, req.FirstArrayFallback)

		fetched := 0
		remaining := req.Limit - res.TotalFetched
		for _, item := range items {
			if fetched >= remaining {
				break
			}
			res.Items = append(res.Items, item)
			fetched++
		}
		res.TotalFetched += fetched

		entry := AuditEntry{
			Page:         st.page,
			Fetched:      fetched,
			TotalFetched: res.TotalFetched,
			PagingType:   string(ptype),
			Continuation: RedactToken(contToken),
		}

		r.log.InfoContext(ctx, "call.page.fetch",
			slog.String("operation", req.Op.OperationID),
			slog.Int("page", st.page),
			slog.Int("fetched", fetched),
			slog.Int("total_fetched", res.TotalFetched))

		// Stop conditions (4)-(7), evaluated against this page's outcome.
		if stop := r.pageStop(req, res, st, len(items), contToken); stop != "" {
			entry.Stop = stop
			res.Audit = append(res.Audit, entry)
			return res, nil
		}
		res.Audit = append(res.Audit, entry)

		r.advance(req, st, contToken)
	}
}

func (r *Runner) budgetStop(req Request, res *Result, st *state, start time.Time) string {
	if req.MaxRuntime > 0 && r.now().Sub(start) >= req.MaxRuntime {
		return StopMaxRuntime
	}
	if req.MaxPages > 0 && st.page >= req.MaxPages {
		return StopMaxPages
	}
	if req.Limit > 0 && res.TotalFetched >= req.Limit {
		return StopLimit
	}
	return ""
}

// pageStop evaluates the post-fetch stop conditions in priority order.
func (r *Runner) pageStop(req Request, res *Result, st *state, pageItems int, contToken string) string {
	if req.Limit > 0 && res.TotalFetched >= req.Limit {
		return StopLimit
	}
	if pageItems == 0 {
		return StopEmptyBatch
	}

	switch req.Paging.Type {
	case catalog.PagingNextURI, catalog.PagingNextPage, catalog.PagingCursor, catalog.PagingAfter:
		if contToken == "" {
			return StopNoContinuation
		}
		if _, repeated := st.seen[contToken]; repeated {
			return StopRepeatCursor
		}
	case catalog.PagingPageNumber:
		if st.hasCount && float64(st.pageNumber) >= st.pageCount {
			return StopLastPage
		}
	case catalog.PagingTotalHits:
		if st.hasTotal && float64(st.pageNumber*req.PageSize) >= st.totalHits {
			return StopTotalHits
		}
	case catalog.PagingStartIndex:
		if pageItems < req.PageSize {
			return StopShortPage
		}
	}
	return ""
}

// advance records the continuation for the next iteration.
func (r *Runner) advance(req Request, st *state, contToken string) {
	if contToken != "" {
		st.seen[contToken] = struct{}{}
	}
	switch req.Paging.Type {
	case catalog.PagingNextURI, catalog.PagingNextPage:
		st.nextLink = contToken
	case catalog.PagingCursor:
		st.cursor = contToken
	case catalog.PagingAfter:
		st.after = contToken
	case catalog.PagingPageNumber, catalog.PagingTotalHits:
		st.pageNumber++
	case catalog.PagingStartIndex:
		st.startIndex += req.PageSize
	}
}

// fetchPage builds this page's request, executes it, and reads the
// strategy's continuation source out of the envelope.
func (r *Runner) fetchPage(ctx context.Context, req Request, st *state) (any, string, error) {
	var u *url.URL
	var body any
	var err error

	if st.nextLink != "" {
		// Continuation link: followed directly after the same-origin check,
		// bypassing normal parameter building.
		base, _ := url.Parse(req.BaseURL)
		u, err = transport.ResolveContinuation(base, st.nextLink)
		if err != nil {
			return nil, "", err
		}
		if req.Op.Method != "GET" {
			body = req.Body
		}
	} else {
		params, pageBody := r.pageInputs(req, st)
		u, err = r.tp.BuildURL(req.BaseURL, req.Op, params)
		if err != nil {
			return nil, "", err
		}
		body = pageBody
	}

	resp, err := r.tp.Execute(ctx, req.Op.Method, u, body, req.Token)
	if err != nil {
		return nil, "", err
	}
	envelope, err := resp.JSON()
	if err != nil {
		return nil, "", err
	}
	return envelope, continuationOf(req.Paging.Type, envelope, st), nil
}

// pageInputs derives the per-page params and body for the active strategy.
// A continuation value goes into query when the operation declares that
// parameter in query, else into the body. Query wins when both could apply.
func (r *Runner) pageInputs(req Request, st *state) (map[string]any, map[string]any) {
	params := make(map[string]any, len(req.Params)+3)
	for k, v := range req.Params {
		params[k] = v
	}
	var body map[string]any
	if req.Body != nil {
		body = make(map[string]any, len(req.Body)+2)
		for k, v := range req.Body {
			body[k] = v
		}
	}

	place := func(name string, val any) {
		if req.Op.DeclaresQueryParam(name) {
			params[name] = val
			return
		}
		if body == nil {
			body = map[string]any{}
		}
		body[name] = val
	}

	switch req.Paging.Type {
	case catalog.PagingCursor:
		if req.PageSize > 0 {
			place("pageSize", float64(req.PageSize))
		}
		if st.cursor != "" {
			place("cursor", st.cursor)
		}
	case catalog.PagingAfter:
		if req.PageSize > 0 {
			place("pageSize", float64(req.PageSize))
		}
		if st.after != "" {
			place("after", st.after)
		}
	case catalog.PagingPageNumber, catalog.PagingTotalHits:
		if req.Op.DeclaresQueryParam("pageSize") || req.Op.DeclaresQueryParam("pageNumber") {
			params["pageSize"] = float64(req.PageSize)
			params["pageNumber"] = float64(st.pageNumber)
		} else {
			if body == nil {
				body = map[string]any{}
			}
			paging, _ := body["paging"].(map[string]any)
			if paging == nil {
				paging = map[string]any{}
			}
			paging["pageSize"] = float64(req.PageSize)
			paging["pageNumber"] = float64(st.pageNumber)
			body["paging"] = paging
		}
	case catalog.PagingStartIndex:
		if req.PageSize > 0 {
			place("pageSize", float64(req.PageSize))
		}
		place("startIndex", float64(st.startIndex))
	case catalog.PagingNextURI, catalog.PagingNextPage:
		if req.PageSize > 0 && req.Op.DeclaresQueryParam("pageSize") {
			params["pageSize"] = float64(req.PageSize)
		}
	}
	return params, body
}

// continuationOf reads the strategy's continuation value from the envelope
// and refreshes strategy-completion fields on the state.
func continuationOf(ptype catalog.PagingType, envelope any, st *state) string {
	switch ptype {
	case catalog.PagingNextURI:
		s, _ := envString(envelope, "nextUri")
		return s
	case catalog.PagingNextPage:
		s, _ := envString(envelope, "nextPage")
		return s
	case catalog.PagingCursor:
		s, _ := envString(envelope, "cursor")
		return s
	case catalog.PagingAfter:
		s, _ := envString(envelope, "after")
		return s
	case catalog.PagingPageNumber:
		if n, ok := envNumber(envelope, "pageCount"); ok {
			st.pageCount, st.hasCount = n, true
		}
	case catalog.PagingTotalHits:
		if n, ok := envNumber(envelope, "totalHits"); ok {
			st.totalHits, st.hasTotal = n, true
		}
	}
	return ""
}

// RedactToken keeps only a short prefix and suffix of a continuation token.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

func (r *Runner) appendStop(res *Result, st *state, ptype catalog.PagingType, stop string) {
	res.Audit = append(res.Audit, AuditEntry{
		Page:         st.page,
		TotalFetched: res.TotalFetched,
		PagingType:   string(ptype),
		Stop:         stop,
	})
}
