package paginate

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"testing"
	"time"

	"github.com/restgate/restgate"
	"github.com/restgate/restgate/catalog"
	"github.com/restgate/restgate/transport"
)

// fakeTransport replays a scripted sequence of response envelopes and records
// every executed request.
type fakeTransport struct {
	pages []string

	urls   []string
	bodies []any
}

func (f *fakeTransport) BuildURL(baseURL string, op *catalog.Operation, params map[string]any) (*url.URL, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	u := base.JoinPath(op.Path)
	q := url.Values{}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		q.Set(name, stringify(params[name]))
	}
	u.RawQuery = q.Encode()
	return u, nil
}

func stringify(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func (f *fakeTransport) Execute(ctx context.Context, method string, u *url.URL, body any, token string) (*transport.Response, error) {
	idx := len(f.urls)
	f.urls = append(f.urls, u.String())
	f.bodies = append(f.bodies, body)
	if idx >= len(f.pages) {
		return &transport.Response{Status: 200, Body: []byte(`{}`)}, nil
	}
	return &transport.Response{Status: 200, Body: []byte(f.pages[idx])}, nil
}

func listOp(method, path string, queryParams ...string) *catalog.Operation {
	op := &catalog.Operation{
		OperationID: "listThings",
		CatalogKey:  "listThings",
		Method:      method,
		Path:        path,
	}
	for _, name := range queryParams {
		op.Parameters = append(op.Parameters, catalog.Parameter{Name: name, In: catalog.InQuery})
	}
	return op
}

func run(t *testing.T, ft *fakeTransport, req Request) *Result {
	t.Helper()
	res, err := NewRunner(ft, nil).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return res
}

func TestNextURIStopsOnEmptyBatch(t *testing.T) {
	ft := &fakeTransport{pages: []string{
		`{"entities":[{"id":"u1"}],"nextUri":"/api/v2/users?pageNumber=2"}`,
		`{"entities":[{"id":"u2"}],"nextUri":"/api/v2/users?pageNumber=3"}`,
		`{"entities":[]}`,
	}}
	res := run(t, ft, Request{
		Op:       listOp("GET", "/api/v2/users", "pageSize"),
		Paging:   catalog.PagingEntry{Type: catalog.PagingNextURI, ItemsPath: "$.entities"},
		BaseURL:  "https://api.example.com",
		PageSize: 1,
		Limit:    100, MaxPages: 10, MaxRuntime: time.Minute,
	})

	if res.TotalFetched != 2 || len(res.Items) != 2 {
		t.Fatalf("fetched %d items, want 2", res.TotalFetched)
	}
	if len(res.Audit) != 3 {
		t.Fatalf("audit has %d entries, want 3", len(res.Audit))
	}
	last := res.Audit[len(res.Audit)-1]
	if last.Stop != StopEmptyBatch || last.Fetched != 0 {
		t.Fatalf("final entry = %+v, want emptyBatch with 0 fetched", last)
	}
	for _, e := range res.Audit[:2] {
		if e.Stop != "" {
			t.Fatalf("non-final entry carries stop: %+v", e)
		}
	}
	// Continuation pages bypass parameter building and follow the link.
	if len(ft.urls) != 3 || ft.urls[1] != "https://api.example.com/api/v2/users?pageNumber=2" {
		t.Fatalf("unexpected request URLs: %v", ft.urls)
	}
}

func TestCursorRepeatTriggersLoopGuard(t *testing.T) {
	ft := &fakeTransport{pages: []string{
		`{"entities":[{"id":1}],"cursor":"abc123"}`,
		`{"entities":[{"id":2}],"cursor":"abc123"}`,
	}}
	res := run(t, ft, Request{
		Op:       listOp("GET", "/api/v2/things", "pageSize", "cursor"),
		Paging:   catalog.PagingEntry{Type: catalog.PagingCursor, ItemsPath: "$.entities"},
		BaseURL:  "https://api.example.com",
		PageSize: 25,
		Limit:    100, MaxPages: 10, MaxRuntime: time.Minute,
	})

	if len(res.Audit) != 2 || res.Audit[1].Stop != StopRepeatCursor {
		t.Fatalf("unexpected audit: %+v", res.Audit)
	}
	if res.TotalFetched != 2 {
		t.Fatalf("fetched %d, want 2", res.TotalFetched)
	}
	if len(ft.urls) != 2 {
		t.Fatalf("executed %d requests, want 2", len(ft.urls))
	}
}

func TestOffHostContinuationAborts(t *testing.T) {
	ft := &fakeTransport{pages: []string{
		`{"entities":[{"id":1}],"nextUri":"https://evil.example.net/steal"}`,
	}}
	_, err := NewRunner(ft, nil).Run(context.Background(), Request{
		Op:      listOp("GET", "/api/v2/users"),
		Paging:  catalog.PagingEntry{Type: catalog.PagingNextURI, ItemsPath: "$.entities"},
		BaseURL: "https://api.example.com",
		Limit:   100, MaxPages: 10, MaxRuntime: time.Minute, PageSize: 25,
	})
	if restgate.StatusOf(err) != restgate.StatusOffHostPagination {
		t.Fatalf("expected OffHostPagination, got %v", err)
	}
	// The poisoned link must never be fetched.
	if len(ft.urls) != 1 {
		t.Fatalf("executed %d requests, want 1: %v", len(ft.urls), ft.urls)
	}
}

func TestUnknownPagingTypeRefusedBeforeAnyCall(t *testing.T) {
	ft := &fakeTransport{}
	_, err := NewRunner(ft, nil).Run(context.Background(), Request{
		Op:      listOp("GET", "/api/v2/users"),
		Paging:  catalog.PagingEntry{Type: catalog.PagingUnknown},
		BaseURL: "https://api.example.com",
		Limit:   100, MaxPages: 10, MaxRuntime: time.Minute, PageSize: 25,
	})
	if restgate.StatusOf(err) != restgate.StatusUnknownPagingType {
		t.Fatalf("expected UnknownPagingType, got %v", err)
	}
	if len(ft.urls) != 0 {
		t.Fatal("network was touched for an unclassified operation")
	}
}

func TestTotalHitsStopsAtCount(t *testing.T) {
	ft := &fakeTransport{pages: []string{
		`{"conversations":[{"id":1},{"id":2}],"totalHits":3}`,
		`{"conversations":[{"id":3}],"totalHits":3}`,
	}}
	op := &catalog.Operation{
		OperationID: "postAnalyticsQuery",
		CatalogKey:  "postAnalyticsQuery",
		Method:      "POST",
		Path:        "/api/v2/analytics/query",
		Parameters:  []catalog.Parameter{{Name: "body", In: catalog.InBody}},
	}
	res := run(t, ft, Request{
		Op:       op,
		Paging:   catalog.PagingEntry{Type: catalog.PagingTotalHits, ItemsPath: "$.conversations"},
		BaseURL:  "https://api.example.com",
		Body:     map[string]any{"interval": "2026-02-01/2026-02-02"},
		PageSize: 2,
		Limit:    100, MaxPages: 10, MaxRuntime: time.Minute,
	})

	if res.TotalFetched != 3 {
		t.Fatalf("fetched %d, want 3", res.TotalFetched)
	}
	if len(res.Audit) != 2 || res.Audit[1].Stop != StopTotalHits {
		t.Fatalf("unexpected audit: %+v", res.Audit)
	}

	// No query-declared paging params, so paging rides nested in the body.
	body, ok := ft.bodies[1].(map[string]any)
	if !ok {
		t.Fatalf("second request body = %T", ft.bodies[1])
	}
	paging, ok := body["paging"].(map[string]any)
	if !ok || paging["pageNumber"] != float64(2) || paging["pageSize"] != float64(2) {
		t.Fatalf("unexpected paging body: %v", body)
	}
	if body["interval"] != "2026-02-01/2026-02-02" {
		t.Fatalf("caller body fields lost: %v", body)
	}
}

func TestPageNumberStopsAtLastPage(t *testing.T) {
	ft := &fakeTransport{pages: []string{
		`{"entities":[{"id":1}],"pageCount":2}`,
		`{"entities":[{"id":2}],"pageCount":2}`,
	}}
	res := run(t, ft, Request{
		Op:       listOp("GET", "/api/v2/users", "pageSize", "pageNumber"),
		Paging:   catalog.PagingEntry{Type: catalog.PagingPageNumber, ItemsPath: "$.entities"},
		BaseURL:  "https://api.example.com",
		PageSize: 1,
		Limit:    100, MaxPages: 10, MaxRuntime: time.Minute,
	})
	if len(res.Audit) != 2 || res.Audit[1].Stop != StopLastPage {
		t.Fatalf("unexpected audit: %+v", res.Audit)
	}
	if ft.urls[1] != "https://api.example.com/api/v2/users?pageNumber=2&pageSize=1" {
		t.Fatalf("second page URL: %s", ft.urls[1])
	}
}

func TestStartIndexStopsOnShortPage(t *testing.T) {
	ft := &fakeTransport{pages: []string{
		`{"entities":[{"id":1},{"id":2}]}`,
		`{"entities":[{"id":3}]}`,
	}}
	res := run(t, ft, Request{
		Op:       listOp("GET", "/api/v2/prompts", "pageSize", "startIndex"),
		Paging:   catalog.PagingEntry{Type: catalog.PagingStartIndex, ItemsPath: "$.entities"},
		BaseURL:  "https://api.example.com",
		PageSize: 2,
		Limit:    100, MaxPages: 10, MaxRuntime: time.Minute,
	})
	if res.TotalFetched != 3 {
		t.Fatalf("fetched %d, want 3", res.TotalFetched)
	}
	if len(res.Audit) != 2 || res.Audit[1].Stop != StopShortPage {
		t.Fatalf("unexpected audit: %+v", res.Audit)
	}
	if ft.urls[1] != "https://api.example.com/api/v2/prompts?pageSize=2&startIndex=2" {
		t.Fatalf("second page URL: %s", ft.urls[1])
	}
}

func TestMaxPagesBudget(t *testing.T) {
	ft := &fakeTransport{pages: []string{
		`{"entities":[{"id":1}],"cursor":"a"}`,
		`{"entities":[{"id":2}],"cursor":"b"}`,
		`{"entities":[{"id":3}],"cursor":"c"}`,
	}}
	res := run(t, ft, Request{
		Op:       listOp("GET", "/api/v2/things", "pageSize", "cursor"),
		Paging:   catalog.PagingEntry{Type: catalog.PagingCursor, ItemsPath: "$.entities"},
		BaseURL:  "https://api.example.com",
		PageSize: 1,
		Limit:    100, MaxPages: 2, MaxRuntime: time.Minute,
	})
	if res.TotalFetched != 2 {
		t.Fatalf("fetched %d, want 2", res.TotalFetched)
	}
	if len(res.Audit) != 3 || res.Audit[2].Stop != StopMaxPages {
		t.Fatalf("unexpected audit: %+v", res.Audit)
	}
	if len(ft.urls) != 2 {
		t.Fatalf("executed %d requests, want 2", len(ft.urls))
	}
}

func TestItemLimitTruncatesMidPage(t *testing.T) {
	ft := &fakeTransport{pages: []string{
		`{"entities":[{"id":1},{"id":2}],"cursor":"a"}`,
		`{"entities":[{"id":3},{"id":4}],"cursor":"b"}`,
	}}
	res := run(t, ft, Request{
		Op:       listOp("GET", "/api/v2/things", "pageSize", "cursor"),
		Paging:   catalog.PagingEntry{Type: catalog.PagingCursor, ItemsPath: "$.entities"},
		BaseURL:  "https://api.example.com",
		PageSize: 2,
		Limit:    3, MaxPages: 10, MaxRuntime: time.Minute,
	})
	if res.TotalFetched != 3 || len(res.Items) != 3 {
		t.Fatalf("fetched %d, want 3", res.TotalFetched)
	}
	if res.Audit[len(res.Audit)-1].Stop != StopLimit {
		t.Fatalf("unexpected audit: %+v", res.Audit)
	}
}

func TestMaxRuntimeBudget(t *testing.T) {
	ft := &fakeTransport{pages: []string{
		`{"entities":[{"id":1}],"cursor":"a"}`,
	}}
	r := NewRunner(ft, nil)
	base := time.Now()
	calls := 0
	r.now = func() time.Time {
		calls++
		// First check passes; every later check sees the budget spent.
		if calls == 1 {
			return base
		}
		return base.Add(time.Hour)
	}
	res, err := r.Run(context.Background(), Request{
		Op:       listOp("GET", "/api/v2/things", "pageSize", "cursor"),
		Paging:   catalog.PagingEntry{Type: catalog.PagingCursor, ItemsPath: "$.entities"},
		BaseURL:  "https://api.example.com",
		PageSize: 1,
		Limit:    100, MaxPages: 10, MaxRuntime: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if last := res.Audit[len(res.Audit)-1]; last.Stop != StopMaxRuntime {
		t.Fatalf("unexpected audit: %+v", res.Audit)
	}
}

func TestRedactToken(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"short", "***"},
		{"exactly12chr", "***"},
		{"SGVsbG8gV29ybGQhIQ", "SGVs…ZCEh"},
	}
	for _, c := range cases[:3] {
		if got := RedactToken(c.in); got != c.want {
			t.Fatalf("RedactToken(%q) = %q, want %q", c.in, got, c.want)
		}
	}
	long := "abcdefghijklmnopqrstuvwxyz"
	if got := RedactToken(long); got != "abcd…wxyz" {
		t.Fatalf("RedactToken(long) = %q", got)
	}
}

func TestAuditRedactsContinuationTokens(t *testing.T) {
	ft := &fakeTransport{pages: []string{
		`{"entities":[{"id":1}],"cursor":"supersecretcursorvalue"}`,
		`{"entities":[]}`,
	}}
	res := run(t, ft, Request{
		Op:       listOp("GET", "/api/v2/things", "pageSize", "cursor"),
		Paging:   catalog.PagingEntry{Type: catalog.PagingCursor, ItemsPath: "$.entities"},
		BaseURL:  "https://api.example.com",
		PageSize: 1,
		Limit:    100, MaxPages: 10, MaxRuntime: time.Minute,
	})
	if got := res.Audit[0].Continuation; got != "supe…alue" {
		t.Fatalf("audit leaked the raw token: %q", got)
	}
}

func TestExtractItems(t *testing.T) {
	env := map[string]any{
		"total": float64(2),
		"data":  map[string]any{"items": []any{"a", "b"}},
	}
	if items, ok := extractItems(env, "$.data.items", false); !ok || len(items) != 2 {
		t.Fatalf("locator lookup failed: %v %v", items, ok)
	}

	fallback := map[string]any{"entities": []any{"x"}}
	if items, ok := extractItems(fallback, "$.missing", false); !ok || len(items) != 1 {
		t.Fatalf("entities fallback failed: %v %v", items, ok)
	}

	arbitrary := map[string]any{"zzz": []any{"late"}, "aaa": []any{"early"}}
	if _, ok := extractItems(arbitrary, "", false); ok {
		t.Fatal("first-array fallback applied without opt-in")
	}
	items, ok := extractItems(arbitrary, "", true)
	if !ok || len(items) != 1 || items[0] != "early" {
		t.Fatalf("first-array fallback not deterministic: %v", items)
	}

	indexed := map[string]any{"pages": []any{map[string]any{"rows": []any{"r"}}}}
	if items, ok := extractItems(indexed, "pages[0].rows", false); !ok || len(items) != 1 {
		t.Fatalf("indexed locator failed: %v %v", items, ok)
	}
}
