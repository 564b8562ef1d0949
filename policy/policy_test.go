package policy

import (
	"bufio"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/restgate/restgate/catalog"
)

func op(id, method string, tags ...string) *catalog.Operation {
	return &catalog.Operation{OperationID: id, CatalogKey: id, Method: method, Tags: tags}
}

func list(t *testing.T, doc string) List {
	t.Helper()
	l, err := ParseList(bufio.NewScanner(strings.NewReader(doc)))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestParseList(t *testing.T) {
	l := list(t, `
# read-only surface
- getUsers
- tag:Routing
getQueues

- tag: Analytics
`)
	if len(l.OperationIDs) != 2 || len(l.Tags) != 2 {
		t.Fatalf("parsed %d ids and %d tags", len(l.OperationIDs), len(l.Tags))
	}
	if !l.Matches(op("getUsers", "GET")) {
		t.Fatal("id entry not matched")
	}
	if !l.Matches(op("getRoutingSkills", "GET", "Routing")) {
		t.Fatal("tag entry not matched case-insensitively")
	}
	if !l.Matches(op("postAnalyticsQuery", "POST", "analytics")) {
		t.Fatal("tag entry with padded whitespace not matched")
	}
	if l.Matches(op("deleteUser", "DELETE", "Users")) {
		t.Fatal("unlisted operation matched")
	}
}

func TestDenyWinsOverAllow(t *testing.T) {
	g := NewGate(
		list(t, "- getUsers\n- deleteUser"),
		list(t, "- deleteUser"),
		true,
	)
	if g.IsAllowed(op("deleteUser", "DELETE")) {
		t.Fatal("deny did not win over allow")
	}
	if !g.IsAllowed(op("getUsers", "GET")) {
		t.Fatal("allow-listed operation denied")
	}
	snap := g.Explain(op("deleteUser", "DELETE"))
	if snap.Allowed || snap.DeniedBy != "denyList" {
		t.Fatalf("explain = %+v", snap)
	}
}

func TestNonEmptyAllowClosesTheWorld(t *testing.T) {
	g := NewGate(list(t, "- getUsers"), List{}, true)
	if g.IsAllowed(op("getQueues", "GET")) {
		t.Fatal("operation outside the allow list permitted")
	}
	snap := g.Explain(op("getQueues", "GET"))
	if snap.Allowed || snap.DeniedBy != "allowList" {
		t.Fatalf("explain = %+v", snap)
	}
	snap = g.Explain(op("getUsers", "GET"))
	if !snap.Allowed || snap.AllowedBy != "allowList" {
		t.Fatalf("explain = %+v", snap)
	}
}

func TestDefaultStance(t *testing.T) {
	readOnly := NewGate(List{}, List{}, false)
	if !readOnly.IsAllowed(op("getUsers", "GET")) {
		t.Fatal("GET denied under default stance")
	}
	if readOnly.IsAllowed(op("postUsers", "POST")) {
		t.Fatal("write permitted with writes disabled")
	}
	if snap := readOnly.Explain(op("postUsers", "POST")); snap.DeniedBy != "writesDisabled" {
		t.Fatalf("explain = %+v", snap)
	}

	writes := NewGate(List{}, List{}, true)
	if !writes.IsAllowed(op("postUsers", "POST")) {
		t.Fatal("write denied with writes enabled")
	}
	if snap := writes.Explain(op("getUsers", "GET")); snap.AllowedBy != "defaultRead" {
		t.Fatalf("explain = %+v", snap)
	}
}

func TestDenyByTag(t *testing.T) {
	g := NewGate(List{}, list(t, "- tag:Admin"), true)
	if g.IsAllowed(op("getAdminSettings", "GET", "Admin")) {
		t.Fatal("tag deny did not apply")
	}
}

func TestSummarizeForLogAllowListsOnly(t *testing.T) {
	p := &LoggingPolicy{
		Default: LoggingRule{Params: []string{"state"}},
		Overrides: map[string]LoggingRule{
			"postAnalyticsQuery": {Params: []string{"pageSize"}, BodyPaths: []string{"$.filter.interval"}},
		},
	}
	p.init()

	out := p.SummarizeForLog("postAnalyticsQuery",
		map[string]any{"pageSize": 25, "state": "active", "userId": "u-123"},
		map[string]any{
			"filter":      map[string]any{"interval": "2026-02-01/2026-02-02"},
			"secretValue": "should never appear",
		})

	if out["pageSize"] != 25 {
		t.Fatalf("allow-listed param missing: %v", out)
	}
	if _, ok := out["state"]; ok {
		t.Fatal("default rule leaked through an override")
	}
	if _, ok := out["userId"]; ok {
		t.Fatal("unlisted param leaked")
	}
	if out["body.filter.interval"] != "2026-02-01/2026-02-02" {
		t.Fatalf("body locator not copied: %v", out)
	}
	if len(out) != 2 {
		t.Fatalf("summary carries extra keys: %v", out)
	}
}

func TestSummarizeRedactsSensitiveNames(t *testing.T) {
	p := &LoggingPolicy{Default: LoggingRule{Params: []string{"accessToken", "nested"}}}
	p.init()

	out := p.SummarizeForLog("getUsers", map[string]any{
		"accessToken": "tok-abc",
		"nested":      map[string]any{"apiSecret": "s3cret", "name": "ok"},
	}, nil)

	if out["accessToken"] != "[REDACTED]" {
		t.Fatalf("token not redacted: %v", out)
	}
	nested := out["nested"].(map[string]any)
	if nested["apiSecret"] != "[REDACTED]" || nested["name"] != "ok" {
		t.Fatalf("nested redaction wrong: %v", nested)
	}
}

func TestSummarizeTruncatesLongStrings(t *testing.T) {
	p := &LoggingPolicy{Default: LoggingRule{Params: []string{"q"}}}
	p.init()

	long := strings.Repeat("x", 300)
	out := p.SummarizeForLog("getUsers", map[string]any{"q": long}, nil)
	got := out["q"].(string)
	if len([]rune(got)) != maxLoggedString+1 || !strings.HasSuffix(got, "…") {
		t.Fatalf("truncation wrong: %d chars", len(got))
	}
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	p := &LoggingPolicy{Default: LoggingRule{Params: []string{"q"}}}
	p.init()

	// One ASCII byte followed by 3-byte runes puts the byte cap mid-rune.
	long := "a" + strings.Repeat("界", 100)
	out := p.SummarizeForLog("getUsers", map[string]any{"q": long}, nil)
	got := out["q"].(string)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated summary is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("truncation marker missing: %q", got)
	}
	if len(got) > maxLoggedString+len("…") {
		t.Fatalf("truncated summary too long: %d bytes", len(got))
	}
}

func TestSummarizeCustomSensitiveNames(t *testing.T) {
	p := &LoggingPolicy{
		Default:   LoggingRule{Params: []string{"ssn"}},
		Sensitive: []string{"ssn"},
	}
	p.init()
	out := p.SummarizeForLog("getUsers", map[string]any{"ssn": "123-45-6789"}, nil)
	if out["ssn"] != "[REDACTED]" {
		t.Fatalf("configured sensitive name not redacted: %v", out)
	}
}
