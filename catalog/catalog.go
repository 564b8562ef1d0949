// Package catalog loads and indexes the pinned operation catalog produced by
// the build-time generator: operations.json, pagination-map.json, and the
// flat schema-definitions table used for $ref resolution.
//
// The catalog is immutable after Load. All lookups are safe for concurrent
// use without synchronization.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ParamLocation is where a declared parameter travels on the wire.
type ParamLocation string

const (
	InPath  ParamLocation = "path"
	InQuery ParamLocation = "query"
	InBody  ParamLocation = "body"
)

// Parameter is one declared parameter of an operation.
type Parameter struct {
	Name     string          `json:"name"`
	In       ParamLocation   `json:"in"`
	Required bool            `json:"required"`
	Type     string          `json:"type,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
}

// PagingType names the continuation mechanism an operation uses.
type PagingType string

const (
	PagingNextURI    PagingType = "NEXT_URI"
	PagingNextPage   PagingType = "NEXT_PAGE"
	PagingCursor     PagingType = "CURSOR"
	PagingAfter      PagingType = "AFTER"
	PagingPageNumber PagingType = "PAGE_NUMBER"
	PagingTotalHits  PagingType = "TOTALHITS"
	PagingStartIndex PagingType = "START_INDEX"
	PagingUnknown    PagingType = "UNKNOWN"
)

// Operation is one upstream endpoint descriptor. Loaded once, never mutated.
type Operation struct {
	CatalogKey          string      `json:"catalogKey"`
	OperationID         string      `json:"operationId"`
	Method              string      `json:"method"`
	Path                string      `json:"path"`
	Tags                []string    `json:"tags"`
	Summary             string      `json:"summary,omitempty"`
	Description         string      `json:"description,omitempty"`
	RequiredPermissions []string    `json:"requiredPermissions,omitempty"`
	Parameters          []Parameter `json:"parameters"`
	ItemsPath           string      `json:"responseItemsPath,omitempty"`
	PagingType          PagingType  `json:"pagingType,omitempty"`
}

// Param returns the declared parameter with the given name, if any.
func (op *Operation) Param(name string) (Parameter, bool) {
	for _, p := range op.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// BodyParam returns the operation's body parameter, if it declares one.
func (op *Operation) BodyParam() (Parameter, bool) {
	for _, p := range op.Parameters {
		if p.In == InBody {
			return p, true
		}
	}
	return Parameter{}, false
}

// DeclaresQueryParam reports whether name is declared as a query parameter.
// The pagination engine uses this to decide where a continuation token goes.
func (op *Operation) DeclaresQueryParam(name string) bool {
	p, ok := op.Param(name)
	return ok && p.In == InQuery
}

// PagingEntry is a pagination-map override for one catalog key. Zero-valued
// fields fall back to the operation's own declared paging fields.
type PagingEntry struct {
	Type      PagingType `json:"type"`
	ItemsPath string     `json:"itemsPath"`
}

// Catalog is the loaded, indexed operation set.
type Catalog struct {
	ops         map[string]*Operation
	paging      map[string]PagingEntry
	definitions map[string]json.RawMessage
	sortedKeys  []string
}

// Load reads the three generator outputs. definitionsPath may be empty when
// the upstream document declared no reusable schemas.
func Load(operationsPath, pagingPath, definitionsPath string) (*Catalog, error) {
	var ops map[string]*Operation
	if err := readJSONFile(operationsPath, &ops); err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}

	paging := map[string]PagingEntry{}
	if pagingPath != "" {
		if err := readJSONFile(pagingPath, &paging); err != nil {
			return nil, fmt.Errorf("load pagination map: %w", err)
		}
	}

	defs := map[string]json.RawMessage{}
	if definitionsPath != "" {
		if err := readJSONFile(definitionsPath, &defs); err != nil {
			return nil, fmt.Errorf("load schema definitions: %w", err)
		}
	}

	return New(ops, paging, defs), nil
}

// New builds a catalog from already-decoded inputs. Used by tests and by
// embedders that ship the catalog inside the binary.
func New(ops map[string]*Operation, paging map[string]PagingEntry, defs map[string]json.RawMessage) *Catalog {
	keys := make([]string, 0, len(ops))
	for k, op := range ops {
		if op.CatalogKey == "" {
			op.CatalogKey = k
		}
		if op.OperationID == "" {
			op.OperationID = k
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Catalog{ops: ops, paging: paging, definitions: defs, sortedKeys: keys}
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Len returns the number of operations in the catalog.
func (c *Catalog) Len() int { return len(c.ops) }

// Get looks an operation up by catalog key, falling back to operationId when
// the key was disambiguated with a suffix by the generator.
func (c *Catalog) Get(key string) (*Operation, bool) {
	if op, ok := c.ops[key]; ok {
		return op, true
	}
	for _, k := range c.sortedKeys {
		if c.ops[k].OperationID == key {
			return c.ops[k], true
		}
	}
	return nil, false
}

// Definitions returns the flat schema-definitions table for $ref resolution.
func (c *Catalog) Definitions() map[string]json.RawMessage { return c.definitions }

// Paging resolves the effective paging entry for an operation: the
// pagination-map override when present, else the operation's own declared
// fields. The fallback is an explicit branch, not an implicit merge.
func (c *Catalog) Paging(op *Operation) PagingEntry {
	if e, ok := c.paging[op.CatalogKey]; ok && e.Type != "" {
		if e.ItemsPath == "" {
			e.ItemsPath = op.ItemsPath
		}
		return e
	}
	t := op.PagingType
	if t == "" {
		t = PagingUnknown
	}
	return PagingEntry{Type: t, ItemsPath: op.ItemsPath}
}

// SearchQuery filters operations for the searchOperations tool.
type SearchQuery struct {
	Text   string
	Method string
	Tag    string
	Limit  int
}

// Search returns operations whose id, method, path, summary, or tags contain
// the query text (case-insensitive substring), optionally filtered by method
// and tag, in stable key order, capped at q.Limit when positive. The allow
// predicate (usually the policy gate) filters results before the cap.
func (c *Catalog) Search(q SearchQuery, allow func(*Operation) bool) []*Operation {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	method := strings.ToUpper(strings.TrimSpace(q.Method))
	tag := strings.ToLower(strings.TrimSpace(q.Tag))

	var out []*Operation
	for _, k := range c.sortedKeys {
		op := c.ops[k]
		if method != "" && op.Method != method {
			continue
		}
		if tag != "" && !hasTagFold(op.Tags, tag) {
			continue
		}
		if text != "" && !matchesText(op, text) {
			continue
		}
		if allow != nil && !allow(op) {
			continue
		}
		out = append(out, op)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func hasTagFold(tags []string, want string) bool {
	for _, t := range tags {
		if strings.ToLower(t) == want {
			return true
		}
	}
	return false
}

func matchesText(op *Operation, text string) bool {
	if strings.Contains(strings.ToLower(op.OperationID), text) ||
		strings.Contains(strings.ToLower(op.CatalogKey), text) ||
		strings.Contains(strings.ToLower(op.Method), text) ||
		strings.Contains(strings.ToLower(op.Path), text) ||
		strings.Contains(strings.ToLower(op.Summary), text) {
		return true
	}
	for _, t := range op.Tags {
		if strings.Contains(strings.ToLower(t), text) {
			return true
		}
	}
	return false
}
