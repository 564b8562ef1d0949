// Package policy decides which catalog operations may execute and what about
// a call may ever be logged.
//
// The gate evaluates deny, then allow, then the default stance, in that
// order. Deny always wins; a non-empty allow list closes the world.
package policy

import (
	"bufio"
	"os"
	"strings"

	"github.com/restgate/restgate/catalog"
)

// List is one allow or deny list: operation ids and tags.
type List struct {
	OperationIDs map[string]struct{}
	Tags         map[string]struct{}
}

// Empty reports whether the list has no entries at all.
func (l List) Empty() bool {
	return len(l.OperationIDs) == 0 && len(l.Tags) == 0
}

// Matches reports whether the operation's id or any of its tags is a member.
func (l List) Matches(op *catalog.Operation) bool {
	if _, ok := l.OperationIDs[op.OperationID]; ok {
		return true
	}
	if _, ok := l.OperationIDs[op.CatalogKey]; ok {
		return true
	}
	for _, t := range op.Tags {
		if _, ok := l.Tags[strings.ToLower(t)]; ok {
			return true
		}
	}
	return false
}

// ParseList reads a line-oriented policy list. Each entry is a line of the
// form "- operationId" or "- tag:<name>". Blank lines and #-comments are
// ignored; the leading dash is optional.
func ParseList(r *bufio.Scanner) (List, error) {
	l := List{OperationIDs: map[string]struct{}{}, Tags: map[string]struct{}{}}
	for r.Scan() {
		line := strings.TrimSpace(r.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "-"))
		if line == "" {
			continue
		}
		if tag, ok := strings.CutPrefix(line, "tag:"); ok {
			l.Tags[strings.ToLower(strings.TrimSpace(tag))] = struct{}{}
			continue
		}
		l.OperationIDs[line] = struct{}{}
	}
	return l, r.Err()
}

// ParseListFile reads a policy list file. A missing path yields an empty list.
func ParseListFile(path string) (List, error) {
	if path == "" {
		return List{OperationIDs: map[string]struct{}{}, Tags: map[string]struct{}{}}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return List{}, err
	}
	defer f.Close()
	return ParseList(bufio.NewScanner(f))
}

// Gate is the three-tier allow/deny/default evaluator.
type Gate struct {
	Allow        List
	Deny         List
	WritesEnable bool
}

// NewGate builds a gate. With both lists empty the default stance applies:
// GET is permitted, non-GET requires writesEnable.
func NewGate(allow, deny List, writesEnable bool) *Gate {
	return &Gate{Allow: allow, Deny: deny, WritesEnable: writesEnable}
}

// IsAllowed applies deny, then allow, then the default stance. The order is
// load-bearing: deny wins even over an allow-list match.
func (g *Gate) IsAllowed(op *catalog.Operation) bool {
	if !g.Deny.Empty() && g.Deny.Matches(op) {
		return false
	}
	if !g.Allow.Empty() {
		return g.Allow.Matches(op)
	}
	if op.Method == "GET" {
		return true
	}
	return g.WritesEnable
}

// Snapshot describes the gate's verdict for one operation, for describe output.
type Snapshot struct {
	Allowed      bool   `json:"allowed"`
	DeniedBy     string `json:"deniedBy,omitempty"`
	AllowedBy    string `json:"allowedBy,omitempty"`
	WritesEnable bool   `json:"writesEnabled"`
}

// Explain reports how the gate reached its verdict for op.
func (g *Gate) Explain(op *catalog.Operation) Snapshot {
	s := Snapshot{WritesEnable: g.WritesEnable}
	if !g.Deny.Empty() && g.Deny.Matches(op) {
		s.DeniedBy = "denyList"
		return s
	}
	if !g.Allow.Empty() {
		if g.Allow.Matches(op) {
			s.Allowed = true
			s.AllowedBy = "allowList"
		} else {
			s.DeniedBy = "allowList"
		}
		return s
	}
	if op.Method == "GET" {
		s.Allowed = true
		s.AllowedBy = "defaultRead"
		return s
	}
	if g.WritesEnable {
		s.Allowed = true
		s.AllowedBy = "writesEnabled"
	} else {
		s.DeniedBy = "writesDisabled"
	}
	return s
}
