package mitest

import (
	"regexp"
	"strings"

	"github.com/smnsjas/go-wmi/mi"
)

var (
	selectRe = regexp.MustCompile(`(?is)^\s*select\s+(.+?)\s+from\s+(\w+)(?:\s+within\s+[\d.]+)?(?:\s+where\s+(.+?))?\s*$`)
	andRe    = regexp.MustCompile(`(?i)\s+and\s+`)
	condRe   = regexp.MustCompile(`^\s*(\w+)\s*=\s*(?:'((?:[^'\\]|\\.)*)'|"((?:[^"\\]|\\.)*)"|(\S+))\s*$`)
)

// query is a parsed WQL SELECT restricted to equality conditions joined by
// AND. Conditions on properties of embedded objects (TargetInstance ISA)
// are not evaluated.
type query struct {
	fields []string
	class  string
	conds  map[string]string
}

func parseQuery(wql string) (*query, error) {
	m := selectRe.FindStringSubmatch(wql)
	if m == nil {
		return nil, mi.NewError(mi.ResultInvalidQuery, "unsupported query %q", wql)
	}
	q := &query{class: m[2], conds: make(map[string]string)}
	for _, f := range strings.Split(m[1], ",") {
		if f = strings.TrimSpace(f); f != "" && f != "*" {
			q.fields = append(q.fields, f)
		}
	}
	if m[3] == "" {
		return q, nil
	}
	for _, part := range andRe.Split(m[3], -1) {
		if strings.Contains(strings.ToUpper(part), " ISA ") {
			continue
		}
		c := condRe.FindStringSubmatch(part)
		if c == nil {
			return nil, mi.NewError(mi.ResultInvalidQuery, "unsupported condition %q", part)
		}
		v := c[2] + c[3] + c[4]
		q.conds[strings.ToLower(c[1])] = unescapeWQL(v)
	}
	return q, nil
}

// unescapeWQL resolves backslash escapes in a WQL string literal.
func unescapeWQL(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}

func (q *query) matches(inst *mi.Instance) bool {
	for name, want := range q.conds {
		el, err := inst.Element(name)
		if err != nil {
			return false
		}
		if !strings.EqualFold(mi.FormatValue(el.Value), want) {
			return false
		}
	}
	return true
}

// project keeps the selected fields and the keys of inst.
func (q *query) project(inst *mi.Instance) *mi.Instance {
	if len(q.fields) == 0 {
		return inst
	}
	keep := make(map[string]bool)
	for _, f := range q.fields {
		keep[strings.ToLower(f)] = true
	}
	out := mi.NewInstance(inst.ClassName)
	out.Namespace, out.ServerName = inst.Namespace, inst.ServerName
	for _, el := range inst.Elements() {
		if keep[strings.ToLower(el.Name)] || el.IsKey() {
			// Elements come from a valid instance, so Add cannot fail.
			_ = out.Add(el.Name, el.Type, el.Value, el.Flags)
		}
	}
	return out
}
