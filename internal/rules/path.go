package rules

import (
	"strconv"
	"strings"

	"github.com/quotewire/quotewire/internal/errs"
)

// MaxPathDepth bounds traversal; deeper paths resolve to nothing and warn.
const MaxPathDepth = 10

// dangerousKeys is the prototype-pollution property set; any path containing
// one is rejected with a validation failure before traversal.
var dangerousKeys = map[string]bool{
	"__proto__":          true,
	"constructor":        true,
	"prototype":          true,
	"__defineGetter__":   true,
	"__defineSetter__":   true,
	"__lookupGetter__":   true,
	"__lookupSetter__":   true,
}

type segmentKind int

const (
	segField segmentKind = iota
	segIndex
	segWildcard // explicit [] fan-out over an array
)

// Segment is one compiled step of a dot/bracket path.
type Segment struct {
	kind  segmentKind
	name  string
	index int
}

// Path is a compiled source or target path. Compilation happens once per
// rule; application is allocation-light per record.
type Path struct {
	Raw      string
	Segments []Segment
	TooDeep  bool
}

// CompilePath parses a dot/bracket path such as "secu_quote[].last_done" or
// "levels[0].price". Dangerous property names fail validation; excessive
// depth compiles but resolves to nothing.
func CompilePath(raw string) (*Path, error) {
	if raw == "" {
		return nil, errs.New(errs.CodeMapperInvalidFormat, "empty path")
	}
	p := &Path{Raw: raw}
	for _, part := range strings.Split(raw, ".") {
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				if err := appendField(p, part); err != nil {
					return nil, err
				}
				break
			}
			if open > 0 {
				if err := appendField(p, part[:open]); err != nil {
					return nil, err
				}
			}
			closeIdx := strings.IndexByte(part, ']')
			if closeIdx < open {
				return nil, errs.Newf(errs.CodeMapperInvalidFormat, "unbalanced brackets in path %q", raw)
			}
			inner := part[open+1 : closeIdx]
			if inner == "" {
				p.Segments = append(p.Segments, Segment{kind: segWildcard})
			} else {
				i, err := strconv.Atoi(inner)
				if err != nil || i < 0 {
					return nil, errs.Newf(errs.CodeMapperInvalidFormat, "bad array index %q in path %q", inner, raw)
				}
				p.Segments = append(p.Segments, Segment{kind: segIndex, index: i})
			}
			part = part[closeIdx+1:]
		}
	}
	if len(p.Segments) > MaxPathDepth {
		p.TooDeep = true
	}
	return p, nil
}

func appendField(p *Path, name string) error {
	if dangerousKeys[name] {
		return errs.Newf(errs.CodeMapperDangerousPath, "dangerous property %q in path %q", name, p.Raw)
	}
	p.Segments = append(p.Segments, Segment{kind: segField, name: name})
	return nil
}

// normalizeKey folds case and snake/camel differences for tolerant matching.
func normalizeKey(k string) string {
	var b strings.Builder
	b.Grow(len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c == '_' || c == '-' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// lookupField finds a key in an object with exact, case-insensitive and
// snake/camel-tolerant matching, in that order.
func lookupField(obj map[string]any, name string) (any, bool) {
	if v, ok := obj[name]; ok {
		return v, true
	}
	want := normalizeKey(name)
	for k, v := range obj {
		if normalizeKey(k) == want {
			return v, true
		}
	}
	return nil, false
}

// Resolve walks the value tree. It returns the matched values (several when
// the path fans out over an array), whether any fan-out occurred, and whether
// anything matched at all. It never mutates root.
func (p *Path) Resolve(root any) (values []any, fanned bool, ok bool) {
	if p.TooDeep {
		return nil, false, false
	}
	return resolveSegments(root, p.Segments)
}

func resolveSegments(cur any, segs []Segment) ([]any, bool, bool) {
	if len(segs) == 0 {
		return []any{cur}, false, true
	}
	seg := segs[0]
	rest := segs[1:]
	switch seg.kind {
	case segWildcard:
		arr, isArr := cur.([]any)
		if !isArr {
			return nil, false, false
		}
		var out []any
		for _, elem := range arr {
			vals, _, matched := resolveSegments(elem, rest)
			if matched {
				out = append(out, vals...)
			} else {
				out = append(out, nil)
			}
		}
		return out, true, len(arr) > 0
	case segIndex:
		arr, isArr := cur.([]any)
		if !isArr || seg.index >= len(arr) {
			return nil, false, false
		}
		return resolveSegments(arr[seg.index], segs[1:])
	default: // segField
		switch t := cur.(type) {
		case map[string]any:
			v, found := lookupField(t, seg.name)
			if !found {
				return nil, false, false
			}
			return resolveSegments(v, rest)
		case []any:
			// Implicit elementwise mapping when a keyed lookup meets an array.
			var out []any
			matchedAny := false
			for _, elem := range t {
				vals, _, matched := resolveSegments(elem, segs)
				if matched {
					out = append(out, vals...)
					matchedAny = true
				} else {
					out = append(out, nil)
				}
			}
			return out, true, matchedAny
		default:
			return nil, false, false
		}
	}
}

// setValue writes v at the target path inside out, creating intermediate
// objects. Wildcard and index segments are not meaningful for targets and
// fail quietly with ok=false.
func setValue(out map[string]any, p *Path, v any) bool {
	if p.TooDeep || len(p.Segments) == 0 {
		return false
	}
	cur := out
	for i, seg := range p.Segments {
		if seg.kind != segField {
			return false
		}
		if i == len(p.Segments)-1 {
			cur[seg.name] = v
			return true
		}
		next, ok := cur[seg.name].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg.name] = next
		}
		cur = next
	}
	return false
}
