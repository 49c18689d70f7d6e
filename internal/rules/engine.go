package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/errs"
)

// Warning is a non-fatal mapping issue; transforms and missing fields never
// fail a whole apply.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ApplyStats summarizes one apply call.
type ApplyStats struct {
	RecordsProcessed       int      `json:"records_processed"`
	FieldsTransformed      int      `json:"fields_transformed"`
	TransformationsApplied []string `json:"transformations_applied"`
}

// ApplyResult is the canonical output of a mapping rule.
type ApplyResult struct {
	Records  []map[string]any `json:"records"`
	Warnings []Warning        `json:"warnings,omitempty"`
	Stats    ApplyStats       `json:"stats"`
}

// compiledRule caches compiled paths for a rule snapshot.
type compiledRule struct {
	rule     *MappingRule
	sources  []*Path
	targets  []*Path
}

// Compile validates the rule and compiles its paths once.
func Compile(rule *MappingRule) (*compiledRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	c := &compiledRule{rule: rule}
	for _, m := range rule.Mappings {
		sp, err := CompilePath(m.SourcePath)
		if err != nil {
			return nil, err
		}
		tp, err := CompilePath(m.TargetPath)
		if err != nil {
			return nil, err
		}
		c.sources = append(c.sources, sp)
		c.targets = append(c.targets, tp)
	}
	return c, nil
}

// Apply rewrites raw into canonical records. raw must decode to an object or
// an array of objects; anything else is INVALID_DATA_FORMAT. raw is never
// mutated and transform failures pass the source value through with a
// warning.
func Apply(rule *MappingRule, raw json.RawMessage) (*ApplyResult, error) {
	compiled, err := Compile(rule)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, errs.Wrap(err, errs.CodeMapperInvalidFormat, "raw payload is not valid JSON")
	}
	return compiled.apply(tree)
}

// ApplyValue is Apply over an already-decoded value tree.
func ApplyValue(rule *MappingRule, tree any) (*ApplyResult, error) {
	compiled, err := Compile(rule)
	if err != nil {
		return nil, err
	}
	return compiled.apply(tree)
}

func (c *compiledRule) apply(tree any) (*ApplyResult, error) {
	res := &ApplyResult{}
	switch t := tree.(type) {
	case []any:
		for _, elem := range t {
			obj, ok := elem.(map[string]any)
			if !ok {
				return nil, errs.New(errs.CodeMapperInvalidFormat, "array element is not an object")
			}
			c.applyOne(obj, res)
		}
	case map[string]any:
		c.applyOne(t, res)
	default:
		return nil, errs.New(errs.CodeMapperInvalidFormat, "raw payload must be an object or array")
	}
	c.validateTargets(res)
	res.Stats.RecordsProcessed = len(res.Records)
	return res, nil
}

// applyOne maps a single source object, fanning out to several records when a
// source path traverses an embedded array.
func (c *compiledRule) applyOne(obj map[string]any, res *ApplyResult) {
	type resolved struct {
		mapping  FieldMapping
		target   *Path
		values   []any
		fanned   bool
		matched  bool
	}
	cols := make([]resolved, 0, len(c.rule.Mappings))
	fanout := 1
	for i, m := range c.rule.Mappings {
		sp := c.sources[i]
		if sp.TooDeep {
			res.Warnings = append(res.Warnings, Warning{
				Field:   m.SourcePath,
				Message: fmt.Sprintf("path depth exceeds %d, value undefined", MaxPathDepth),
			})
			cols = append(cols, resolved{mapping: m, target: c.targets[i]})
			continue
		}
		vals, fanned, ok := sp.Resolve(obj)
		r := resolved{mapping: m, target: c.targets[i], values: vals, fanned: fanned, matched: ok}
		if fanned && len(vals) > fanout {
			fanout = len(vals)
		}
		cols = append(cols, r)
	}

	for rec := 0; rec < fanout; rec++ {
		out := make(map[string]any)
		wrote := false
		for _, r := range cols {
			if !r.matched {
				continue
			}
			var v any
			if r.fanned {
				if rec >= len(r.values) {
					continue
				}
				v = r.values[rec]
			} else {
				// Scalar fields repeat across fanned-out records.
				if len(r.values) == 0 {
					continue
				}
				v = r.values[0]
			}
			v = c.transform(r.mapping, v, res)
			if setValue(out, r.target, v) {
				wrote = true
			}
		}
		if wrote || fanout == 1 {
			res.Records = append(res.Records, out)
		}
	}
}

func (c *compiledRule) transform(m FieldMapping, v any, res *ApplyResult) any {
	if m.Transform == nil || m.Transform.Op == TransformNone {
		return v
	}
	out, warn := applyTransform(m.Transform, v)
	if warn != "" {
		res.Warnings = append(res.Warnings, Warning{Field: m.SourcePath, Message: warn})
		return v
	}
	res.Stats.FieldsTransformed++
	res.Stats.TransformationsApplied = append(res.Stats.TransformationsApplied,
		fmt.Sprintf("%s:%s", m.SourcePath, m.Transform.Op))
	return out
}

// applyTransform performs the pure transform; a non-empty warning means the
// caller should pass the source value through.
func applyTransform(t *Transform, v any) (any, string) {
	switch t.Op {
	case TransformMultiply, TransformDivide, TransformAdd, TransformSubtract:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Sprintf("value %v is not numeric for %s", v, t.Op)
		}
		switch t.Op {
		case TransformMultiply:
			return f * t.Operand, ""
		case TransformDivide:
			if t.Operand == 0 {
				return nil, "division by zero"
			}
			return f / t.Operand, ""
		case TransformAdd:
			return f + t.Operand, ""
		default:
			return f - t.Operand, ""
		}
	case TransformFormat:
		// Only {value} substitutes; unknown placeholders pass through
		// literally.
		return strings.ReplaceAll(t.Template, "{value}", stringify(v)), ""
	default:
		return nil, fmt.Sprintf("unsupported transform %s", t.Op)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// validateTargets reports missing or null declared targets as warnings when
// the rule carries a rule-list type.
func (c *compiledRule) validateTargets(res *ApplyResult) {
	if c.rule.RuleListType == "" {
		return
	}
	for _, rec := range res.Records {
		for i, m := range c.rule.Mappings {
			vals, _, ok := c.targets[i].Resolve(rec)
			if !ok || len(vals) == 0 || vals[0] == nil {
				res.Warnings = append(res.Warnings, Warning{
					Field:   m.TargetPath,
					Message: "declared target missing or null",
				})
			}
		}
	}
	if len(res.Warnings) > 0 {
		log.Debug().
			Str("rule", c.rule.ID).
			Int("warnings", len(res.Warnings)).
			Msg("mapping produced warnings")
	}
}

// ApplyChained applies a rule repeatedly. Recursive application is only
// defined when the rule's target space equals its source space.
func ApplyChained(rule *MappingRule, raw json.RawMessage, times int) (*ApplyResult, error) {
	if times > 1 && !rule.SelfComposable() {
		return nil, errs.Newf(errs.CodeMapperInvalidFormat,
			"rule %s cannot be applied to its own output: target space differs from source space", rule.ID)
	}
	res, err := Apply(rule, raw)
	if err != nil {
		return nil, err
	}
	for i := 1; i < times; i++ {
		encoded, merr := json.Marshal(res.Records)
		if merr != nil {
			return nil, errs.Wrap(merr, errs.CodeMapperInvalidFormat, "re-encode for chained apply")
		}
		res, err = Apply(rule, encoded)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}
