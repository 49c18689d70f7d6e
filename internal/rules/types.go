// Package rules implements the rule store and the field-mapping engine that
// rewrites raw provider payloads into the canonical shape.
package rules

import (
	"time"

	"github.com/quotewire/quotewire/internal/errs"
)

// APIType distinguishes request/response rules from streaming rules.
type APIType string

const (
	APIRest   APIType = "rest"
	APIStream APIType = "stream"
)

// RuleListType names the canonical field set a rule produces.
type RuleListType string

const (
	RuleListQuote        RuleListType = "quote_fields"
	RuleListBasicInfo    RuleListType = "basic_info_fields"
	RuleListIndex        RuleListType = "index_fields"
	RuleListMarketStatus RuleListType = "market_status_fields"
)

// LifecycleState gates rule participation; only active rules match.
type LifecycleState string

const (
	StateDraft      LifecycleState = "draft"
	StateTesting    LifecycleState = "testing"
	StateActive     LifecycleState = "active"
	StateInactive   LifecycleState = "inactive"
	StateDeprecated LifecycleState = "deprecated"
	StateError      LifecycleState = "error"
)

// TransformOp is a declarative value transform.
type TransformOp string

const (
	TransformNone     TransformOp = "none"
	TransformMultiply TransformOp = "multiply"
	TransformDivide   TransformOp = "divide"
	TransformAdd      TransformOp = "add"
	TransformSubtract TransformOp = "subtract"
	TransformFormat   TransformOp = "format"
	transformCustom   TransformOp = "custom" // rejected at validation
)

// Transform pairs an operation with its operand or template.
type Transform struct {
	Op       TransformOp `json:"op" yaml:"op"`
	Operand  float64     `json:"operand,omitempty" yaml:"operand,omitempty"`
	Template string      `json:"template,omitempty" yaml:"template,omitempty"`
}

// FieldMapping rewrites one source path to one target path.
type FieldMapping struct {
	SourcePath string     `json:"source_path" yaml:"source_path"`
	TargetPath string     `json:"target_path" yaml:"target_path"`
	Transform  *Transform `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// MappingRule is an immutable snapshot of a field-mapping rule.
type MappingRule struct {
	ID           string         `json:"id"`
	Provider     string         `json:"provider"`
	APIType      APIType        `json:"api_type"`
	RuleListType RuleListType   `json:"rule_list_type"`
	IsDefault    bool           `json:"is_default"`
	Priority     int            `json:"priority"`
	State        LifecycleState `json:"state"`
	Version      int            `json:"version"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Mappings     []FieldMapping `json:"mappings"`
}

// Validate rejects rules the engine cannot apply: custom transforms, paths
// that fail to compile, and dangerous property names.
func (r *MappingRule) Validate() error {
	if r.ID == "" || r.Provider == "" {
		return errs.New(errs.CodeMapperInvalidFormat, "rule requires id and provider")
	}
	for _, m := range r.Mappings {
		if m.Transform != nil && m.Transform.Op == transformCustom {
			return errs.Newf(errs.CodeMapperCustomTransform, "custom transforms are not supported (rule %s)", r.ID)
		}
		if _, err := CompilePath(m.SourcePath); err != nil {
			return err
		}
		if _, err := CompilePath(m.TargetPath); err != nil {
			return err
		}
	}
	return nil
}

// SelfComposable reports whether the rule's target space equals its source
// space, which is the precondition for applying a rule to its own output.
func (r *MappingRule) SelfComposable() bool {
	sources := make(map[string]bool, len(r.Mappings))
	targets := make(map[string]bool, len(r.Mappings))
	for _, m := range r.Mappings {
		sources[m.SourcePath] = true
		targets[m.TargetPath] = true
	}
	if len(sources) != len(targets) {
		return false
	}
	for p := range sources {
		if !targets[p] {
			return false
		}
	}
	return true
}
