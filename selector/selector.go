// Package selector defines the semantic-selector domain model: named
// selectors decoupled from page markup, their ordered resolution
// strategies, validation rules, and the registry that owns them.
package selector

import (
	"fmt"
	"regexp"
	"time"
)

// StrategyType tags a strategy variant.
type StrategyType string

const (
	StrategyTextAnchor      StrategyType = "text_anchor"
	StrategyAttributeMatch  StrategyType = "attribute_match"
	StrategyDOMRelationship StrategyType = "dom_relationship"
	StrategyRoleBased       StrategyType = "role_based"
)

// RelationshipKind is the navigation step of a DOM-relationship strategy.
type RelationshipKind string

const (
	RelChild      RelationshipKind = "child"      // nth element child
	RelDescendant RelationshipKind = "descendant" // first descendant of a kind
	RelSibling    RelationshipKind = "sibling"    // nth following sibling
)

// TextAnchorConfig locates an element by its normalized text.
type TextAnchorConfig struct {
	AnchorText        string `yaml:"anchor_text" json:"anchor_text"`
	ProximitySelector string `yaml:"proximity_selector,omitempty" json:"proximity_selector,omitempty"`
	CaseSensitive     bool   `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
}

// AttributeMatchConfig locates an element whose attribute value
// matches a regex, optionally constrained to a tag.
type AttributeMatchConfig struct {
	Attribute    string `yaml:"attribute" json:"attribute"`
	ValuePattern string `yaml:"value_pattern" json:"value_pattern"`
	Tag          string `yaml:"tag,omitempty" json:"tag,omitempty"`
}

// DOMRelationshipConfig navigates from a reliable parent.
type DOMRelationshipConfig struct {
	ParentSelector string           `yaml:"parent_selector" json:"parent_selector"`
	Relationship   RelationshipKind `yaml:"relationship" json:"relationship"`
	// Index is the 0-based child or sibling position for child/sibling.
	Index int `yaml:"index,omitempty" json:"index,omitempty"`
	// Kind is the tag for descendant (first-of-kind).
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// RoleBasedConfig locates by ARIA role and optional accessible name.
type RoleBasedConfig struct {
	Role           string `yaml:"role" json:"role"`
	AccessibleName string `yaml:"accessible_name,omitempty" json:"accessible_name,omitempty"`
}

// StrategySpec is the tagged strategy variant. Exactly one config arm
// must be populated and must match Type; unknown arms are rejected at
// registration.
type StrategySpec struct {
	Type     StrategyType `yaml:"type" json:"type"`
	Priority int          `yaml:"priority" json:"priority"` // lower = earlier

	TextAnchor      *TextAnchorConfig      `yaml:"text_anchor,omitempty" json:"text_anchor,omitempty"`
	AttributeMatch  *AttributeMatchConfig  `yaml:"attribute_match,omitempty" json:"attribute_match,omitempty"`
	DOMRelationship *DOMRelationshipConfig `yaml:"dom_relationship,omitempty" json:"dom_relationship,omitempty"`
	RoleBased       *RoleBasedConfig       `yaml:"role_based,omitempty" json:"role_based,omitempty"`
}

// Validate checks the tagged variant is well formed.
func (s StrategySpec) Validate() error {
	arms := 0
	if s.TextAnchor != nil {
		arms++
	}
	if s.AttributeMatch != nil {
		arms++
	}
	if s.DOMRelationship != nil {
		arms++
	}
	if s.RoleBased != nil {
		arms++
	}
	if arms != 1 {
		return fmt.Errorf("selector: strategy %q must carry exactly one config arm, has %d", s.Type, arms)
	}

	switch s.Type {
	case StrategyTextAnchor:
		if s.TextAnchor == nil {
			return fmt.Errorf("selector: strategy %q missing text_anchor config", s.Type)
		}
		if s.TextAnchor.AnchorText == "" {
			return fmt.Errorf("selector: text_anchor requires anchor_text")
		}
	case StrategyAttributeMatch:
		if s.AttributeMatch == nil {
			return fmt.Errorf("selector: strategy %q missing attribute_match config", s.Type)
		}
		if s.AttributeMatch.Attribute == "" || s.AttributeMatch.ValuePattern == "" {
			return fmt.Errorf("selector: attribute_match requires attribute and value_pattern")
		}
		if _, err := regexp.Compile(s.AttributeMatch.ValuePattern); err != nil {
			return fmt.Errorf("selector: attribute_match pattern: %w", err)
		}
	case StrategyDOMRelationship:
		if s.DOMRelationship == nil {
			return fmt.Errorf("selector: strategy %q missing dom_relationship config", s.Type)
		}
		if s.DOMRelationship.ParentSelector == "" {
			return fmt.Errorf("selector: dom_relationship requires parent_selector")
		}
		switch s.DOMRelationship.Relationship {
		case RelChild, RelDescendant, RelSibling:
		default:
			return fmt.Errorf("selector: unknown relationship %q", s.DOMRelationship.Relationship)
		}
	case StrategyRoleBased:
		if s.RoleBased == nil {
			return fmt.Errorf("selector: strategy %q missing role_based config", s.Type)
		}
		if s.RoleBased.Role == "" {
			return fmt.Errorf("selector: role_based requires role")
		}
	default:
		return fmt.Errorf("selector: unknown strategy type %q", s.Type)
	}
	return nil
}

// RuleType tags a validation rule variant.
type RuleType string

const (
	RuleRegex    RuleType = "regex"
	RuleDataType RuleType = "data_type"
	RuleSemantic RuleType = "semantic"
	RuleCustom   RuleType = "custom"
)

// DataType enumerates data_type rule targets.
type DataType string

const (
	TypeFloat   DataType = "float"
	TypeInt     DataType = "int"
	TypeString  DataType = "string"
	TypeBoolean DataType = "boolean"
)

// SemanticKind enumerates domain heuristics.
type SemanticKind string

const (
	SemanticTeamName SemanticKind = "team_name"
	SemanticScore    SemanticKind = "score"
	SemanticTime     SemanticKind = "time"
	SemanticDate     SemanticKind = "date"
	SemanticOdds     SemanticKind = "odds"
)

// CustomRuleFunc scores element text. Returns score in [0,1] and pass.
type CustomRuleFunc func(text string, info ElementInfo) (float64, bool)

// ValidationRule is the tagged rule variant.
type ValidationRule struct {
	Type     RuleType     `yaml:"type" json:"type"`
	Weight   float64      `yaml:"weight" json:"weight"` // in [0,1]
	Required bool         `yaml:"required,omitempty" json:"required,omitempty"`
	Pattern  string       `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	DataType DataType     `yaml:"data_type,omitempty" json:"data_type,omitempty"`
	Semantic SemanticKind `yaml:"semantic,omitempty" json:"semantic,omitempty"`

	Custom CustomRuleFunc `yaml:"-" json:"-"`
}

// ElementInfo is a snapshot of a matched node.
type ElementInfo struct {
	Tag          string            `json:"tag"`
	Text         string            `json:"text"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Classes      []string          `json:"classes,omitempty"`
	Path         string            `json:"path,omitempty"`
	Visible      bool              `json:"visible"`
	Interactable bool              `json:"interactable"`
}

// ValidationResult is the outcome of one rule evaluation.
type ValidationResult struct {
	RuleType RuleType `json:"rule_type"`
	Passed   bool     `json:"passed"`
	Score    float64  `json:"score"`
	Weight   float64  `json:"weight"`
	Message  string   `json:"message,omitempty"`
}

// Result is the outcome of one resolve.
type Result struct {
	SelectorName      string             `json:"selector_name"`
	StrategyUsed      StrategyType       `json:"strategy_used,omitempty"`
	Element           *ElementInfo       `json:"element_info,omitempty"`
	Confidence        float64            `json:"confidence_score"`
	ResolutionTimeMS  int64              `json:"resolution_time_ms"`
	ValidationResults []ValidationResult `json:"validation_results,omitempty"`
	Success           bool               `json:"success"`
	Timestamp         time.Time          `json:"timestamp"`
	FailureReason     string             `json:"failure_reason,omitempty"`
	SnapshotID        string             `json:"snapshot_id,omitempty"`
	TabContext        string             `json:"tab_context,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
}

// TabState tracks the lifecycle of a named tab region.
type TabState string

const (
	TabNotLoaded TabState = "not_loaded"
	TabLoaded    TabState = "loaded"
	TabActive    TabState = "active"
)

// TabContext scopes a selector to a named tab region of the page.
type TabContext struct {
	TabID        string   `json:"tab_id"`
	TabType      string   `json:"tab_type,omitempty"`
	State        TabState `json:"state"`
	Visible      bool     `json:"visibility"`
	DOMScopeExpr string   `json:"dom_scope_expr,omitempty"`
}

// Selector is a registered semantic selector. Identity is Name.
type Selector struct {
	Name       string `yaml:"name" json:"name"`
	TabContext string `yaml:"tab_context,omitempty" json:"tab_context,omitempty"`
	// Interactable marks selectors whose targets must be clickable;
	// invisible elements disqualify these but not content-only ones.
	Interactable bool             `yaml:"interactable,omitempty" json:"interactable,omitempty"`
	Strategies   []StrategySpec   `yaml:"strategies" json:"strategies"`
	Rules        []ValidationRule `yaml:"rules,omitempty" json:"rules,omitempty"`
	// ConfidenceThreshold gates per-strategy acceptance, in [0,1].
	ConfidenceThreshold float64           `yaml:"confidence_threshold" json:"confidence_threshold"`
	Metadata            map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Validate enforces the selector shape invariants: non-empty name, at
// least 3 strategies with unique priorities, rule weights and the
// threshold in [0,1].
func (s *Selector) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("selector: name required")
	}
	if len(s.Strategies) < 3 {
		return fmt.Errorf("selector %q: needs at least 3 strategies, has %d", s.Name, len(s.Strategies))
	}
	seen := make(map[int]bool, len(s.Strategies))
	for i, st := range s.Strategies {
		if err := st.Validate(); err != nil {
			return fmt.Errorf("selector %q strategy %d: %w", s.Name, i, err)
		}
		if seen[st.Priority] {
			return fmt.Errorf("selector %q: duplicate strategy priority %d", s.Name, st.Priority)
		}
		seen[st.Priority] = true
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("selector %q: confidence threshold %v out of [0,1]", s.Name, s.ConfidenceThreshold)
	}
	for i, r := range s.Rules {
		if r.Weight < 0 || r.Weight > 1 {
			return fmt.Errorf("selector %q rule %d: weight %v out of [0,1]", s.Name, i, r.Weight)
		}
		switch r.Type {
		case RuleRegex:
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return fmt.Errorf("selector %q rule %d: %w", s.Name, i, err)
			}
		case RuleDataType, RuleSemantic, RuleCustom:
		default:
			return fmt.Errorf("selector %q rule %d: unknown rule type %q", s.Name, i, r.Type)
		}
	}
	return nil
}
