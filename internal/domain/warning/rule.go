package warning

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/alem-hub/warning-engine/internal/domain/expression"
	"github.com/alem-hub/warning-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SEVERITY
// ══════════════════════════════════════════════════════════════════════════════

// Severity of a warning rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is a recognised severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// DefaultScore is the score used when a rule has no score expression.
func (s Severity) DefaultScore() float64 {
	switch s {
	case SeverityCritical:
		return 90
	case SeverityHigh:
		return 75
	case SeverityMedium:
		return 50
	default:
		return 25
	}
}

// DefaultExpirationDays applies when a rule leaves ExpirationDays unset.
const DefaultExpirationDays = 30

// TriggerAll is the TriggerEvents wildcard.
const TriggerAll = "all"

// ══════════════════════════════════════════════════════════════════════════════
// RULE
// ══════════════════════════════════════════════════════════════════════════════

// Rule is a stored warning definition. The engine treats it as read-only.
type Rule struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Category            string    `json:"category"`
	Severity            Severity  `json:"severity"`
	Scope               string    `json:"scope"`
	Priority            int       `json:"priority"`
	ConditionExpression string    `json:"conditionExpression"`
	ScoreExpression     string    `json:"scoreExpression,omitempty"`
	MessageTemplate     string    `json:"messageTemplate"`
	SuggestedActions    []string  `json:"suggestedActions"`
	TriggerEvents       []string  `json:"triggerEvents"`
	CooldownHours       *float64  `json:"cooldownHours,omitempty"`
	ExpirationDays      *int      `json:"expirationDays,omitempty"`
	IsActive            bool      `json:"isActive"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Validate checks the rule's static invariants.
func (r Rule) Validate() error {
	var problems []string

	if strings.TrimSpace(r.ID) == "" {
		problems = append(problems, "id is required")
	}
	if !r.Severity.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown severity %q", r.Severity))
	}
	if strings.TrimSpace(r.ConditionExpression) == "" {
		problems = append(problems, "condition expression is required")
	}
	if r.CooldownHours != nil && *r.CooldownHours < 0 {
		problems = append(problems, "cooldown hours must be >= 0")
	}
	if r.ExpirationDays != nil && *r.ExpirationDays < 0 {
		problems = append(problems, "expiration days must be >= 0")
	}

	if len(problems) > 0 {
		return shared.WrapError("rule", "Validate", shared.ErrValidation,
			fmt.Sprintf("rule %q: %s", r.ID, strings.Join(problems, "; ")), shared.ErrInvalidRule)
	}
	return nil
}

// MatchesEvent reports whether the rule should run for the event type.
// An empty trigger list, or one containing "all", matches everything.
func (r Rule) MatchesEvent(t EventType) bool {
	if len(r.TriggerEvents) == 0 {
		return true
	}
	for _, trigger := range r.TriggerEvents {
		if trigger == TriggerAll || strings.EqualFold(trigger, string(t)) {
			return true
		}
	}
	return false
}

// Cooldown returns the rule's cooldown window. A nil CooldownHours falls
// back to defaultHours; zero disables the check.
func (r Rule) Cooldown(defaultHours float64) time.Duration {
	hours := defaultHours
	if r.CooldownHours != nil {
		hours = *r.CooldownHours
	}
	if hours <= 0 {
		return 0
	}
	return time.Duration(hours * float64(time.Hour))
}

// Expiration returns how long a triggered record stays valid.
func (r Rule) Expiration(defaultDays int) time.Duration {
	days := defaultDays
	if r.ExpirationDays != nil {
		days = *r.ExpirationDays
	}
	if days <= 0 {
		days = DefaultExpirationDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Version fingerprints the parts of the rule that affect evaluation and
// validity.
func (r Rule) Version() string {
	h, _ := blake2b.New(8, nil)
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s", r.ID, r.Severity,
		r.ConditionExpression, r.ScoreExpression, r.MessageTemplate)
	if r.CooldownHours != nil {
		fmt.Fprintf(h, "\x00c%g", *r.CooldownHours)
	}
	if r.ExpirationDays != nil {
		fmt.Fprintf(h, "\x00e%d", *r.ExpirationDays)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPILED RULE
// ══════════════════════════════════════════════════════════════════════════════

// CompiledRule is a rule whose expressions were parsed once at load time.
type CompiledRule struct {
	Rule
	Condition *expression.Expression
	Score     *expression.Expression // nil when the rule has no score expression
	version   string
}

// Compile validates the rule and parses its expressions.
func Compile(r Rule) (*CompiledRule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	cond, err := expression.Compile(r.ConditionExpression)
	if err != nil {
		return nil, shared.WrapError("rule", "Compile", shared.ErrValidation,
			fmt.Sprintf("rule %q: condition", r.ID), err)
	}

	compiled := &CompiledRule{Rule: r, Condition: cond, version: r.Version()}

	if strings.TrimSpace(r.ScoreExpression) != "" {
		score, err := expression.Compile(r.ScoreExpression)
		if err != nil {
			return nil, shared.WrapError("rule", "Compile", shared.ErrValidation,
				fmt.Sprintf("rule %q: score", r.ID), err)
		}
		compiled.Score = score
	}

	return compiled, nil
}

// Version returns the fingerprint computed at compile time.
func (c *CompiledRule) Version() string { return c.version }

// Rebind returns a copy that shares the compiled expressions but carries the
// given definition. r must have the same Version.
func (c *CompiledRule) Rebind(r Rule) *CompiledRule {
	out := *c
	out.Rule = r
	return &out
}
