package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
)

// ══════════════════════════════════════════════════════════════════════════════
// RULE REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// RuleRepository implements warning.RuleStore over warning_rules.
type RuleRepository struct {
	conn *Connection
}

// NewRuleRepository creates a new RuleRepository.
func NewRuleRepository(conn *Connection) *RuleRepository {
	return &RuleRepository{conn: conn}
}

var _ warning.RuleStore = (*RuleRepository)(nil)

const ruleColumns = `
	id, name, category, severity, scope, priority,
	condition_expression, score_expression, message_template,
	suggested_actions, trigger_events, cooldown_hours, expiration_days,
	is_active, updated_at
`

// ActiveRules returns active rules, highest priority first.
func (r *RuleRepository) ActiveRules(ctx context.Context) ([]warning.Rule, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM warning_rules
		WHERE is_active
		ORDER BY priority DESC, id
	`)
	if err != nil {
		return nil, classify("rule", "ActiveRules", err)
	}
	defer rows.Close()

	var rules []warning.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("rule", "ActiveRules", err)
	}
	return rules, nil
}

// RuleByID returns a rule regardless of its active flag.
func (r *RuleRepository) RuleByID(ctx context.Context, id string) (*warning.Rule, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+ruleColumns+` FROM warning_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if IsNoRows(err) {
		return nil, shared.ErrRuleNotFound
	}
	return rule, err
}

// Upsert inserts or replaces a rule definition. Used by seeding and the
// admin tooling; the engine itself never writes rules.
func (r *RuleRepository) Upsert(ctx context.Context, rule warning.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	actions, err := json.Marshal(nonNil(rule.SuggestedActions))
	if err != nil {
		return fmt.Errorf("failed to marshal suggested actions: %w", err)
	}
	triggers, err := json.Marshal(nonNil(rule.TriggerEvents))
	if err != nil {
		return fmt.Errorf("failed to marshal trigger events: %w", err)
	}

	_, err = r.conn.Exec(ctx, `
		INSERT INTO warning_rules (
			id, name, category, severity, scope, priority,
			condition_expression, score_expression, message_template,
			suggested_actions, trigger_events, cooldown_hours, expiration_days,
			is_active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			severity = EXCLUDED.severity,
			scope = EXCLUDED.scope,
			priority = EXCLUDED.priority,
			condition_expression = EXCLUDED.condition_expression,
			score_expression = EXCLUDED.score_expression,
			message_template = EXCLUDED.message_template,
			suggested_actions = EXCLUDED.suggested_actions,
			trigger_events = EXCLUDED.trigger_events,
			cooldown_hours = EXCLUDED.cooldown_hours,
			expiration_days = EXCLUDED.expiration_days,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`,
		rule.ID,
		rule.Name,
		rule.Category,
		string(rule.Severity),
		rule.Scope,
		rule.Priority,
		rule.ConditionExpression,
		rule.ScoreExpression,
		rule.MessageTemplate,
		actions,
		triggers,
		rule.CooldownHours,
		rule.ExpirationDays,
		rule.IsActive,
	)
	return classify("rule", "Upsert", err)
}

func scanRule(row pgx.Row) (*warning.Rule, error) {
	var (
		rule     warning.Rule
		severity string
		actions  []byte
		triggers []byte
	)

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Category,
		&severity,
		&rule.Scope,
		&rule.Priority,
		&rule.ConditionExpression,
		&rule.ScoreExpression,
		&rule.MessageTemplate,
		&actions,
		&triggers,
		&rule.CooldownHours,
		&rule.ExpirationDays,
		&rule.IsActive,
		&rule.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, err
		}
		return nil, classify("rule", "Scan", err)
	}

	rule.Severity = warning.Severity(severity)
	if err := json.Unmarshal(actions, &rule.SuggestedActions); err != nil {
		return nil, shared.WrapError("rule", "Scan", shared.ErrValidation,
			fmt.Sprintf("rule %q: bad suggested_actions", rule.ID), err)
	}
	if err := json.Unmarshal(triggers, &rule.TriggerEvents); err != nil {
		return nil, shared.WrapError("rule", "Scan", shared.ErrValidation,
			fmt.Sprintf("rule %q: bad trigger_events", rule.ID), err)
	}

	return &rule, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
