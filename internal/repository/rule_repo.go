package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"spa_engine/internal/models"
)

type RuleSQLite struct {
	db *sql.DB
}

func NewRuleSQLite(db *sql.DB) *RuleSQLite { return &RuleSQLite{db: db} }

var _ RuleRepo = (*RuleSQLite)(nil)

const (
	selectRulesSQL = `
		SELECT id, name, enabled, trigger_json, action_json, last_fired, created_at, updated_at
		FROM automation_rules ORDER BY position ASC
	`

	insertRuleSQL = `
		INSERT INTO automation_rules (id, position, name, enabled, trigger_json, action_json, last_fired, created_at, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM automation_rules), ?, ?, ?, ?, ?, ?, ?)
	`

	updateRuleSQL = `
		UPDATE automation_rules
		SET name=?, enabled=?, trigger_json=?, action_json=?, updated_at=?
		WHERE id=?
	`

	deleteRuleSQL = `DELETE FROM automation_rules WHERE id=?`

	markFiredSQL = `UPDATE automation_rules SET last_fired=?, enabled=? WHERE id=?`
)

// List returns every rule in its persisted order.
func (r *RuleSQLite) List(ctx context.Context) ([]models.AutomationRule, error) {
	rows, err := r.db.QueryContext(ctx, selectRulesSQL)
	if err != nil {
		return nil, fmt.Errorf("select automation rules: %w", err)
	}
	defer rows.Close()

	out := make([]models.AutomationRule, 0, 16)
	for rows.Next() {
		var (
			rule                  models.AutomationRule
			triggerStr, actionStr string
			lastFired             sql.NullTime
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Enabled, &triggerStr, &actionStr,
			&lastFired, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan automation rule: %w", err)
		}
		if err := json.Unmarshal([]byte(triggerStr), &rule.Trigger); err != nil {
			return nil, fmt.Errorf("decode trigger of rule %s: %w", rule.ID, err)
		}
		if err := json.Unmarshal([]byte(actionStr), &rule.Action); err != nil {
			return nil, fmt.Errorf("decode action of rule %s: %w", rule.ID, err)
		}
		if lastFired.Valid {
			t := lastFired.Time.UTC()
			rule.LastFired = &t
		}
		rule.CreatedAt = rule.CreatedAt.UTC()
		rule.UpdatedAt = rule.UpdatedAt.UTC()
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Create appends a rule at the end of the collection.
func (r *RuleSQLite) Create(ctx context.Context, rule models.AutomationRule) error {
	triggerStr, actionStr, err := marshalRule(rule)
	if err != nil {
		return err
	}
	var lastFired any
	if rule.LastFired != nil {
		lastFired = rule.LastFired.UTC()
	}
	_, err = r.db.ExecContext(ctx, insertRuleSQL,
		rule.ID,
		rule.Name,
		rule.Enabled,
		triggerStr,
		actionStr,
		lastFired,
		rule.CreatedAt.UTC(),
		rule.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert automation rule %s: %w", rule.ID, err)
	}
	return nil
}

// Update replaces the user-editable fields of a rule. Position and last-fired are kept.
func (r *RuleSQLite) Update(ctx context.Context, rule models.AutomationRule) error {
	triggerStr, actionStr, err := marshalRule(rule)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, updateRuleSQL,
		rule.Name,
		rule.Enabled,
		triggerStr,
		actionStr,
		rule.UpdatedAt.UTC(),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update automation rule %s: %w", rule.ID, err)
	}
	return requireAffected(res, rule.ID)
}

func (r *RuleSQLite) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, deleteRuleSQL, id)
	if err != nil {
		return fmt.Errorf("delete automation rule %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// MarkFired stamps last-fired and stores the post-fire enabled flag.
func (r *RuleSQLite) MarkFired(ctx context.Context, id string, at time.Time, enabled bool) error {
	res, err := r.db.ExecContext(ctx, markFiredSQL, at.UTC(), enabled, id)
	if err != nil {
		return fmt.Errorf("mark automation rule %s fired: %w", id, err)
	}
	return requireAffected(res, id)
}

func marshalRule(rule models.AutomationRule) (string, string, error) {
	tb, err := json.Marshal(rule.Trigger)
	if err != nil {
		return "", "", fmt.Errorf("encode trigger: %w", err)
	}
	ab, err := json.Marshal(rule.Action)
	if err != nil {
		return "", "", fmt.Errorf("encode action: %w", err)
	}
	return string(tb), string(ab), nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("automation rule %s: %w", id, ErrNotFound)
	}
	return nil
}
