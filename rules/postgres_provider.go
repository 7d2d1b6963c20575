package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const ruleColumns = `id, name, description, type, pattern, status, priority,
	conditions, actions, metadata, version, created_at, updated_at, created_by, updated_by`

// PostgresRuleProvider implements RuleStore backed by PostgreSQL
type PostgresRuleProvider struct {
	db *sql.DB
}

// NewPostgresRuleProvider creates a PostgreSQL-backed provider
func NewPostgresRuleProvider(db *sql.DB) *PostgresRuleProvider {
	return &PostgresRuleProvider{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                             Rule
		conditions, actions, metadata []byte
		createdBy, updatedBy          sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Type, &r.Pattern, &r.Status, &r.Priority,
		&conditions, &actions, &metadata, &r.Version, &r.CreatedAt, &r.UpdatedAt, &createdBy, &updatedBy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s conditions: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("rule %s actions: %w", r.ID, err)
	}
	if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
		return nil, fmt.Errorf("rule %s metadata: %w", r.ID, err)
	}
	r.CreatedBy = createdBy.String
	r.UpdatedBy = updatedBy.String
	return &r, nil
}

func marshalJSONB(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte("{}"), nil
	}
	return data, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresRuleProvider) queryRules(ctx context.Context, where string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		`+where+`
		ORDER BY priority DESC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// GetRuleByID retrieves a rule by ID
func (s *PostgresRuleProvider) GetRuleByID(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1
	`, id)

	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return r, nil
}

// GetRulesByType returns all rules of a type
func (s *PostgresRuleProvider) GetRulesByType(ctx context.Context, ruleType RuleType) ([]*Rule, error) {
	return s.queryRules(ctx, `WHERE type = $1`, string(ruleType))
}

// GetAllRules returns every rule
func (s *PostgresRuleProvider) GetAllRules(ctx context.Context) ([]*Rule, error) {
	return s.queryRules(ctx, ``)
}

// GetRulesUpdatedSince returns rules updated strictly after since
func (s *PostgresRuleProvider) GetRulesUpdatedSince(ctx context.Context, since time.Time) ([]*Rule, error) {
	return s.queryRules(ctx, `WHERE updated_at > $1`, since)
}

// GetRuleDependencies returns the edges declared by ruleID
func (s *PostgresRuleProvider) GetRuleDependencies(ctx context.Context, ruleID string) ([]RuleDependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, depends_on_rule_id, type
		FROM rule_dependencies
		WHERE rule_id = $1
		ORDER BY depends_on_rule_id ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies of %s: %w", ruleID, err)
	}
	defer rows.Close()

	var deps []RuleDependency
	for rows.Next() {
		var d RuleDependency
		if err := rows.Scan(&d.RuleID, &d.DependsOnRuleID, &d.Type); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// AddRule inserts a new rule
func (s *PostgresRuleProvider) AddRule(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	conditions, actions, metadata, err := marshalRuleMaps(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.Version == 0 {
		rule.Version = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rule.ID, rule.Name, rule.Description, string(rule.Type), rule.Pattern, string(rule.Status), rule.Priority,
		conditions, actions, metadata, rule.Version, rule.CreatedAt, rule.UpdatedAt,
		nullString(rule.CreatedBy), nullString(rule.UpdatedBy))

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// UpdateRule modifies an existing rule, incrementing its version
func (s *PostgresRuleProvider) UpdateRule(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	conditions, actions, metadata, err := marshalRuleMaps(rule)
	if err != nil {
		return err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE rules
		SET name = $1, description = $2, type = $3, pattern = $4, status = $5, priority = $6,
			conditions = $7, actions = $8, metadata = $9, updated_by = $10,
			version = version + 1, updated_at = NOW()
		WHERE id = $11
		RETURNING version, created_at, updated_at
	`, rule.Name, rule.Description, string(rule.Type), rule.Pattern, string(rule.Status), rule.Priority,
		conditions, actions, metadata, nullString(rule.UpdatedBy), rule.ID)

	err = row.Scan(&rule.Version, &rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return nil
}

// DeleteRule removes a rule; its declared dependencies cascade
func (s *PostgresRuleProvider) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rules
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	return nil
}

// SetDependencies replaces the edges declared by ruleID in one transaction
func (s *PostgresRuleProvider) SetDependencies(ctx context.Context, ruleID string, deps []RuleDependency) (err error) {
	for _, d := range deps {
		if d.RuleID != ruleID {
			return fmt.Errorf("dependency %s -> %s does not belong to rule %s", d.RuleID, d.DependsOnRuleID, ruleID)
		}
		if err := d.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM rule_dependencies WHERE rule_id = $1`, ruleID); err != nil {
		return fmt.Errorf("failed to clear dependencies of %s: %w", ruleID, err)
	}
	for _, d := range deps {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO rule_dependencies (rule_id, depends_on_rule_id, type)
			VALUES ($1, $2, $3)
		`, d.RuleID, d.DependsOnRuleID, string(d.Type)); err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", d.RuleID, d.DependsOnRuleID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dependencies: %w", err)
	}
	return nil
}

func marshalRuleMaps(rule *Rule) (conditions, actions, metadata []byte, err error) {
	if conditions, err = marshalJSONB(rule.Conditions); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	if actions, err = marshalJSONB(rule.Actions); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode actions: %w", err)
	}
	if metadata, err = marshalJSONB(rule.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return conditions, actions, metadata, nil
}
