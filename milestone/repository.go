package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"auditflow/escrow"
	"auditflow/fault"
	"auditflow/outbox"
)

// Repository is the PostgreSQL-backed Store.
type Repository struct {
	pool      *pgxpool.Pool
	contracts *escrow.Repository
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, contracts: escrow.NewRepository(pool)}
}

const milestoneColumns = `id, contract_id, title, description, amount, deadline, is_completed, completed_at, created_at`

func (r *Repository) GetMilestone(ctx context.Context, id string) (escrow.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE id = $1`

	m, err := scanMilestone(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Milestone{}, fmt.Errorf("milestone: %s: %w", id, fault.ErrNotFound)
		}
		return escrow.Milestone{}, fmt.Errorf("milestone: get: %w", err)
	}
	return m, nil
}

func (r *Repository) GetContract(ctx context.Context, id string) (escrow.Contract, error) {
	return r.contracts.GetContract(ctx, id)
}

// MarkComplete performs the guarded completion update, the optional
// pending→in_progress promotion, and the notification in one transaction.
// Promotion takes the contract out of pending, so it first checks the
// milestone amounts against total_amount with the contract row locked.
func (r *Repository) MarkComplete(ctx context.Context, milestoneID, contractID string, promote bool) (escrow.Milestone, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return escrow.Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if promote {
		total, status, err := lockContract(ctx, tx, contractID)
		if err != nil {
			return escrow.Milestone{}, err
		}
		// Another completion may have promoted the contract since the
		// caller read it; then there is nothing left to gate.
		promote = status == string(escrow.StatusPending)
		if promote {
			if err := validateSum(ctx, tx, contractID, total); err != nil {
				return escrow.Milestone{}, err
			}
		}
	}

	updateSQL := `
		UPDATE milestones
		SET is_completed = true, completed_at = now()
		WHERE id = $1 AND NOT is_completed
		RETURNING ` + milestoneColumns

	m, err := scanMilestone(tx.QueryRow(ctx, updateSQL, milestoneID))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return escrow.Milestone{}, fmt.Errorf("milestone: mark complete: %w", err)
		}
		// Lost a race with another completion call. Surface the stored row
		// so the caller still sees an idempotent success.
		current, err := r.GetMilestone(ctx, milestoneID)
		if err != nil {
			return escrow.Milestone{}, err
		}
		if current.IsCompleted {
			return current, nil
		}
		return escrow.Milestone{}, fmt.Errorf("milestone: completion update applied no rows: %w", fault.ErrInvalidState)
	}

	if promote {
		const promoteSQL = `
			UPDATE escrow_contracts
			SET status = 'in_progress', updated_at = now()
			WHERE id = $1 AND status = 'pending'
		`
		if _, err := tx.Exec(ctx, promoteSQL, contractID); err != nil {
			return escrow.Milestone{}, fmt.Errorf("milestone: promote contract: %w", err)
		}
	}

	err = outbox.Enqueue(ctx, tx, outbox.TopicMilestoneCompleted, map[string]any{
		"milestone_id": milestoneID,
		"contract_id":  contractID,
	})
	if err != nil {
		return escrow.Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Milestone{}, fmt.Errorf("milestone: commit completion: %w", err)
	}

	return m, nil
}

// AddMilestone inserts the milestone with the contract row locked. The
// amounts may disagree with total_amount while the contract is pending;
// the sum is enforced when the contract leaves pending.
func (r *Repository) AddMilestone(ctx context.Context, m escrow.Milestone) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, status, err := lockContract(ctx, tx, m.ContractID)
	if err != nil {
		return err
	}
	if status != string(escrow.StatusPending) {
		return fmt.Errorf("milestone: contract is %s, milestones are frozen: %w", status, fault.ErrInvalidState)
	}

	const insertSQL = `
		INSERT INTO milestones (id, contract_id, title, description, amount, deadline, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	if _, err := tx.Exec(ctx, insertSQL,
		m.ID, m.ContractID, m.Title, m.Description, m.Amount, m.Deadline, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("milestone: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("milestone: commit add: %w", err)
	}
	return nil
}

// RemoveMilestone deletes the milestone, requiring at least one to remain.
func (r *Repository) RemoveMilestone(ctx context.Context, milestoneID, contractID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, status, err := lockContract(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if status != string(escrow.StatusPending) {
		return fmt.Errorf("milestone: contract is %s, milestones are frozen: %w", status, fault.ErrInvalidState)
	}

	var remaining int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM milestones WHERE contract_id = $1`, contractID).Scan(&remaining); err != nil {
		return fmt.Errorf("milestone: count: %w", err)
	}
	if remaining <= 1 {
		return fmt.Errorf("milestone: a contract must keep at least one milestone: %w", fault.ErrPrecondition)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM milestones WHERE id = $1 AND contract_id = $2`, milestoneID, contractID)
	if err != nil {
		return fmt.Errorf("milestone: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("milestone: %s: %w", milestoneID, fault.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("milestone: commit remove: %w", err)
	}
	return nil
}

func lockContract(ctx context.Context, tx pgx.Tx, contractID string) (decimal.Decimal, string, error) {
	var (
		total  decimal.Decimal
		status string
	)
	err := tx.QueryRow(ctx,
		`SELECT total_amount, status::text FROM escrow_contracts WHERE id = $1 FOR UPDATE`,
		contractID,
	).Scan(&total, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, "", fmt.Errorf("milestone: contract %s: %w", contractID, fault.ErrNotFound)
		}
		return decimal.Zero, "", fmt.Errorf("milestone: lock contract: %w", err)
	}
	return total, status, nil
}

func validateSum(ctx context.Context, tx pgx.Tx, contractID string, total decimal.Decimal) error {
	var sum decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM milestones WHERE contract_id = $1`,
		contractID,
	).Scan(&sum)
	if err != nil {
		return fmt.Errorf("milestone: sum amounts: %w", err)
	}

	if !escrow.SumMatchesTotal(sum, total) {
		return &fault.ValidationError{Violations: []string{
			fmt.Sprintf("milestone amounts sum to %s, contract total is %s (difference %s)",
				sum, total, sum.Sub(total).Abs()),
		}}
	}
	return nil
}

func scanMilestone(row pgx.Row) (escrow.Milestone, error) {
	var m escrow.Milestone
	err := row.Scan(
		&m.ID,
		&m.ContractID,
		&m.Title,
		&m.Description,
		&m.Amount,
		&m.Deadline,
		&m.IsCompleted,
		&m.CompletedAt,
		&m.CreatedAt,
	)
	return m, err
}
