package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"auditflow/fault"
	"auditflow/outbox"
)

// Repository is the PostgreSQL-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const contractColumns = `id, client_id, auditor_id, title, description, total_amount, currency,
	contract_address, status::text, requires_multisig, created_at, updated_at`

const milestoneColumns = `id, contract_id, title, description, amount, deadline, is_completed, completed_at, created_at`

// CreateContract inserts the contract, its milestone batch, and the
// creation notification in a single transaction.
func (r *Repository) CreateContract(ctx context.Context, c Contract, milestones []Milestone) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertContract = `
		INSERT INTO escrow_contracts
			(id, client_id, auditor_id, title, description, total_amount, currency,
			 contract_address, status, requires_multisig, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::contract_status,$10,$11,$12)
	`
	if _, err := tx.Exec(ctx, insertContract,
		c.ID, c.ClientID, c.AuditorID, c.Title, c.Description, c.TotalAmount, c.Currency,
		c.ContractAddress, string(c.Status), c.RequiresMultisig, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return fmt.Errorf("escrow: insert contract: %w", err)
	}

	const insertMilestone = `
		INSERT INTO milestones (id, contract_id, title, description, amount, deadline, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	for _, m := range milestones {
		if _, err := tx.Exec(ctx, insertMilestone,
			m.ID, m.ContractID, m.Title, m.Description, m.Amount, m.Deadline, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("escrow: insert milestone: %w", err)
		}
	}

	err = outbox.Enqueue(ctx, tx, outbox.TopicContractCreated, map[string]any{
		"contract_id": c.ID,
		"client_id":   c.ClientID,
		"auditor_id":  c.AuditorID,
		"title":       c.Title,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit contract creation: %w", err)
	}

	return nil
}

func (r *Repository) GetContract(ctx context.Context, id string) (Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM escrow_contracts WHERE id = $1`

	c, err := scanContract(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fmt.Errorf("escrow: contract %s: %w", id, fault.ErrNotFound)
		}
		return Contract{}, fmt.Errorf("escrow: get contract: %w", err)
	}
	return c, nil
}

func (r *Repository) ListByParty(ctx context.Context, partyID string, limit, offset int) ([]Contract, int, error) {
	query := `
		SELECT ` + contractColumns + `
		FROM escrow_contracts
		WHERE client_id = $1 OR auditor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, partyID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow: list contracts: %w", err)
	}
	defer rows.Close()

	contracts := []Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("escrow: scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("escrow: iterate contracts: %w", err)
	}

	var total int
	const countQuery = `SELECT COUNT(*) FROM escrow_contracts WHERE client_id = $1 OR auditor_id = $1`
	if err := r.pool.QueryRow(ctx, countQuery, partyID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escrow: count contracts: %w", err)
	}

	return contracts, total, nil
}

func (r *Repository) ListMilestones(ctx context.Context, contractID string) ([]Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE contract_id = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	milestones := []Milestone{}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		milestones = append(milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}

	return milestones, nil
}

func (r *Repository) CountIncompleteMilestones(ctx context.Context, contractID string) (int, error) {
	const query = `SELECT COUNT(*) FROM milestones WHERE contract_id = $1 AND NOT is_completed`

	var n int
	if err := r.pool.QueryRow(ctx, query, contractID).Scan(&n); err != nil {
		return 0, fmt.Errorf("escrow: count incomplete milestones: %w", err)
	}
	return n, nil
}

// Transition applies a gated status update and the matching outbox row in
// one transaction. A zero-row update means the contract either vanished or
// changed status concurrently; the follow-up read distinguishes the two.
func (r *Repository) Transition(ctx context.Context, contractID string, from []Status, to Status, topic string, payload map[string]any) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	fromStrs := make([]string, 0, len(from))
	for _, s := range from {
		fromStrs = append(fromStrs, string(s))
	}

	const updateSQL = `
		UPDATE escrow_contracts
		SET status = $1::contract_status, updated_at = now()
		WHERE id = $2 AND status::text = ANY($3)
	`
	tag, err := tx.Exec(ctx, updateSQL, string(to), contractID, fromStrs)
	if err != nil {
		return fmt.Errorf("escrow: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := tx.QueryRow(ctx, `SELECT status::text FROM escrow_contracts WHERE id = $1`, contractID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("escrow: contract %s: %w", contractID, fault.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("escrow: fetch status: %w", err)
		}
		return fmt.Errorf("escrow: contract is %s, cannot move to %s: %w", current, to, fault.ErrInvalidState)
	}

	if err := outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit transition: %w", err)
	}

	return nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(
		&c.ID,
		&c.ClientID,
		&c.AuditorID,
		&c.Title,
		&c.Description,
		&c.TotalAmount,
		&c.Currency,
		&c.ContractAddress,
		&c.Status,
		&c.RequiresMultisig,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
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
