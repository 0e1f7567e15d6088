package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"auditflow/escrow"
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

const disputeColumns = `id, contract_id, milestone_id, raised_by, arbitrator_id, reason, evidence,
	status::text, resolution, created_at, updated_at`

// Create inserts the dispute, forces the parent contract to disputed, and
// enqueues the notification in one transaction.
func (r *Repository) Create(ctx context.Context, d Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO disputes
			(id, contract_id, milestone_id, raised_by, reason, evidence, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::dispute_status,$8,$9)
	`
	if _, err := tx.Exec(ctx, insertSQL,
		d.ID, d.ContractID, d.MilestoneID, d.RaisedBy, d.Reason, d.Evidence,
		string(d.Status), d.CreatedAt, d.UpdatedAt,
	); err != nil {
		return fmt.Errorf("dispute: insert: %w", err)
	}

	// Gated so a contract that reached a terminal status since the
	// caller's read cannot be dragged back to disputed; zero rows rolls
	// the dispute insert back with it.
	const flagSQL = `
		UPDATE escrow_contracts
		SET status = 'disputed', updated_at = now()
		WHERE id = $1 AND status NOT IN ('cancelled', 'completed', 'refunded')
	`
	tag, err := tx.Exec(ctx, flagSQL, d.ContractID)
	if err != nil {
		return fmt.Errorf("dispute: flag contract disputed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispute: contract %s is closed to disputes: %w", d.ContractID, fault.ErrInvalidState)
	}

	err = outbox.Enqueue(ctx, tx, outbox.TopicDisputeCreated, map[string]any{
		"dispute_id":  d.ID,
		"contract_id": d.ContractID,
		"raised_by":   d.RaisedBy,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit creation: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`

	d, err := scanDispute(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("dispute: %s: %w", id, fault.ErrNotFound)
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *Repository) ListByContract(ctx context.Context, contractID string) ([]Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE contract_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) ContractParties(ctx context.Context, contractID string) (string, string, escrow.Status, error) {
	const query = `SELECT client_id, auditor_id, status::text FROM escrow_contracts WHERE id = $1`

	var (
		clientID  string
		auditorID string
		status    string
	)
	err := r.pool.QueryRow(ctx, query, contractID).Scan(&clientID, &auditorID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", "", fmt.Errorf("dispute: contract %s: %w", contractID, fault.ErrNotFound)
		}
		return "", "", "", fmt.Errorf("dispute: contract parties: %w", err)
	}
	return clientID, auditorID, escrow.Status(status), nil
}

// Assign is gated on the dispute still being opened; a zero-row update is
// classified against the stored status.
func (r *Repository) Assign(ctx context.Context, disputeID, arbitratorID string) (Record, error) {
	updateSQL := `
		UPDATE disputes
		SET arbitrator_id = $1, status = 'in_review', updated_at = now()
		WHERE id = $2 AND status = 'opened'
		RETURNING ` + disputeColumns

	d, err := scanDispute(r.pool.QueryRow(ctx, updateSQL, arbitratorID, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.classify(ctx, disputeID, "assign")
		}
		return Record{}, fmt.Errorf("dispute: assign: %w", err)
	}
	return d, nil
}

// Resolve stamps the resolution and emits the notification in one
// transaction. The parent contract's status is not touched.
func (r *Repository) Resolve(ctx context.Context, disputeID, resolution string) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updateSQL := `
		UPDATE disputes
		SET status = 'resolved', resolution = $1, updated_at = now()
		WHERE id = $2 AND status = 'in_review'
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, updateSQL, resolution, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.classify(ctx, disputeID, "resolve")
		}
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}

	err = outbox.Enqueue(ctx, tx, outbox.TopicDisputeResolved, map[string]any{
		"dispute_id":  d.ID,
		"contract_id": d.ContractID,
		"resolution":  resolution,
	})
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return d, nil
}

func (r *Repository) Close(ctx context.Context, disputeID string) (Record, error) {
	updateSQL := `
		UPDATE disputes
		SET status = 'closed', updated_at = now()
		WHERE id = $1 AND status IN ('opened', 'in_review')
		RETURNING ` + disputeColumns

	d, err := scanDispute(r.pool.QueryRow(ctx, updateSQL, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.classify(ctx, disputeID, "close")
		}
		return Record{}, fmt.Errorf("dispute: close: %w", err)
	}
	return d, nil
}

func (r *Repository) InsertComment(ctx context.Context, c Comment) error {
	const insertSQL = `
		INSERT INTO dispute_comments (id, dispute_id, author_id, body, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`
	if _, err := r.pool.Exec(ctx, insertSQL, c.ID, c.DisputeID, c.AuthorID, c.Body, c.CreatedAt); err != nil {
		return fmt.Errorf("dispute: insert comment: %w", err)
	}
	return nil
}

func (r *Repository) ListComments(ctx context.Context, disputeID string) ([]Comment, error) {
	const query = `
		SELECT id, dispute_id, author_id, body, created_at
		FROM dispute_comments
		WHERE dispute_id = $1
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list comments: %w", err)
	}
	defer rows.Close()

	out := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.DisputeID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan comment: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate comments: %w", err)
	}
	return out, nil
}

// classify turns a zero-row gated update into ErrNotFound or
// ErrInvalidState by re-reading the dispute.
func (r *Repository) classify(ctx context.Context, disputeID, op string) (Record, error) {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, disputeID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: %s: %w", disputeID, fault.ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("dispute: fetch status: %w", err)
	}
	return Record{}, fmt.Errorf("dispute: cannot %s while %s: %w", op, status, fault.ErrInvalidState)
}

func scanDispute(row pgx.Row) (Record, error) {
	var d Record
	err := row.Scan(
		&d.ID,
		&d.ContractID,
		&d.MilestoneID,
		&d.RaisedBy,
		&d.ArbitratorID,
		&d.Reason,
		&d.Evidence,
		&d.Status,
		&d.Resolution,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}
