package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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

const transactionColumns = `id, contract_id, milestone_id, sender_id, recipient_id, kind::text,
	amount, settlement_ref, status, created_at`

func (r *Repository) ContractTerms(ctx context.Context, contractID string) (ContractTerms, error) {
	const query = `
		SELECT id, client_id, auditor_id, status::text, requires_multisig
		FROM escrow_contracts
		WHERE id = $1
	`

	var t ContractTerms
	err := r.pool.QueryRow(ctx, query, contractID).Scan(
		&t.ID, &t.ClientID, &t.AuditorID, &t.Status, &t.RequiresMultisig,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ContractTerms{}, fmt.Errorf("payment: contract %s: %w", contractID, fault.ErrNotFound)
		}
		return ContractTerms{}, fmt.Errorf("payment: contract terms: %w", err)
	}
	return t, nil
}

// Insert records the transaction, gated on the contract still accepting
// fund movements at write time. A zero-row insert is classified against
// the stored contract.
func (r *Repository) Insert(ctx context.Context, t Transaction) error {
	const insertSQL = `
		INSERT INTO escrow_transactions
			(id, contract_id, milestone_id, sender_id, recipient_id, kind, amount, settlement_ref, status, created_at)
		SELECT $1,$2,$3,$4,$5,$6::transaction_kind,$7,$8,$9,$10
		WHERE EXISTS (
			SELECT 1 FROM escrow_contracts WHERE id = $2 AND status <> 'cancelled'
		)
	`
	tag, err := r.pool.Exec(ctx, insertSQL,
		t.ID, t.ContractID, t.MilestoneID, t.SenderID, t.RecipientID,
		string(t.Kind), t.Amount, t.SettlementRef, t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("payment: insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := r.pool.QueryRow(ctx, `SELECT status::text FROM escrow_contracts WHERE id = $1`, t.ContractID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("payment: contract %s: %w", t.ContractID, fault.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("payment: fetch contract status: %w", err)
		}
		return fmt.Errorf("payment: contract is %s, transactions are closed to it: %w", status, fault.ErrInvalidState)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE id = $1`

	t, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("payment: transaction %s: %w", id, fault.ErrNotFound)
		}
		return Transaction{}, fmt.Errorf("payment: get transaction: %w", err)
	}
	return t, nil
}

func (r *Repository) ListByContract(ctx context.Context, contractID string) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE contract_id = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("payment: list transactions: %w", err)
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate transactions: %w", err)
	}
	return out, nil
}

// InsertApproval appends the approval; the unique index on
// (transaction_id, approver_id) turns a concurrent duplicate into a 23505,
// reported as ErrDuplicateApproval. When the insert completes the 2-of-2
// quorum, the authorized notification rides the same transaction.
func (r *Repository) InsertApproval(ctx context.Context, a Approval, terms ContractTerms) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO multisig_approvals (id, transaction_id, approver_id, signature, approved_at)
		VALUES ($1,$2,$3,$4,$5)
	`
	if _, err := tx.Exec(ctx, insertSQL, a.ID, a.TransactionID, a.ApproverID, a.Signature, a.ApprovedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("payment: %s already approved transaction %s: %w",
				a.ApproverID, a.TransactionID, fault.ErrDuplicateApproval)
		}
		return fmt.Errorf("payment: insert approval: %w", err)
	}

	if terms.RequiresMultisig {
		const quorumQuery = `
			SELECT COUNT(DISTINCT approver_id)
			FROM multisig_approvals
			WHERE transaction_id = $1 AND approver_id = ANY($2)
		`
		var signers int
		if err := tx.QueryRow(ctx, quorumQuery, a.TransactionID, []string{terms.ClientID, terms.AuditorID}).Scan(&signers); err != nil {
			return fmt.Errorf("payment: count quorum: %w", err)
		}
		if signers == 2 {
			err := outbox.Enqueue(ctx, tx, outbox.TopicTransactionAuthorized, map[string]any{
				"transaction_id": a.TransactionID,
				"contract_id":    terms.ID,
			})
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit approval: %w", err)
	}
	return nil
}

func (r *Repository) Approvals(ctx context.Context, transactionID string) ([]Approval, error) {
	const query = `
		SELECT id, transaction_id, approver_id, signature, approved_at
		FROM multisig_approvals
		WHERE transaction_id = $1
		ORDER BY approved_at
	`

	rows, err := r.pool.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("payment: list approvals: %w", err)
	}
	defer rows.Close()

	out := []Approval{}
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.ApproverID, &a.Signature, &a.ApprovedAt); err != nil {
			return nil, fmt.Errorf("payment: scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate approvals: %w", err)
	}
	return out, nil
}

// UpdateStatus records the settlement outcome and enqueues the settled
// notification in the same transaction.
func (r *Repository) UpdateStatus(ctx context.Context, transactionID, status string) (Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updateSQL := `
		UPDATE escrow_transactions
		SET status = $1
		WHERE id = $2
		RETURNING ` + transactionColumns

	t, err := scanTransaction(tx.QueryRow(ctx, updateSQL, status, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("payment: transaction %s: %w", transactionID, fault.ErrNotFound)
		}
		return Transaction{}, fmt.Errorf("payment: update status: %w", err)
	}

	err = outbox.Enqueue(ctx, tx, outbox.TopicTransactionSettled, map[string]any{
		"transaction_id": t.ID,
		"contract_id":    t.ContractID,
		"status":         status,
	})
	if err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("payment: commit status update: %w", err)
	}
	return t, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID,
		&t.ContractID,
		&t.MilestoneID,
		&t.SenderID,
		&t.RecipientID,
		&t.Kind,
		&t.Amount,
		&t.SettlementRef,
		&t.Status,
		&t.CreatedAt,
	)
	return t, err
}
