// Package outbox implements the transactional outbox used to deliver
// notifications after a state transition commits. Domain repositories write
// rows inside their own transactions; the relay delivers pending rows out of
// band, so notification failures never roll back the triggering operation.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Message mirrors the outbox table.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// Topics published by the escrow core.
const (
	TopicContractCreated       = "contract.created"
	TopicContractCancelled     = "contract.cancelled"
	TopicContractCompleted     = "contract.completed"
	TopicContractRefunded      = "contract.refunded"
	TopicContractReinstated    = "contract.reinstated"
	TopicMilestoneCompleted    = "milestone.completed"
	TopicTransactionAuthorized = "transaction.authorized"
	TopicTransactionSettled    = "transaction.settled"
	TopicDisputeCreated        = "dispute.created"
	TopicDisputeResolved       = "dispute.resolved"
)

// Enqueue inserts a pending message inside the caller's transaction.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, b); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}

	return nil
}
