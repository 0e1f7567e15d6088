package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpened   Status = "opened"
	StatusInReview Status = "in_review"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

// Terminal reports whether the dispute accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// Record mirrors the disputes table. Resolution is present exactly when
// Status is resolved.
type Record struct {
	ID           string
	ContractID   string
	MilestoneID  *string
	RaisedBy     string
	ArbitratorID *string
	Reason       string
	Evidence     *string
	Status       Status
	Resolution   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Comment mirrors the dispute_comments table. Append-only.
type Comment struct {
	ID        string
	DisputeID string
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

// CreateParams carries caller-supplied dispute fields.
type CreateParams struct {
	MilestoneID *string
	Reason      string
	Evidence    *string
}
