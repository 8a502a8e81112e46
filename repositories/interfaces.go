package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/vc-policy-gateway/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// DecisionFilter narrows a decision listing. Zero fields are ignored.
type DecisionFilter struct {
	Phase    models.Phase
	Resource string
	Allowed  *bool
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// DecisionRepository persists the decision audit trail
type DecisionRepository interface {
	// Insert stores a single decision record
	Insert(ctx context.Context, record *models.DecisionRecord) error

	// InsertBatch stores several records in one transaction
	InsertBatch(ctx context.Context, records []*models.DecisionRecord) error

	// GetByID retrieves a decision record by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.DecisionRecord, error)

	// GetByRequestID retrieves the records produced for one inbound request
	GetByRequestID(ctx context.Context, requestID string) ([]*models.DecisionRecord, error)

	// List retrieves records matching filter, newest first
	List(ctx context.Context, filter DecisionFilter) ([]*models.DecisionRecord, error)

	// DeleteBefore removes records older than cutoff and returns how many were removed
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Decisions DecisionRepository
}
