package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/vc-policy-gateway/models"
	"github.com/upb/vc-policy-gateway/repositories"
	"github.com/upb/vc-policy-gateway/services"
	"go.uber.org/zap"
)

const decisionColumns = `id, request_id, phase, resource, unit_name, unit_version,
	allowed, reason, reason_kind, method, path, remote_ip, latency_ms, details, timestamp`

// DefaultListLimit caps listings that do not set a limit
const DefaultListLimit = 100

// DecisionRepository implements the repositories.DecisionRepository interface
type DecisionRepository struct {
	db     *DB
	txm    repositories.TransactionManager
	logger *zap.Logger
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db *DB, txm repositories.TransactionManager, logger *zap.Logger) repositories.DecisionRepository {
	if txm == nil {
		txm = NewTransactionManager(db, logger)
	}
	return &DecisionRepository{
		db:     db,
		txm:    txm,
		logger: logger,
	}
}

// Insert inserts a new decision record
func (r *DecisionRepository) Insert(ctx context.Context, rec *models.DecisionRecord) error {
	query := `
		INSERT INTO policy_decisions (` + decisionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		rec.ID,
		rec.RequestID,
		rec.Phase,
		rec.Resource,
		rec.UnitName,
		rec.UnitVersion,
		rec.Allowed,
		rec.Reason,
		rec.ReasonKind,
		rec.Method,
		rec.Path,
		rec.RemoteIP,
		rec.LatencyMs,
		nullableJSON(rec.Details),
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision record: %w", err)
	}

	r.logger.Debug("decision record inserted",
		zap.String("id", rec.ID.String()),
		zap.String("phase", string(rec.Phase)),
	)
	return nil
}

// InsertBatch inserts all records in a single transaction
func (r *DecisionRepository) InsertBatch(ctx context.Context, recs []*models.DecisionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return r.txm.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		for _, rec := range recs {
			if err := r.Insert(txCtx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID retrieves a decision record by ID
func (r *DecisionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM policy_decisions WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	rec, err := scanDecision(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound, "decision record not found", nil).
				WithDetail("id", id.String())
		}
		return nil, fmt.Errorf("failed to get decision record: %w", err)
	}
	return rec, nil
}

// GetByRequestID retrieves the records for one inbound request
func (r *DecisionRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM policy_decisions WHERE request_id = $1 ORDER BY timestamp ASC`
	return r.queryDecisions(ctx, query, requestID)
}

// List retrieves records matching the filter, newest first
func (r *DecisionRepository) List(ctx context.Context, filter repositories.DecisionFilter) ([]*models.DecisionRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Phase != "" {
		add("phase = $%d", filter.Phase)
	}
	if filter.Resource != "" {
		add("resource = $%d", filter.Resource)
	}
	if filter.Allowed != nil {
		add("allowed = $%d", *filter.Allowed)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("timestamp <= $%d", filter.Until)
	}

	query := `SELECT ` + decisionColumns + ` FROM policy_decisions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return r.queryDecisions(ctx, query, args...)
}

// DeleteBefore removes records older than cutoff
func (r *DecisionRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM policy_decisions WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete decision records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted decision records: %w", err)
	}
	r.logger.Info("decision records pruned", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

func (r *DecisionRepository) queryDecisions(ctx context.Context, query string, args ...interface{}) ([]*models.DecisionRecord, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision records: %w", err)
	}
	defer rows.Close()

	var recs []*models.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision record: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decision rows: %w", err)
	}

	return recs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (*models.DecisionRecord, error) {
	rec := &models.DecisionRecord{}
	var (
		requestID, reason, kind, method, path, remoteIP sql.NullString
		latency                                         sql.NullInt64
		details                                         []byte
	)
	err := row.Scan(
		&rec.ID,
		&requestID,
		&rec.Phase,
		&rec.Resource,
		&rec.UnitName,
		&rec.UnitVersion,
		&rec.Allowed,
		&reason,
		&kind,
		&method,
		&path,
		&remoteIP,
		&latency,
		&details,
		&rec.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	rec.RequestID = requestID.String
	rec.Reason = reason.String
	rec.ReasonKind = kind.String
	rec.Method = method.String
	rec.Path = path.String
	rec.RemoteIP = remoteIP.String
	rec.LatencyMs = int(latency.Int64)
	if len(details) > 0 {
		rec.Details = append([]byte(nil), details...)
	}
	return rec, nil
}

func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}
