package disputes

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/salmarket/escrowd/internal/store"
)

// PostgresStore persists disputes in PostgreSQL. The partial unique index
// disputes_one_unresolved_per_transaction backs ErrDisputeExists.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := store.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, order_id, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TransactionID, d.OrderID, d.Reason, string(d.Status), d.CreatedAt,
	)
	if store.IsUniqueViolation(err) {
		return ErrDisputeExists
	}
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

const disputeColumns = `id, transaction_id, order_id, reason, status, resolution,
		       notes, created_at, reviewed_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := store.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) OpenForTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := store.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE transaction_id = $1 AND status <> 'RESOLVED'`, transactionID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := store.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute, from Status) error {
	result, err := store.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, resolution = $2, notes = $3,
			reviewed_at = $4, resolved_at = $5
		WHERE id = $6 AND status = $7`,
		string(d.Status), store.NullString(string(d.Resolution)), store.NullString(d.Notes),
		d.ReviewedAt, d.ResolvedAt, d.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	cur, err := p.Get(ctx, d.ID)
	if err != nil {
		return err
	}
	if cur.IsResolved() {
		return ErrAlreadyResolved
	}
	return ErrInvalidStatus
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(sc scanner) (*Dispute, error) {
	var (
		d          Dispute
		status     string
		resolution sql.NullString
		notes      sql.NullString
		reviewedAt sql.NullTime
		resolvedAt sql.NullTime
	)
	if err := sc.Scan(&d.ID, &d.TransactionID, &d.OrderID, &d.Reason, &status,
		&resolution, &notes, &d.CreatedAt, &reviewedAt, &resolvedAt); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Resolution = Resolution(resolution.String)
	d.Notes = notes.String
	if reviewedAt.Valid {
		d.ReviewedAt = &reviewedAt.Time
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return &d, nil
}

var _ Store = (*PostgresStore)(nil)
