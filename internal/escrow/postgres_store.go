package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/salmarket/escrowd/internal/orders"
	"github.com/salmarket/escrowd/internal/store"
	"github.com/salmarket/escrowd/internal/vision"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := store.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO transactions (
			id, order_id, status, amount, gateway_order_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.ID, tx.OrderID, string(tx.Status), tx.Amount, tx.GatewayOrderRef,
		tx.CreatedAt, tx.UpdatedAt,
	)
	if store.IsUniqueViolation(err) {
		return ErrTransactionExists
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, order_id, status, amount, gateway_order_ref,
		       gateway_transaction_id, payment_type, gateway_status,
		       delivery_proof_url, verification, reconciled_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return p.getBy(ctx, "id", id)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	return p.getBy(ctx, "order_id", orderID)
}

func (p *PostgresStore) GetByGatewayRef(ctx context.Context, ref string) (*Transaction, error) {
	return p.getBy(ctx, "gateway_order_ref", ref)
}

// getBy is only called with constant column names.
func (p *PostgresStore) getBy(ctx context.Context, column, value string) (*Transaction, error) {
	row := store.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE `+column+` = $1`, value)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	result, err := store.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE transactions SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from),
	)
	if err != nil {
		return err
	}
	return p.checkAffected(ctx, result, id, ErrStatusConflict)
}

func (p *PostgresStore) SetDeliveryProof(ctx context.Context, id, url string, at time.Time) error {
	result, err := store.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE transactions SET delivery_proof_url = $1, updated_at = $2
		WHERE id = $3 AND delivery_proof_url IS NULL`,
		url, at, id,
	)
	if err != nil {
		return err
	}
	return p.checkAffected(ctx, result, id, ErrProofAlreadyAttached)
}

func (p *PostgresStore) SetVerification(ctx context.Context, id string, result *vision.Result, at time.Time) error {
	snapshot, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode verification: %w", err)
	}
	res, err := store.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE transactions SET verification = $1, updated_at = $2 WHERE id = $3`,
		snapshot, at, id,
	)
	if err != nil {
		return err
	}
	return p.checkAffected(ctx, res, id, ErrTransactionNotFound)
}

func (p *PostgresStore) SetGatewayAudit(ctx context.Context, id, gatewayTxID, paymentType, gatewayStatus string, at time.Time) error {
	res, err := store.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE transactions SET
			gateway_transaction_id = COALESCE($1, gateway_transaction_id),
			payment_type = COALESCE($2, payment_type),
			gateway_status = $3,
			updated_at = $4
		WHERE id = $5`,
		store.NullString(gatewayTxID), store.NullString(paymentType), gatewayStatus, at, id,
	)
	if err != nil {
		return err
	}
	return p.checkAffected(ctx, res, id, ErrTransactionNotFound)
}

// checkAffected maps a zero-row update to ErrTransactionNotFound when the
// row is gone, and to conflict otherwise.
func (p *PostgresStore) checkAffected(ctx context.Context, result sql.Result, id string, conflict error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return conflict
}

func (p *PostgresStore) ListReconcilable(ctx context.Context, createdBefore time.Time, limit int) ([]*Transaction, error) {
	rows, err := store.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1 AND created_at < $2
		  AND (gateway_status IS NULL OR NOT (lower(gateway_status) = ANY($3)))
		  AND EXISTS (
			SELECT 1 FROM orders
			WHERE orders.id = transactions.order_id AND orders.status = $4)
		ORDER BY COALESCE(reconciled_at, created_at) ASC, created_at ASC
		LIMIT $5`,
		string(StatusPending), createdBefore, pq.Array(FailedGatewayStatuses),
		string(orders.StatusPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkReconciled(ctx context.Context, id string, at time.Time) error {
	res, err := store.Conn(ctx, p.db).ExecContext(ctx,
		`UPDATE transactions SET reconciled_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	return p.checkAffected(ctx, res, id, ErrTransactionNotFound)
}

func (p *PostgresStore) DeleteByOrder(ctx context.Context, orderID string) error {
	result, err := store.Conn(ctx, p.db).ExecContext(ctx,
		`DELETE FROM transactions WHERE order_id = $1`, orderID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	var (
		tx            Transaction
		status        string
		gatewayTxID   sql.NullString
		paymentType   sql.NullString
		gatewayStatus sql.NullString
		proofURL      sql.NullString
		verification  []byte
		reconciledAt  sql.NullTime
	)
	if err := sc.Scan(&tx.ID, &tx.OrderID, &status, &tx.Amount, &tx.GatewayOrderRef,
		&gatewayTxID, &paymentType, &gatewayStatus, &proofURL, &verification,
		&reconciledAt, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	tx.Status = Status(status)
	tx.GatewayTransactionID = gatewayTxID.String
	tx.PaymentType = paymentType.String
	tx.GatewayStatus = gatewayStatus.String
	tx.DeliveryProofURL = proofURL.String
	if reconciledAt.Valid {
		at := reconciledAt.Time
		tx.ReconciledAt = &at
	}
	if len(verification) > 0 {
		var v vision.Result
		if err := json.Unmarshal(verification, &v); err != nil {
			return nil, fmt.Errorf("decode verification: %w", err)
		}
		tx.Verification = &v
	}
	return &tx, nil
}

var _ Store = (*PostgresStore)(nil)
