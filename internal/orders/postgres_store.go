package orders

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/salmarket/escrowd/internal/store"
)

// PostgresStore persists orders in PostgreSQL. Every method runs on the
// transaction carried by ctx when there is one.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	conn := store.Conn(ctx, p.db)
	_, err := conn.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, supplier_id, status, total_amount,
			tracking_number, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.BuyerID, o.SupplierID, string(o.Status), o.TotalAmount,
		store.NullString(o.TrackingNumber), store.NullString(o.Notes),
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, it := range o.Items {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, position, product_id, product_name, category,
				unit_price, quantity, subtotal
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			it.ID, o.ID, i, it.ProductID, it.Name, it.Category,
			it.UnitPrice, it.Quantity, it.Subtotal,
		)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", i, err)
		}
	}
	return nil
}

const orderColumns = `id, buyer_id, supplier_id, status, total_amount,
		       tracking_number, notes, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	conn := store.Conn(ctx, p.db)
	row := conn.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadItems(ctx, conn, []*Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return p.list(ctx, `WHERE buyer_id = $1`, buyerID, limit)
}

func (p *PostgresStore) ListBySupplier(ctx context.Context, supplierID string, limit int) ([]*Order, error) {
	return p.list(ctx, `WHERE supplier_id = $1`, supplierID, limit)
}

func (p *PostgresStore) list(ctx context.Context, where, arg string, limit int) ([]*Order, error) {
	conn := store.Conn(ctx, p.db)
	rows, err := conn.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders `+where+`
		ORDER BY created_at DESC
		LIMIT $2`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := p.loadItems(ctx, conn, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) loadItems(ctx context.Context, conn store.Execer, list []*Order) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[string]*Order, len(list))
	ids := make([]string, 0, len(list))
	for _, o := range list {
		o.Items = []Item{}
		byID[o.ID] = o
		ids = append(ids, o.ID)
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, category, unit_price, quantity, subtotal
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Name, &it.Category,
			&it.UnitPrice, &it.Quantity, &it.Subtotal); err != nil {
			return err
		}
		if o, ok := byID[it.OrderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	return rows.Err()
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, trackingNumber string, at time.Time) error {
	conn := store.Conn(ctx, p.db)
	result, err := conn.ExecContext(ctx, `
		UPDATE orders SET
			status = $1,
			tracking_number = COALESCE($2, tracking_number),
			updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(to), store.NullString(trackingNumber), at, id, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := store.Conn(ctx, p.db).ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*Order, error) {
	var (
		o        Order
		status   string
		tracking sql.NullString
		notes    sql.NullString
	)
	if err := sc.Scan(&o.ID, &o.BuyerID, &o.SupplierID, &status, &o.TotalAmount,
		&tracking, &notes, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.TrackingNumber = tracking.String
	o.Notes = notes.String
	return &o, nil
}

var _ Store = (*PostgresStore)(nil)
