package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const customerColumns = `
	id, name, email, phone, total_spent, visit_count, last_order_at, status, city, created_at
`

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(
		&c.ID, &c.Name, &c.Email, &c.Phone, &c.TotalSpent, &c.VisitCount,
		&c.LastOrderAt, &c.Status, &c.City, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCustomer retrieves a customer by ID.
func (r *Repository) GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`

	c, err := scanCustomer(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query customer: %w", err)
	}
	return c, nil
}

// ListCustomers retrieves the full customer set. The audience resolver
// evaluates rules in-process, so it reads everything; derived fields are
// computed at evaluation time, never stored.
func (r *Repository) ListCustomers(ctx context.Context) ([]*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}
