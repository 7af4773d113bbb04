// Package catalog reads the products and locations the ledger is kept for.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barstock/barstock/internal/ledger"
)

// Location is a bar or storage point stock is counted at.
type Location struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Repository reads catalog tables from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const productColumns = `id, name, category, cost_price, selling_price`

// GetProduct returns an active product.
func (r *Repository) GetProduct(ctx context.Context, id int64) (ledger.Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1 AND active`, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Product{}, fmt.Errorf("%w: %d", ledger.ErrProductNotFound, id)
	}
	return p, err
}

// GetProducts returns the active products among ids keyed by id. Unknown ids are absent.
func (r *Repository) GetProducts(ctx context.Context, ids []int64) (map[int64]ledger.Product, error) {
	out := make(map[int64]ledger.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1) AND active`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// ListProducts returns every active product ordered by name.
func (r *Repository) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products WHERE active ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	products := []ledger.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// LocationExists reports whether the location is known.
func (r *Repository) LocationExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM locations WHERE id=$1)`, id).Scan(&exists)
	return exists, err
}

// ListLocations returns every location ordered by name.
func (r *Repository) ListLocations(ctx context.Context) ([]Location, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM locations ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	locations := []Location{}
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Name); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

func scanProduct(row pgx.Row) (ledger.Product, error) {
	var p ledger.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.CostPrice, &p.SellingPrice)
	return p, err
}
