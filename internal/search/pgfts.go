package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches listings with PostgreSQL full-text search; it is the
// fallback when Meilisearch is absent or unhealthy.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries active listings using plainto_tsquery and ts_rank, with
// ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const where = `p.status = 'ACTIVE' AND p.fts @@ plainto_tsquery('english', $1)`

	var total int
	countSQL := `SELECT count(*) FROM products p WHERE ` + where
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT p.id, p.title,
			ts_headline('english', coalesce(p.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			p.seller_id, p.price::float8
		FROM products p
		WHERE %s
		ORDER BY ts_rank(p.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.SellerID, &r.Price); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all active listings for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ListingRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, seller_id, price::float8, status
		FROM products
		WHERE status = 'ACTIVE'
	`)
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}
	defer rows.Close()

	listings := make([]ListingRecord, 0)
	for rows.Next() {
		var l ListingRecord
		if err := rows.Scan(&l.ID, &l.Title, &l.Description, &l.SellerID, &l.Price, &l.Status); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}

	return listings, nil
}
