package search

import (
	"context"
	"database/sql"
	"fmt"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries document titles with plainto_tsquery, ranked by ts_rank and
// highlighted with ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "d.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2
	if q.FilterTenant != "" {
		where += fmt.Sprintf(" AND d.tenant_name = $%d", argN)
		args = append(args, q.FilterTenant)
		argN++
	}
	if q.FilterStage != "" {
		where += fmt.Sprintf(" AND d.stage = $%d", argN)
		args = append(args, q.FilterStage)
		argN++
	}

	ctx := context.Background()

	countSQL := fmt.Sprintf("SELECT count(*) FROM documents d WHERE %s", where)
	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.title,
			ts_headline('english', d.title, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			d.tenant_name, d.stage
		FROM documents d
		WHERE %s
		ORDER BY ts_rank(d.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Tenant, &r.Stage); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable documents for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, title, tenant_name, stage FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		if err := rows.Scan(&d.ID, &d.Title, &d.Tenant, &d.Stage); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}
