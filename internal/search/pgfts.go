package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
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

// Search queries the repositories table using plainto_tsquery and ts_rank
// against the generated fts column, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	where := "r.is_public = TRUE AND r.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	if q.Language != "" {
		where += fmt.Sprintf(" AND r.language = $%d", argN)
		args = append(args, q.Language)
		argN++
	}
	if q.AIProvider != "" {
		where += fmt.Sprintf(" AND r.ai_provider = $%d", argN)
		args = append(args, q.AIProvider)
		argN++
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM repositories r WHERE %s", where)

	dataSQL := fmt.Sprintf(`
		SELECT r.id, r.full_name, r.owner, coalesce(r.description, ''),
			coalesce(r.language, ''), coalesce(r.ai_provider, ''),
			ts_headline('english', coalesce(r.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			r.votes_count
		FROM repositories r
		WHERE %s
		ORDER BY ts_rank(r.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.FullName, &r.Owner, &r.Description, &r.Language, &r.AIProvider, &r.Snippet, &r.VotesCount); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every public repository for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RepositoryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, full_name, owner, name, coalesce(description, ''),
			coalesce(language, ''), coalesce(ai_provider, ''), is_public, votes_count
		FROM repositories
	`)
	if err != nil {
		return nil, fmt.Errorf("load repositories: %w", err)
	}
	defer rows.Close()

	records := make([]RepositoryRecord, 0)
	for rows.Next() {
		var rec RepositoryRecord
		if err := rows.Scan(&rec.ID, &rec.FullName, &rec.Owner, &rec.Name, &rec.Description,
			&rec.Language, &rec.AIProvider, &rec.IsPublic, &rec.VotesCount); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}
	return records, nil
}
