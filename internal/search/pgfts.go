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

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const displayIDExpr = `COALESCE(UPPER(sp.code), w.code) || '-' || i.number::text`

// Search matches the query against issue titles and display identifiers
// within one workspace.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{text, q.WorkspaceID}
	where := fmt.Sprintf("i.workspace_id = $2 AND (i.fts @@ %s OR %s = UPPER($1))", tsQuery, displayIDExpr)
	if q.SpaceID != "" {
		args = append(args, q.SpaceID)
		where += fmt.Sprintf(" AND i.space_id = $%d", len(args))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		where += fmt.Sprintf(" AND i.status = $%d", len(args))
	}

	from := `
		FROM issues i
		JOIN workspaces w ON w.id = i.workspace_id
		LEFT JOIN spaces sp ON sp.id = i.space_id
		WHERE ` + where

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*)"+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT i.id, %s, i.title,
			ts_headline('english', i.title, %s, 'MaxFragments=1,MaxWords=30'),
			i.workspace_id, COALESCE(i.space_id, ''), i.status, i.priority
		%s
		ORDER BY ts_rank(i.fts, %s) DESC, i.updated_at DESC
		LIMIT %d OFFSET %d`,
		displayIDExpr, tsQuery, from, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.DisplayID, &r.Title, &r.Snippet, &r.WorkspaceID, &r.SpaceID, &r.Status, &r.Priority); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every issue for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]IssueRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT i.id, `+displayIDExpr+`, i.workspace_id, COALESCE(i.space_id, ''), i.title, i.status, i.priority
		FROM issues i
		JOIN workspaces w ON w.id = i.workspace_id
		LEFT JOIN spaces sp ON sp.id = i.space_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load issues: %w", err)
	}
	defer rows.Close()

	issues := make([]IssueRecord, 0)
	for rows.Next() {
		var r IssueRecord
		if err := rows.Scan(&r.ID, &r.DisplayID, &r.WorkspaceID, &r.SpaceID, &r.Title, &r.Status, &r.Priority); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return issues, nil
}
