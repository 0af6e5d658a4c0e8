package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var ErrConflict = errors.New("conflict")

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, created_at FROM users WHERE display_name = $1`, name).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.workboard.dev'))
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, email, created_at
	`, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, created_at FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertWorkspace(ctx context.Context, ws Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug, code)
		VALUES ($1, $2, $3, $4)
	`, ws.ID, ws.Name, ws.Slug, ws.Code)
	if err != nil {
		return wrapWriteError("insert workspace", err)
	}
	return nil
}

const workspaceColumns = `w.id, w.name, w.slug, w.code, w.created_at, w.updated_at`

func scanWorkspace(row interface{ Scan(...any) error }, ws *Workspace, extra ...any) error {
	dest := []any{&ws.ID, &ws.Name, &ws.Slug, &ws.Code, &ws.CreatedAt, &ws.UpdatedAt}
	return row.Scan(append(dest, extra...)...)
}

func (s *PostgresStore) GetWorkspaceByID(ctx context.Context, workspaceID string) (Workspace, error) {
	var ws Workspace
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces w WHERE w.id = $1`, workspaceID)
	if err := scanWorkspace(row, &ws); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

func (s *PostgresStore) GetWorkspaceBySlug(ctx context.Context, slug string) (Workspace, error) {
	var ws Workspace
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces w WHERE w.slug = $1`, slug)
	if err := scanWorkspace(row, &ws); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

// FindWorkspaceByCode matches the code exactly, case included.
func (s *PostgresStore) FindWorkspaceByCode(ctx context.Context, code string) (Workspace, error) {
	var ws Workspace
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces w WHERE w.code = $1`, code)
	if err := scanWorkspace(row, &ws); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

func (s *PostgresStore) ListVisibleWorkspaces(ctx context.Context, userID string) ([]WorkspaceAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workspaceColumns+`, m.role
		FROM workspaces w
		JOIN workspace_memberships m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY w.slug
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list visible workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]WorkspaceAccess, 0)
	for rows.Next() {
		var item WorkspaceAccess
		if err := scanWorkspace(rows, &item.Workspace, &item.Role); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddMembership(ctx context.Context, userID, workspaceID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (user_id, workspace_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, workspace_id) DO UPDATE SET role = EXCLUDED.role
	`, userID, workspaceID, role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// MembershipRole returns "" when the user is not a member.
func (s *PostgresStore) MembershipRole(ctx context.Context, userID, workspaceID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_memberships WHERE user_id = $1 AND workspace_id = $2
	`, userID, workspaceID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read membership: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) InsertSpace(ctx context.Context, space Space) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spaces (id, workspace_id, name, code, description)
		VALUES ($1, $2, $3, $4, $5)
	`, space.ID, space.WorkspaceID, space.Name, space.Code, space.Description)
	if err != nil {
		return wrapWriteError("insert space", err)
	}
	return nil
}

const spaceColumns = `id, workspace_id, name, code, description, created_at, updated_at`

func (s *PostgresStore) querySpaces(ctx context.Context, query string, args ...any) ([]Space, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	items := make([]Space, 0)
	for rows.Next() {
		var item Space
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Name, &item.Code, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spaces: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSpaces(ctx context.Context, workspaceID string) ([]Space, error) {
	return s.querySpaces(ctx, `SELECT `+spaceColumns+` FROM spaces WHERE workspace_id = $1 ORDER BY created_at, id`, workspaceID)
}

func (s *PostgresStore) GetSpace(ctx context.Context, spaceID string) (Space, error) {
	items, err := s.querySpaces(ctx, `SELECT `+spaceColumns+` FROM spaces WHERE id = $1`, spaceID)
	if err != nil {
		return Space{}, err
	}
	if len(items) == 0 {
		return Space{}, sql.ErrNoRows
	}
	return items[0], nil
}

// FindSpacesByCode matches case-insensitively across every workspace. Callers
// filter by visibility.
func (s *PostgresStore) FindSpacesByCode(ctx context.Context, code string) ([]Space, error) {
	return s.querySpaces(ctx, `
		SELECT `+spaceColumns+`
		FROM spaces
		WHERE LOWER(code) = LOWER($1)
		ORDER BY created_at, id
	`, strings.TrimSpace(code))
}

// NextIssueNumber allocates the next sequence number for a scope. The upsert
// holds the row lock for the duration of the statement, so concurrent callers
// never receive the same number.
func (s *PostgresStore) NextIssueNumber(ctx context.Context, workspaceID, spaceID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO issue_sequences (workspace_id, scope_key, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (workspace_id, scope_key) DO UPDATE SET last_number = issue_sequences.last_number + 1
		RETURNING last_number
	`, workspaceID, spaceID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("allocate issue number: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) InsertIssue(ctx context.Context, issue Issue) error {
	assignees, err := encodeAssignees(issue.AssigneeIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (id, workspace_id, space_id, number, title, status, priority, assignee_ids, content, room_key, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11)
	`, issue.ID, issue.WorkspaceID, issue.SpaceID, issue.Number, issue.Title, string(issue.Status), string(issue.Priority),
		assignees, nullableJSON(issue.Content), issue.RoomKey, issue.CreatedBy)
	if err != nil {
		return wrapWriteError("insert issue", err)
	}
	return nil
}

const issueColumns = `id, workspace_id, space_id, number, title, status, priority, assignee_ids, content, room_key, created_by, created_at, updated_at`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var (
		item         Issue
		status       string
		priority     string
		assigneesRaw []byte
		contentRaw   []byte
	)
	if err := row.Scan(&item.ID, &item.WorkspaceID, &item.SpaceID, &item.Number, &item.Title, &status, &priority,
		&assigneesRaw, &contentRaw, &item.RoomKey, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Issue{}, err
	}
	item.Status = IssueStatus(status)
	item.Priority = IssuePriority(priority)
	item.AssigneeIDs = []string{}
	if len(assigneesRaw) > 0 {
		if err := json.Unmarshal(assigneesRaw, &item.AssigneeIDs); err != nil {
			return Issue{}, fmt.Errorf("decode assignees for %s: %w", item.ID, err)
		}
	}
	if len(contentRaw) > 0 {
		item.Content = json.RawMessage(contentRaw)
	}
	return item, nil
}

func (s *PostgresStore) GetIssueByNumber(ctx context.Context, workspaceID, spaceID string, number int64) (Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE workspace_id = $1 AND COALESCE(space_id, '') = $2 AND number = $3
	`, workspaceID, spaceID, number)
	return scanIssue(row)
}

func (s *PostgresStore) GetIssueByRoomKey(ctx context.Context, roomKey string) (Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE room_key = $1`, roomKey)
	return scanIssue(row)
}

// UpdateIssue applies the patch as a single-row statement; unset fields keep
// their stored values. Concurrent patches are last-write-wins.
func (s *PostgresStore) UpdateIssue(ctx context.Context, issueID string, patch IssuePatch) (Issue, error) {
	var (
		status    any
		priority  any
		assignees any
	)
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	if patch.Priority != nil {
		priority = string(*patch.Priority)
	}
	if patch.AssigneeIDs != nil {
		encoded, err := encodeAssignees(*patch.AssigneeIDs)
		if err != nil {
			return Issue{}, err
		}
		assignees = encoded
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE issues SET
			title = COALESCE($2, title),
			status = COALESCE($3, status),
			priority = COALESCE($4, priority),
			assignee_ids = COALESCE($5::jsonb, assignee_ids),
			content = COALESCE($6::jsonb, content),
			updated_by = COALESCE(NULLIF($7, ''), updated_by),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+issueColumns,
		issueID, patch.Title, status, priority, assignees, nullableJSON(patch.Content), patch.UpdatedBy)
	item, err := scanIssue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Issue{}, err
		}
		return Issue{}, wrapWriteError("update issue", err)
	}
	return item, nil
}

// ListIssues returns every issue of a workspace, or of one space when spaceID
// is set.
func (s *PostgresStore) ListIssues(ctx context.Context, workspaceID, spaceID string) ([]Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE workspace_id = $1`
	args := []any{workspaceID}
	if spaceID != "" {
		query += ` AND space_id = $2`
		args = append(args, spaceID)
	}
	query += ` ORDER BY created_at, number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

// ListIssueKeys returns the display prefix of every issue so room keys can be
// recomputed without loading full rows.
func (s *PostgresStore) ListIssueKeys(ctx context.Context) ([]IssueKeyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.workspace_id, COALESCE(UPPER(sp.code), w.code), i.number, i.room_key
		FROM issues i
		JOIN workspaces w ON w.id = i.workspace_id
		LEFT JOIN spaces sp ON sp.id = i.space_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list issue keys: %w", err)
	}
	defer rows.Close()

	items := make([]IssueKeyRow, 0)
	for rows.Next() {
		var item IssueKeyRow
		if err := rows.Scan(&item.WorkspaceID, &item.Prefix, &item.Number, &item.RoomKey); err != nil {
			return nil, fmt.Errorf("scan issue key: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue keys: %w", err)
	}
	return items, nil
}

func encodeAssignees(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal assignees: %w", err)
	}
	return string(encoded), nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func wrapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
