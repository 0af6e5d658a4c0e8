package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("WORKBOARD_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("WORKBOARD_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedWorkspace(t *testing.T, s *PostgresStore, id, code string) Workspace {
	t.Helper()
	ws := Workspace{ID: id, Name: code, Slug: strings.ToLower(code), Code: code}
	if err := s.InsertWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("InsertWorkspace() error = %v", err)
	}
	return ws
}

func TestNextIssueNumberIsScopedAndConcurrentSafe(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws_1", "ENG")

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int64]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.NextIssueNumber(ctx, "ws_1", "")
			if err != nil {
				t.Errorf("NextIssueNumber() error = %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[n] {
				t.Errorf("duplicate number %d", n)
			}
			seen[n] = true
		}()
	}
	wg.Wait()
	if len(seen) != callers {
		t.Fatalf("expected %d distinct numbers, got %d", callers, len(seen))
	}

	first, err := s.NextIssueNumber(ctx, "ws_1", "sp_1")
	if err != nil {
		t.Fatalf("NextIssueNumber(space) error = %v", err)
	}
	if first != 1 {
		t.Fatalf("space sequence should start at 1, got %d", first)
	}
}

func TestIssueInsertUpdateAndLookup(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws_1", "ENG")

	issue := Issue{
		ID:          "iss_1",
		WorkspaceID: "ws_1",
		Number:      1,
		Title:       "Broken login",
		Status:      StatusTodo,
		Priority:    PriorityHigh,
		AssigneeIDs: []string{"u1"},
		CreatedBy:   "Avery",
	}
	if err := s.InsertIssue(ctx, issue); err != nil {
		t.Fatalf("InsertIssue() error = %v", err)
	}

	dup := issue
	dup.ID = "iss_2"
	if err := s.InsertIssue(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate scope number error = %v, want ErrConflict", err)
	}

	status := StatusDone
	assignees := []string{"u1", "u2"}
	updated, err := s.UpdateIssue(ctx, "iss_1", IssuePatch{Status: &status, AssigneeIDs: &assignees, UpdatedBy: "Jamie"})
	if err != nil {
		t.Fatalf("UpdateIssue() error = %v", err)
	}
	if updated.Status != StatusDone || updated.Title != "Broken login" || len(updated.AssigneeIDs) != 2 {
		t.Fatalf("unexpected updated issue: %+v", updated)
	}

	got, err := s.GetIssueByNumber(ctx, "ws_1", "", 1)
	if err != nil {
		t.Fatalf("GetIssueByNumber() error = %v", err)
	}
	if got.ID != "iss_1" || got.Priority != PriorityHigh {
		t.Fatalf("unexpected issue: %+v", got)
	}

	if _, err := s.UpdateIssue(ctx, "missing", IssuePatch{Status: &status}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("UpdateIssue(missing) error = %v, want sql.ErrNoRows", err)
	}

	keys, err := s.ListIssueKeys(ctx)
	if err != nil {
		t.Fatalf("ListIssueKeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0].Prefix != "ENG" || keys[0].Number != 1 {
		t.Fatalf("unexpected keys: %+v", keys)
	}
}

func TestSpaceCodesMatchCaseInsensitively(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws_1", "ENG")
	seedWorkspace(t, s, "ws_2", "OPS")

	for _, space := range []Space{
		{ID: "sp_1", WorkspaceID: "ws_1", Name: "Design", Code: "design"},
		{ID: "sp_2", WorkspaceID: "ws_2", Name: "Design", Code: "Design"},
	} {
		if err := s.InsertSpace(ctx, space); err != nil {
			t.Fatalf("InsertSpace(%s) error = %v", space.ID, err)
		}
	}
	if err := s.InsertSpace(ctx, Space{ID: "sp_3", WorkspaceID: "ws_1", Name: "Dup", Code: "DESIGN"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate space code error = %v, want ErrConflict", err)
	}

	matches, err := s.FindSpacesByCode(ctx, "DESIGN")
	if err != nil {
		t.Fatalf("FindSpacesByCode() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}

	user, err := s.EnsureUserByName(ctx, "Avery")
	if err != nil {
		t.Fatalf("EnsureUserByName() error = %v", err)
	}
	if err := s.AddMembership(ctx, user.ID, "ws_1", "member"); err != nil {
		t.Fatalf("AddMembership() error = %v", err)
	}
	visible, err := s.ListVisibleWorkspaces(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListVisibleWorkspaces() error = %v", err)
	}
	if len(visible) != 1 || visible[0].ID != "ws_1" || visible[0].Role != "member" {
		t.Fatalf("unexpected visible workspaces: %+v", visible)
	}
	role, err := s.MembershipRole(ctx, user.ID, "ws_2")
	if err != nil || role != "" {
		t.Fatalf("MembershipRole(ws_2) = %q, %v", role, err)
	}
}
