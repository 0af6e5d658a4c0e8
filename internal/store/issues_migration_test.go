package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIssuesMigrationEnforcesScopedNumbering(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0002_issues.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS issues_scope_number_key ON issues (workspace_id, COALESCE(space_id, ''), number)",
		"PRIMARY KEY (workspace_id, scope_key)",
		"CHECK (status IN ('none', 'todo', 'progress', 'review', 'done'))",
		"CHECK (priority IN ('none', 'low', 'medium', 'high', 'urgent'))",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "room_key TEXT NOT NULL") {
		t.Fatal("room_key is a legacy column and must stay nullable")
	}
}
