package app

import (
	"context"
	"testing"
)

func TestBootstrapSeedsOnceWhenEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.workspaces = nil
	f.store.spaces = nil

	if err := f.service.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() disabled error = %v", err)
	}
	if len(f.store.workspaces) != 0 {
		t.Fatalf("expected no seeding when disabled, got %d workspaces", len(f.store.workspaces))
	}

	f.service.cfg.SeedDemo = true
	if err := f.service.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if err := f.service.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	if len(f.store.workspaces) != 1 || len(f.store.spaces) != 1 || len(f.store.issues) != 5 {
		t.Fatalf("unexpected seed: %d workspaces, %d spaces, %d issues", len(f.store.workspaces), len(f.store.spaces), len(f.store.issues))
	}

	avery := f.login(t, "Avery")
	payload, err := f.service.ResolveIdentifier(ctx, avery, "DESIGN-2", "", "")
	if err != nil {
		t.Fatalf("ResolveIdentifier() error = %v", err)
	}
	if payload["workspaceSlug"] != "acme" {
		t.Fatalf("unexpected resolution: %v", payload)
	}
	located, err := f.service.GetIssue(ctx, avery, "ENG-3", "", "")
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if located["roomMissing"] != false {
		t.Fatalf("seeded issue must have a room: %v", located)
	}
}

func TestListIssuesRendersDisplayIDsPerScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	avery := f.login(t, "Avery")
	f.createIssue(t, avery, "acme", CreateIssueInput{Title: "Workspace issue"})
	f.createIssue(t, avery, "acme", CreateIssueInput{Title: "Space issue", SpaceID: "sp_design"})

	payload, err := f.service.ListIssues(ctx, avery, "acme", "")
	if err != nil {
		t.Fatalf("ListIssues() error = %v", err)
	}
	issues := payload["issues"].([]map[string]any)
	if len(issues) != 2 || issues[0]["displayId"] != "ENG-1" || issues[1]["displayId"] != "DESIGN-1" {
		t.Fatalf("unexpected issues: %v", issues)
	}

	payload, err = f.service.ListIssues(ctx, avery, "acme", "sp_design")
	if err != nil {
		t.Fatalf("ListIssues(space) error = %v", err)
	}
	if issues := payload["issues"].([]map[string]any); len(issues) != 1 || issues[0]["displayId"] != "DESIGN-1" {
		t.Fatalf("unexpected space issues: %v", issues)
	}
}

func TestLogoutRevokesOnlyThatToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t, "Avery")
	second := f.login(t, "Avery")

	if err := f.service.Logout(ctx, first); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := f.service.SessionFromToken(ctx, first.Token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
	if _, err := f.service.SessionFromToken(ctx, second.Token); err != nil {
		t.Fatalf("other session must stay valid: %v", err)
	}
}
