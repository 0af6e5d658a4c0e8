package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"workboard/api/internal/coordinator"
	"workboard/api/internal/issueid"
	"workboard/api/internal/rbac"
	"workboard/api/internal/revalidate"
	"workboard/api/internal/scope"
	"workboard/api/internal/store"
	"workboard/api/internal/util"
)

type CreateWorkspaceInput struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
	Code string `json:"code"`
}

type CreateSpaceInput struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (s *Service) ListWorkspaces(ctx context.Context, current Session) (map[string]any, error) {
	visible, err := s.store.ListVisibleWorkspaces(ctx, current.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(visible))
	for _, ws := range visible {
		items = append(items, map[string]any{
			"id":   ws.ID,
			"name": ws.Name,
			"slug": ws.Slug,
			"code": ws.Code,
			"role": string(rbac.Normalize(ws.Role)),
		})
	}
	return map[string]any{"workspaces": items}, nil
}

// CreateWorkspace registers a workspace and makes the caller its admin. The
// code becomes the display prefix of workspace-level issues, so it must not
// collide with any other workspace or space code.
func (s *Service) CreateWorkspace(ctx context.Context, current Session, input CreateWorkspaceInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	slug := strings.ToLower(strings.TrimSpace(input.Slug))
	code := strings.TrimSpace(input.Code)
	if name == "" || slug == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name and slug are required", nil)
	}
	if !issueid.ValidWorkspaceCode(code) {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_CODE", "code must be 2-10 uppercase letters or digits starting with a letter", map[string]any{"code": code})
	}
	if err := s.ensureCodeFree(ctx, code); err != nil {
		return nil, err
	}

	ws := store.Workspace{ID: util.NewID("ws"), Name: name, Slug: slug, Code: code}
	if err := s.store.InsertWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	if err := s.store.AddMembership(ctx, current.UserID, ws.ID, string(rbac.RoleAdmin)); err != nil {
		return nil, err
	}
	return map[string]any{
		"workspace": map[string]any{"id": ws.ID, "name": ws.Name, "slug": ws.Slug, "code": ws.Code, "role": string(rbac.RoleAdmin)},
	}, nil
}

func (s *Service) ListSpaces(ctx context.Context, current Session, slug string) (map[string]any, error) {
	target, err := s.workspaceScope(ctx, current, slug, "")
	if err != nil {
		return nil, err
	}
	spaces, err := s.store.ListSpaces(ctx, target.WorkspaceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(spaces))
	for _, space := range spaces {
		items = append(items, spacePayload(space))
	}
	return map[string]any{"spaces": items}, nil
}

func (s *Service) CreateSpace(ctx context.Context, current Session, slug string, input CreateSpaceInput) (map[string]any, error) {
	target, err := s.workspaceScope(ctx, current, slug, "")
	if err != nil {
		return nil, err
	}
	if !rbac.Can(target.Role, rbac.ActionAdmin) {
		return nil, fmt.Errorf("%w: create space in %s", scope.ErrUnauthorized, target.Prefix)
	}
	name := strings.TrimSpace(input.Name)
	code := strings.TrimSpace(input.Code)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if !issueid.ValidSpaceCode(code) {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_CODE", "code must start with a letter and contain only letters and digits", map[string]any{"code": code})
	}
	if err := s.ensureCodeFree(ctx, issueid.SpacePrefix(code)); err != nil {
		return nil, err
	}

	space := store.Space{
		ID:          util.NewID("sp"),
		WorkspaceID: target.WorkspaceID,
		Name:        name,
		Code:        code,
		Description: strings.TrimSpace(input.Description),
	}
	if err := s.store.InsertSpace(ctx, space); err != nil {
		return nil, err
	}
	return map[string]any{"space": spacePayload(space)}, nil
}

// ensureCodeFree rejects a prefix already used by a workspace or a space.
// Space codes compare case-insensitively.
func (s *Service) ensureCodeFree(ctx context.Context, prefix string) error {
	_, err := s.store.FindWorkspaceByCode(ctx, prefix)
	switch {
	case err == nil:
		return domainError(http.StatusConflict, "CODE_TAKEN", "A workspace already uses this code", map[string]any{"code": prefix})
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}
	spaces, err := s.store.FindSpacesByCode(ctx, prefix)
	if err != nil {
		return err
	}
	if len(spaces) > 0 {
		return domainError(http.StatusConflict, "CODE_TAKEN", "A space already uses this code", map[string]any{"code": prefix})
	}
	return nil
}

// Subscribe returns revalidation signals for a workspace the caller can see.
// The returned cancel func must be called when the subscriber goes away.
func (s *Service) Subscribe(ctx context.Context, current Session, slug string) (<-chan revalidate.Signal, func(), error) {
	target, err := s.workspaceScope(ctx, current, slug, "")
	if err != nil {
		return nil, nil, err
	}
	if s.hub == nil {
		return nil, nil, domainError(http.StatusServiceUnavailable, "EVENTS_UNAVAILABLE", "Event stream is not configured", nil)
	}
	ch := s.hub.Subscribe(target.WorkspaceID)
	return ch, func() { s.hub.Unsubscribe(ch) }, nil
}

func spacePayload(space store.Space) map[string]any {
	return map[string]any{
		"id":          space.ID,
		"workspaceId": space.WorkspaceID,
		"name":        space.Name,
		"code":        space.Code,
		"prefix":      issueid.SpacePrefix(space.Code),
		"description": space.Description,
	}
}

type demoIssue struct {
	title    string
	status   store.IssueStatus
	priority store.IssuePriority
	space    bool
}

// Bootstrap seeds a demo workspace on an empty database: Avery administers
// "acme" (code ENG, space "design"), Jamie can only read it.
func (s *Service) Bootstrap(ctx context.Context) error {
	if !s.cfg.SeedDemo {
		return nil
	}
	_, err := s.store.GetWorkspaceBySlug(ctx, "acme")
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	avery, err := s.store.EnsureUserByName(ctx, "Avery")
	if err != nil {
		return err
	}
	jamie, err := s.store.EnsureUserByName(ctx, "Jamie")
	if err != nil {
		return err
	}

	ws := store.Workspace{ID: util.NewID("ws"), Name: "Acme Engineering", Slug: "acme", Code: "ENG"}
	if err := s.store.InsertWorkspace(ctx, ws); err != nil {
		return err
	}
	if err := s.store.AddMembership(ctx, avery.ID, ws.ID, string(rbac.RoleAdmin)); err != nil {
		return err
	}
	if err := s.store.AddMembership(ctx, jamie.ID, ws.ID, string(rbac.RoleViewer)); err != nil {
		return err
	}
	space := store.Space{ID: util.NewID("sp"), WorkspaceID: ws.ID, Name: "Design", Code: "design", Description: "Product design work"}
	if err := s.store.InsertSpace(ctx, space); err != nil {
		return err
	}

	workspaceScope := scope.Scope{WorkspaceID: ws.ID, WorkspaceSlug: ws.Slug, Prefix: ws.Code, Role: rbac.RoleAdmin}
	spaceScope := workspaceScope
	spaceScope.SpaceID = space.ID
	spaceScope.Prefix = issueid.SpacePrefix(space.Code)

	seed := []demoIssue{
		{title: "Login fails on Safari", status: store.StatusTodo, priority: store.PriorityHigh},
		{title: "Rate limit the search endpoint", status: store.StatusProgress, priority: store.PriorityMedium},
		{title: "Backfill room keys for old issues", status: store.StatusNone, priority: store.PriorityLow},
		{title: "Refresh empty board states", status: store.StatusReview, priority: store.PriorityNone, space: true},
		{title: "Icon set for issue priorities", status: store.StatusDone, priority: store.PriorityLow, space: true},
	}
	for _, item := range seed {
		target := workspaceScope
		if item.space {
			target = spaceScope
		}
		if _, err := s.issues.Create(ctx, target, avery.DisplayName, coordinator.NewIssue{
			Title:    item.title,
			Status:   item.status,
			Priority: item.priority,
		}); err != nil {
			return fmt.Errorf("seed issue %q: %w", item.title, err)
		}
	}
	s.log.WithField("workspace", ws.Slug).Info("seeded demo workspace")
	return nil
}
