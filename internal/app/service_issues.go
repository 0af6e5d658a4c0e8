package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"workboard/api/internal/coordinator"
	"workboard/api/internal/issueid"
	"workboard/api/internal/kanban"
	"workboard/api/internal/rbac"
	"workboard/api/internal/rooms"
	"workboard/api/internal/scope"
	"workboard/api/internal/search"
	"workboard/api/internal/store"
)

const roomHistoryLimit = 20

type CreateIssueInput struct {
	Title       string          `json:"title"`
	Status      string          `json:"status"`
	Priority    string          `json:"priority"`
	AssigneeIDs []string        `json:"assigneeIds"`
	Content     json.RawMessage `json:"content"`
	SpaceID     string          `json:"spaceId"`
}

// UpdateIssueInput is a field-level patch. Title, status, priority and
// assignees are projected into the issue room after the record is written.
type UpdateIssueInput struct {
	Title       *string         `json:"title"`
	Status      *string         `json:"status"`
	Priority    *string         `json:"priority"`
	AssigneeIDs *[]string       `json:"assigneeIds"`
	Content     json.RawMessage `json:"content"`
}

func (in UpdateIssueInput) patch() coordinator.Patch {
	p := coordinator.Patch{Title: in.Title, AssigneeIDs: in.AssigneeIDs, Content: in.Content}
	if in.Status != nil {
		status := store.IssueStatus(strings.TrimSpace(*in.Status))
		p.Status = &status
	}
	if in.Priority != nil {
		priority := store.IssuePriority(strings.TrimSpace(*in.Priority))
		p.Priority = &priority
	}
	meta := rooms.MetadataPatch{AssigneeIDs: in.AssigneeIDs}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		meta.Title = &title
	}
	if p.Status != nil {
		status := string(*p.Status)
		meta.Status = &status
	}
	if p.Priority != nil {
		priority := string(*p.Priority)
		meta.Priority = &priority
	}
	if !meta.Empty() {
		p.Metadata = &meta
	}
	return p
}

type ReconcileInput struct {
	SpaceID string            `json:"spaceId"`
	Local   []kanban.Item     `json:"local"`
	Drag    kanban.DragResult `json:"drag"`
}

// ResolveIdentifier maps a display identifier to its scope and room key
// without loading the issue record.
func (s *Service) ResolveIdentifier(ctx context.Context, current Session, displayID, workspaceSlug, spaceID string) (map[string]any, error) {
	res, err := s.resolver.Resolve(ctx, s.hintContext(ctx, current, workspaceSlug, spaceID), displayID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"displayId":     string(res.DisplayID),
		"number":        res.Number,
		"prefix":        res.Prefix,
		"workspaceId":   res.WorkspaceID,
		"workspaceSlug": res.WorkspaceSlug,
		"documentKey":   res.DocumentKey,
		"role":          string(res.Role),
	}
	if res.SpaceID != "" {
		payload["spaceId"] = res.SpaceID
	}
	return payload, nil
}

func (s *Service) GetIssue(ctx context.Context, current Session, ref, workspaceSlug, spaceID string) (map[string]any, error) {
	located, err := s.issues.Lookup(ctx, s.hintContext(ctx, current, workspaceSlug, spaceID), ref)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"issue": issuePayload(located.Issue, located.DisplayID, located.DocumentKey),
		"scope": scopePayload(located.Scope),
	}
	room, err := s.rooms.GetRoom(located.DocumentKey)
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		payload["room"] = nil
		payload["roomMissing"] = true
		payload["history"] = []rooms.CommitInfo{}
		return payload, nil
	case err != nil:
		return nil, fmt.Errorf("load room: %w", err)
	}

	history, err := s.rooms.History(located.DocumentKey, roomHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load room history: %w", err)
	}
	payload["room"] = map[string]any{
		"key":      room.Key,
		"metadata": room.Metadata,
		"content":  room.Content,
		"head":     room.Head,
	}
	payload["roomMissing"] = false
	payload["history"] = history
	return payload, nil
}

func (s *Service) ListIssues(ctx context.Context, current Session, slug, spaceID string) (map[string]any, error) {
	target, err := s.workspaceScope(ctx, current, slug, spaceID)
	if err != nil {
		return nil, err
	}
	issues, prefixes, err := s.loadIssues(ctx, target)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		displayID := issueid.Encode(prefixes[issue.SpaceIDValue()], issue.Number)
		items = append(items, issuePayload(issue, displayID, ""))
	}
	return map[string]any{"issues": items}, nil
}

func (s *Service) CreateIssue(ctx context.Context, current Session, slug string, input CreateIssueInput) (map[string]any, error) {
	target, err := s.workspaceScope(ctx, current, slug, strings.TrimSpace(input.SpaceID))
	if err != nil {
		return nil, err
	}
	if len(input.Content) > 0 && !json.Valid(input.Content) {
		return nil, fmt.Errorf("%w: content is not valid JSON", coordinator.ErrInvalidField)
	}
	created, err := s.issues.Create(ctx, target, current.UserName, coordinator.NewIssue{
		Title:       input.Title,
		Status:      store.IssueStatus(strings.TrimSpace(input.Status)),
		Priority:    store.IssuePriority(strings.TrimSpace(input.Priority)),
		AssigneeIDs: input.AssigneeIDs,
		Content:     input.Content,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"issue": issuePayload(created.Issue, created.DisplayID, created.DocumentKey),
		"scope": scopePayload(target),
	}, nil
}

func (s *Service) UpdateIssue(ctx context.Context, current Session, ref, workspaceSlug, spaceID string, input UpdateIssueInput) (map[string]any, error) {
	result, err := s.issues.Update(ctx, s.hintContext(ctx, current, workspaceSlug, spaceID), ref, input.patch())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"issue":      issuePayload(result.Issue, result.DisplayID, result.DocumentKey),
		"projection": projectionPayload(result.Projection),
	}, nil
}

func (s *Service) Board(ctx context.Context, current Session, slug, spaceID, kind string) (map[string]any, error) {
	layout, err := boardLayout(kind)
	if err != nil {
		return nil, err
	}
	target, err := s.workspaceScope(ctx, current, slug, spaceID)
	if err != nil {
		return nil, err
	}
	items, err := s.boardItems(ctx, target)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"kind":  layout.Kind,
		"scope": scopePayload(target),
		"lanes": kanban.Group(layout, items),
	}, nil
}

// ReconcileBoard applies a finished drag. The confirmed state is always
// loaded from the store; the client only supplies its local ordering and the
// drag. When a status write is needed it goes through the coordinator, and a
// failed write tells the client to reload instead of keeping its local state.
func (s *Service) ReconcileBoard(ctx context.Context, current Session, slug string, input ReconcileInput) (map[string]any, error) {
	target, err := s.workspaceScope(ctx, current, slug, strings.TrimSpace(input.SpaceID))
	if err != nil {
		return nil, err
	}
	confirmed, err := s.boardItems(ctx, target)
	if err != nil {
		return nil, err
	}
	local := input.Local
	if len(local) == 0 {
		local = confirmed
	}

	outcome, err := kanban.Reconcile(kanban.IssueLayout, confirmed, local, input.Drag)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_DRAG", err.Error(), nil)
	}
	if outcome.Pending == nil {
		return map[string]any{
			"reload":  false,
			"items":   outcome.Items,
			"pending": nil,
			"lanes":   kanban.Group(kanban.IssueLayout, outcome.Items),
		}, nil
	}

	status := string(outcome.Pending.To)
	_, writeErr := s.issues.Update(ctx, current.scopeContext(target.WorkspaceID, target.SpaceID), outcome.Pending.ItemID, UpdateIssueInput{Status: &status}.patch())

	reloaded, err := s.boardItems(ctx, target)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"pending": outcome.Pending,
		"lanes":   kanban.Group(kanban.IssueLayout, reloaded),
	}
	if writeErr != nil {
		s.log.WithError(writeErr).WithField("issue", outcome.Pending.ItemID).Warn("board write failed, client must reload")
		_, code, message, _ := mapError(writeErr)
		payload["reload"] = true
		payload["items"] = reloaded
		payload["error"] = map[string]any{"code": code, "error": message}
		return payload, nil
	}
	payload["reload"] = false
	payload["items"] = outcome.Items
	payload["confirmed"] = reloaded
	return payload, nil
}

func (s *Service) Search(ctx context.Context, current Session, slug, text, spaceID, status string, limit, offset int) (search.Response, error) {
	target, err := s.workspaceScope(ctx, current, slug, "")
	if err != nil {
		return search.Response{}, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(search.Query{
		Text:        strings.TrimSpace(text),
		WorkspaceID: target.WorkspaceID,
		SpaceID:     strings.TrimSpace(spaceID),
		Status:      strings.TrimSpace(status),
		Limit:       limit,
		Offset:      offset,
	}), nil
}

// SweepRooms removes orphaned rooms. grace <= 0 uses the configured grace.
func (s *Service) SweepRooms(ctx context.Context, grace time.Duration) (coordinator.SweepReport, error) {
	if grace <= 0 {
		grace = s.cfg.OrphanGrace
	}
	return s.issues.Sweep(ctx, grace)
}

// WriteRoomContent stores rich content flushed by the collaboration server.
func (s *Service) WriteRoomContent(documentKey string, content json.RawMessage, author string) (map[string]any, error) {
	documentKey = strings.TrimSpace(documentKey)
	if documentKey == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentKey is required", nil)
	}
	if len(content) == 0 || !json.Valid(content) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content must be valid JSON", nil)
	}
	if strings.TrimSpace(author) == "" {
		author = "sync"
	}
	commit, err := s.rooms.WriteContent(documentKey, content, author, "Sync content")
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "documentKey": documentKey, "head": commit}, nil
}

func (s *Service) boardItems(ctx context.Context, target scope.Scope) ([]kanban.Item, error) {
	if !rbac.Can(target.Role, rbac.ActionRead) {
		return nil, fmt.Errorf("%w: board %s", scope.ErrUnauthorized, target.Prefix)
	}
	issues, prefixes, err := s.loadIssues(ctx, target)
	if err != nil {
		return nil, err
	}
	items := make([]kanban.Item, 0, len(issues))
	for _, issue := range issues {
		items = append(items, kanban.Item{
			ID:     string(issueid.Encode(prefixes[issue.SpaceIDValue()], issue.Number)),
			Title:  issue.Title,
			Status: kanban.Status(issue.Status),
		})
	}
	return items, nil
}

// loadIssues returns the issues of target plus the display prefix of every
// scope they can belong to, keyed by space id ("" for the workspace).
func (s *Service) loadIssues(ctx context.Context, target scope.Scope) ([]store.Issue, map[string]string, error) {
	issues, err := s.store.ListIssues(ctx, target.WorkspaceID, target.SpaceID)
	if err != nil {
		return nil, nil, err
	}
	prefixes := map[string]string{"": target.Prefix}
	if target.SpaceID != "" {
		prefixes[target.SpaceID] = target.Prefix
		return issues, prefixes, nil
	}
	spaces, err := s.store.ListSpaces(ctx, target.WorkspaceID)
	if err != nil {
		return nil, nil, err
	}
	for _, space := range spaces {
		prefixes[space.ID] = issueid.SpacePrefix(space.Code)
	}
	return issues, prefixes, nil
}

func boardLayout(kind string) (kanban.Layout, error) {
	layout, ok := kanban.LayoutFor(strings.TrimSpace(kind))
	if !ok {
		return kanban.Layout{}, domainError(http.StatusBadRequest, "INVALID_BOARD_TYPE", "Unknown board type", map[string]any{"type": kind})
	}
	if layout.Kind != kanban.IssueLayout.Kind {
		return kanban.Layout{}, domainError(http.StatusUnprocessableEntity, "UNSUPPORTED_BOARD_TYPE", "Only issue boards are served", map[string]any{"type": kind})
	}
	return layout, nil
}

func issuePayload(issue store.Issue, displayID issueid.DisplayID, documentKey string) map[string]any {
	payload := map[string]any{
		"id":          issue.ID,
		"displayId":   string(displayID),
		"workspaceId": issue.WorkspaceID,
		"number":      issue.Number,
		"title":       issue.Title,
		"status":      string(issue.Status),
		"priority":    string(issue.Priority),
		"assigneeIds": nonNilStrings(issue.AssigneeIDs),
		"createdBy":   issue.CreatedBy,
		"createdAt":   issue.CreatedAt,
		"updatedAt":   issue.UpdatedAt,
	}
	if issue.SpaceID != nil {
		payload["spaceId"] = *issue.SpaceID
	}
	if len(issue.Content) > 0 {
		payload["content"] = issue.Content
	}
	if documentKey != "" {
		payload["documentKey"] = documentKey
	}
	return payload
}

func scopePayload(sc scope.Scope) map[string]any {
	payload := map[string]any{
		"workspaceId":   sc.WorkspaceID,
		"workspaceSlug": sc.WorkspaceSlug,
		"prefix":        sc.Prefix,
		"role":          string(sc.Role),
	}
	if sc.SpaceID != "" {
		payload["spaceId"] = sc.SpaceID
	}
	return payload
}

func projectionPayload(side coordinator.SideChannel) map[string]any {
	payload := map[string]any{
		"attempted": side.Attempted,
		"stale":     side.Stale,
	}
	if side.Err != nil {
		payload["error"] = side.Err.Error()
	}
	return payload
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
