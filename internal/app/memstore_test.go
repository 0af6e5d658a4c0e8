package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"workboard/api/internal/config"
	"workboard/api/internal/coordinator"
	"workboard/api/internal/issueid"
	"workboard/api/internal/revalidate"
	"workboard/api/internal/rooms"
	"workboard/api/internal/scope"
	"workboard/api/internal/search"
	"workboard/api/internal/session"
	"workboard/api/internal/store"
)

// memStore is an in-memory stand-in for the Postgres store. It implements the
// service, resolver and coordinator views of the relational store.
type memStore struct {
	mu         sync.Mutex
	users      []store.User
	workspaces []store.Workspace
	members    map[string]map[string]string
	spaces     []store.Space
	issues     []store.Issue
	sequences  map[string]int64

	pingErr   error
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{
		members:   make(map[string]map[string]string),
		sequences: make(map[string]int64),
	}
}

func (m *memStore) Ping(context.Context) error {
	return m.pingErr
}

func (m *memStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{ID: "usr_" + strings.ToLower(name), DisplayName: name, CreatedAt: time.Now()}
	m.users = append(m.users, user)
	return user, nil
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.ID == userID {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) InsertWorkspace(_ context.Context, ws store.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.workspaces {
		if existing.Slug == ws.Slug || existing.Code == ws.Code {
			return fmt.Errorf("insert workspace: %w", store.ErrConflict)
		}
	}
	m.workspaces = append(m.workspaces, ws)
	return nil
}

func (m *memStore) findWorkspace(match func(store.Workspace) bool) (store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ws := range m.workspaces {
		if match(ws) {
			return ws, nil
		}
	}
	return store.Workspace{}, sql.ErrNoRows
}

func (m *memStore) GetWorkspaceBySlug(_ context.Context, slug string) (store.Workspace, error) {
	return m.findWorkspace(func(ws store.Workspace) bool { return ws.Slug == slug })
}

func (m *memStore) FindWorkspaceByCode(_ context.Context, code string) (store.Workspace, error) {
	return m.findWorkspace(func(ws store.Workspace) bool { return ws.Code == code })
}

func (m *memStore) ListVisibleWorkspaces(_ context.Context, userID string) ([]store.WorkspaceAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.WorkspaceAccess, 0)
	for _, ws := range m.workspaces {
		if role, ok := m.members[userID][ws.ID]; ok {
			items = append(items, store.WorkspaceAccess{Workspace: ws, Role: role})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Slug < items[j].Slug })
	return items, nil
}

func (m *memStore) AddMembership(_ context.Context, userID, workspaceID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[userID] == nil {
		m.members[userID] = make(map[string]string)
	}
	m.members[userID][workspaceID] = role
	return nil
}

func (m *memStore) MembershipRole(_ context.Context, userID, workspaceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[userID][workspaceID], nil
}

func (m *memStore) InsertSpace(_ context.Context, space store.Space) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.spaces {
		if existing.WorkspaceID == space.WorkspaceID && strings.EqualFold(existing.Code, space.Code) {
			return fmt.Errorf("insert space: %w", store.ErrConflict)
		}
	}
	m.spaces = append(m.spaces, space)
	return nil
}

func (m *memStore) ListSpaces(_ context.Context, workspaceID string) ([]store.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Space, 0)
	for _, space := range m.spaces {
		if space.WorkspaceID == workspaceID {
			items = append(items, space)
		}
	}
	return items, nil
}

func (m *memStore) GetSpace(_ context.Context, spaceID string) (store.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, space := range m.spaces {
		if space.ID == spaceID {
			return space, nil
		}
	}
	return store.Space{}, sql.ErrNoRows
}

func (m *memStore) FindSpacesByCode(_ context.Context, code string) ([]store.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Space, 0)
	for _, space := range m.spaces {
		if strings.EqualFold(space.Code, strings.TrimSpace(code)) {
			items = append(items, space)
		}
	}
	return items, nil
}

func (m *memStore) NextIssueNumber(_ context.Context, workspaceID, spaceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workspaceID + "/" + spaceID
	m.sequences[key]++
	return m.sequences[key], nil
}

func (m *memStore) InsertIssue(_ context.Context, issue store.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.issues {
		if existing.WorkspaceID == issue.WorkspaceID && existing.SpaceIDValue() == issue.SpaceIDValue() && existing.Number == issue.Number {
			return fmt.Errorf("insert issue: %w", store.ErrConflict)
		}
	}
	now := time.Now().UTC()
	issue.CreatedAt, issue.UpdatedAt = now, now
	m.issues = append(m.issues, issue)
	return nil
}

func (m *memStore) findIssue(match func(store.Issue) bool) (store.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, issue := range m.issues {
		if match(issue) {
			return issue, nil
		}
	}
	return store.Issue{}, sql.ErrNoRows
}

func (m *memStore) GetIssueByNumber(_ context.Context, workspaceID, spaceID string, number int64) (store.Issue, error) {
	return m.findIssue(func(issue store.Issue) bool {
		return issue.WorkspaceID == workspaceID && issue.SpaceIDValue() == spaceID && issue.Number == number
	})
}

func (m *memStore) GetIssueByRoomKey(_ context.Context, roomKey string) (store.Issue, error) {
	return m.findIssue(func(issue store.Issue) bool {
		return issue.RoomKey != nil && *issue.RoomKey == roomKey
	})
}

func (m *memStore) UpdateIssue(_ context.Context, issueID string, patch store.IssuePatch) (store.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return store.Issue{}, m.updateErr
	}
	for i, issue := range m.issues {
		if issue.ID != issueID {
			continue
		}
		if patch.Title != nil {
			issue.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Status != nil {
			issue.Status = *patch.Status
		}
		if patch.Priority != nil {
			issue.Priority = *patch.Priority
		}
		if patch.AssigneeIDs != nil {
			issue.AssigneeIDs = append([]string{}, (*patch.AssigneeIDs)...)
		}
		if len(patch.Content) > 0 {
			issue.Content = patch.Content
		}
		issue.UpdatedAt = time.Now().UTC()
		m.issues[i] = issue
		return issue, nil
	}
	return store.Issue{}, sql.ErrNoRows
}

func (m *memStore) ListIssues(_ context.Context, workspaceID, spaceID string) ([]store.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Issue, 0)
	for _, issue := range m.issues {
		if issue.WorkspaceID != workspaceID {
			continue
		}
		if spaceID != "" && issue.SpaceIDValue() != spaceID {
			continue
		}
		items = append(items, issue)
	}
	return items, nil
}

func (m *memStore) ListIssueKeys(context.Context) ([]store.IssueKeyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.IssueKeyRow, 0, len(m.issues))
	for _, issue := range m.issues {
		prefix := ""
		for _, ws := range m.workspaces {
			if ws.ID == issue.WorkspaceID {
				prefix = ws.Code
			}
		}
		for _, space := range m.spaces {
			if space.ID == issue.SpaceIDValue() {
				prefix = issueid.SpacePrefix(space.Code)
			}
		}
		items = append(items, store.IssueKeyRow{WorkspaceID: issue.WorkspaceID, Prefix: prefix, Number: issue.Number, RoomKey: issue.RoomKey})
	}
	return items, nil
}

func (m *memStore) issue(t *testing.T, workspaceID string, number int64) store.Issue {
	t.Helper()
	issue, err := m.GetIssueByNumber(context.Background(), workspaceID, "", number)
	if err != nil {
		t.Fatalf("issue %s/%d: %v", workspaceID, number, err)
	}
	return issue
}

type fakeSearch struct {
	mu      sync.Mutex
	queries []search.Query
	results []search.Result
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	results := f.results
	if results == nil {
		results = []search.Result{}
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}
}

type fixture struct {
	store   *memStore
	rooms   *rooms.Service
	hub     *revalidate.Hub
	search  *fakeSearch
	service *Service
	server  *HTTPServer
}

// newFixture wires the service with the real resolver, coordinator and room
// store over an in-memory relational store:
//
//	acme (ENG): Avery admin, Jamie viewer; space "design" (DESIGN)
//	ops  (OPS): Morgan member
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ms := newMemStore()
	for _, name := range []string{"Avery", "Jamie", "Morgan"} {
		if _, err := ms.EnsureUserByName(ctx, name); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	ms.workspaces = []store.Workspace{
		{ID: "ws_acme", Name: "Acme", Slug: "acme", Code: "ENG"},
		{ID: "ws_ops", Name: "Ops", Slug: "ops", Code: "OPS"},
	}
	ms.spaces = []store.Space{{ID: "sp_design", WorkspaceID: "ws_acme", Name: "Design", Code: "design"}}
	_ = ms.AddMembership(ctx, "usr_avery", "ws_acme", "admin")
	_ = ms.AddMembership(ctx, "usr_jamie", "ws_acme", "viewer")
	_ = ms.AddMembership(ctx, "usr_morgan", "ws_ops", "member")

	log, _ := test.NewNullLogger()
	codec := issueid.NewCodec("workboard")
	resolver := scope.NewResolver(ms, codec, scope.Policy{})
	roomService := rooms.New(t.TempDir())
	hub := revalidate.NewHub()
	searcher := &fakeSearch{}
	coord := coordinator.New(ms, roomService, resolver, hub, nil, log)

	svc := &Service{
		cfg: config.Config{
			JWTSecret:   "test-secret",
			SyncToken:   "sync-secret",
			AccessTTL:   time.Hour,
			OrphanGrace: time.Hour,
		},
		store:       ms,
		resolver:    resolver,
		issues:      coord,
		rooms:       roomService,
		search:      searcher,
		hub:         hub,
		revocations: session.NewMemoryRevocations(),
		log:         log,
	}
	return &fixture{
		store:   ms,
		rooms:   roomService,
		hub:     hub,
		search:  searcher,
		service: svc,
		server:  NewHTTPServer(svc, "*", log),
	}
}

func (f *fixture) login(t *testing.T, name string) Session {
	t.Helper()
	current, err := f.service.Login(context.Background(), name)
	if err != nil {
		t.Fatalf("Login(%s) error = %v", name, err)
	}
	return current
}

func (f *fixture) createIssue(t *testing.T, as Session, slug string, input CreateIssueInput) map[string]any {
	t.Helper()
	payload, err := f.service.CreateIssue(context.Background(), as, slug, input)
	if err != nil {
		t.Fatalf("CreateIssue(%q) error = %v", input.Title, err)
	}
	return payload["issue"].(map[string]any)
}
