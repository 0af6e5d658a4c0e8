package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"workboard/api/internal/auth"
	"workboard/api/internal/config"
	"workboard/api/internal/coordinator"
	"workboard/api/internal/revalidate"
	"workboard/api/internal/rooms"
	"workboard/api/internal/scope"
	"workboard/api/internal/search"
	"workboard/api/internal/session"
	"workboard/api/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	TokenID   string
	ExpiresAt time.Time
}

// scopeContext is the caller identity with an optional workspace/space hint.
func (s Session) scopeContext(workspaceID, spaceID string) scope.Context {
	return scope.Context{UserID: s.UserID, WorkspaceID: workspaceID, SpaceID: spaceID}
}

type dataStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	InsertWorkspace(ctx context.Context, ws store.Workspace) error
	GetWorkspaceBySlug(ctx context.Context, slug string) (store.Workspace, error)
	FindWorkspaceByCode(ctx context.Context, code string) (store.Workspace, error)
	ListVisibleWorkspaces(ctx context.Context, userID string) ([]store.WorkspaceAccess, error)
	AddMembership(ctx context.Context, userID, workspaceID, role string) error
	InsertSpace(ctx context.Context, space store.Space) error
	ListSpaces(ctx context.Context, workspaceID string) ([]store.Space, error)
	FindSpacesByCode(ctx context.Context, code string) ([]store.Space, error)
	ListIssues(ctx context.Context, workspaceID, spaceID string) ([]store.Issue, error)
	Ping(ctx context.Context) error
}

type identityResolver interface {
	Resolve(ctx context.Context, sc scope.Context, displayID string) (scope.Result, error)
	ForContext(ctx context.Context, sc scope.Context) (scope.Scope, error)
}

type issueCoordinator interface {
	Create(ctx context.Context, target scope.Scope, actor string, in coordinator.NewIssue) (coordinator.Created, error)
	Lookup(ctx context.Context, sc scope.Context, ref string) (coordinator.Located, error)
	Update(ctx context.Context, sc scope.Context, ref string, p coordinator.Patch) (coordinator.Result, error)
	Sweep(ctx context.Context, grace time.Duration) (coordinator.SweepReport, error)
}

type roomStore interface {
	GetRoom(key string) (rooms.Room, error)
	History(key string, limit int) ([]rooms.CommitInfo, error)
	WriteContent(key string, content json.RawMessage, author, message string) (rooms.CommitInfo, error)
}

type issueSearch interface {
	Search(q search.Query) search.Response
}

type Service struct {
	cfg         config.Config
	store       dataStore
	resolver    identityResolver
	issues      issueCoordinator
	rooms       roomStore
	search      issueSearch
	hub         *revalidate.Hub
	revocations session.Revocations
	log         logrus.FieldLogger
}

func New(
	cfg config.Config,
	dataStore *store.PostgresStore,
	resolver *scope.Resolver,
	issues *coordinator.Coordinator,
	roomService *rooms.Service,
	searchService *search.Service,
	hub *revalidate.Hub,
	revocations session.Revocations,
	log logrus.FieldLogger,
) *Service {
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		resolver:    resolver,
		issues:      issues,
		rooms:       roomService,
		search:      searchService,
		hub:         hub,
		revocations: revocations,
		log:         log.WithField("component", "app"),
	}
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	token, claims, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, current Session) error {
	if s.revocations == nil || current.TokenID == "" {
		return nil
	}
	if err := s.revocations.Revoke(ctx, current.TokenID, current.ExpiresAt); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// workspaceScope loads a workspace by slug and checks the caller can see it.
// spaceID, when set, narrows the scope to a space of that workspace.
func (s *Service) workspaceScope(ctx context.Context, current Session, slug, spaceID string) (scope.Scope, error) {
	ws, err := s.store.GetWorkspaceBySlug(ctx, strings.TrimSpace(slug))
	if errors.Is(err, sql.ErrNoRows) {
		return scope.Scope{}, fmt.Errorf("%w: workspace %s", scope.ErrScopeNotFound, slug)
	}
	if err != nil {
		return scope.Scope{}, err
	}
	return s.resolver.ForContext(ctx, current.scopeContext(ws.ID, spaceID))
}

// hintContext turns an optional workspace slug hint into a resolver context.
// An unknown slug is ignored rather than failing the lookup.
func (s *Service) hintContext(ctx context.Context, current Session, workspaceSlug, spaceID string) scope.Context {
	sc := current.scopeContext("", "")
	workspaceSlug = strings.TrimSpace(workspaceSlug)
	if workspaceSlug == "" {
		return sc
	}
	ws, err := s.store.GetWorkspaceBySlug(ctx, workspaceSlug)
	if err != nil {
		return sc
	}
	sc.WorkspaceID = ws.ID
	sc.SpaceID = strings.TrimSpace(spaceID)
	return sc
}
