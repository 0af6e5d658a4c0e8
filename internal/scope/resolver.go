// Package scope resolves display identifiers to the workspace or space that
// owns the issue, as seen by a particular caller.
package scope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"workboard/api/internal/issueid"
	"workboard/api/internal/rbac"
	"workboard/api/internal/store"
)

var (
	ErrScopeNotFound  = errors.New("scope not found")
	ErrUnauthorized   = errors.New("caller is not a member of the matching scope")
	ErrAmbiguousScope = errors.New("identifier prefix matches more than one scope")
)

// Context is the caller identity plus the scope the caller is currently
// looking at. WorkspaceID and SpaceID are hints and may be empty.
type Context struct {
	UserID      string
	WorkspaceID string
	SpaceID     string
}

// Scope is a workspace, or a space inside one, together with the caller's
// role there.
type Scope struct {
	WorkspaceID   string
	WorkspaceSlug string
	SpaceID       string
	Prefix        string
	Role          rbac.Role
}

func (s Scope) DisplayID(number int64) issueid.DisplayID {
	return issueid.Encode(s.Prefix, number)
}

func (s Scope) DocumentKey(codec issueid.Codec, number int64) string {
	return codec.Scoped(s.WorkspaceID).DocumentKey(s.DisplayID(number))
}

type Result struct {
	Scope
	Number      int64
	DisplayID   issueid.DisplayID
	DocumentKey string
}

type Precedence int

const (
	WorkspaceFirst Precedence = iota
	SpaceFirst
)

type Ambiguity int

const (
	// FirstMatch picks the first candidate: hinted workspace, then workspaces
	// by slug, then spaces by creation order.
	FirstMatch Ambiguity = iota
	// Reject fails with ErrAmbiguousScope unless the caller's context hint
	// selects exactly one candidate.
	Reject
)

type Policy struct {
	Precedence Precedence
	Ambiguity  Ambiguity
	// ConcealDenied reports matches the caller cannot access as not found.
	ConcealDenied bool
}

// ParsePolicy reads the textual configuration form. Unknown values fall back
// to the defaults.
func ParsePolicy(precedence, ambiguity string, concealDenied bool) Policy {
	policy := Policy{ConcealDenied: concealDenied}
	if strings.EqualFold(precedence, "space") {
		policy.Precedence = SpaceFirst
	}
	if strings.EqualFold(ambiguity, "reject") {
		policy.Ambiguity = Reject
	}
	return policy
}

// Directory is the read-only view of the relational store the resolver needs.
type Directory interface {
	ListVisibleWorkspaces(ctx context.Context, userID string) ([]store.WorkspaceAccess, error)
	FindWorkspaceByCode(ctx context.Context, code string) (store.Workspace, error)
	FindSpacesByCode(ctx context.Context, code string) ([]store.Space, error)
	GetSpace(ctx context.Context, spaceID string) (store.Space, error)
	MembershipRole(ctx context.Context, userID, workspaceID string) (string, error)
}

type Resolver struct {
	dir    Directory
	codec  issueid.Codec
	policy Policy
}

func NewResolver(dir Directory, codec issueid.Codec, policy Policy) *Resolver {
	return &Resolver{dir: dir, codec: codec, policy: policy}
}

func (r *Resolver) Codec() issueid.Codec {
	return r.codec
}

func (r *Resolver) Policy() Policy {
	return r.policy
}

type candidate struct {
	scope   Scope
	isSpace bool
}

// Resolve maps a display identifier to the scope that owns it.
func (r *Resolver) Resolve(ctx context.Context, sc Context, displayID string) (Result, error) {
	parsed, err := issueid.Decode(displayID)
	if err != nil {
		return Result{}, err
	}

	visible, err := r.dir.ListVisibleWorkspaces(ctx, sc.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("list visible workspaces: %w", err)
	}
	orderVisible(visible, sc.WorkspaceID)

	workspaces := matchWorkspaces(visible, parsed.Prefix)
	spaces, err := r.matchSpaces(ctx, visible, parsed.Prefix, sc)
	if err != nil {
		return Result{}, err
	}

	var candidates []candidate
	if r.policy.Precedence == SpaceFirst {
		candidates = append(spaces, workspaces...)
	} else {
		candidates = append(workspaces, spaces...)
	}

	if len(candidates) == 0 {
		return Result{}, r.denyOrNotFound(ctx, sc, parsed.Prefix)
	}

	chosen := candidates[0]
	if r.policy.Ambiguity == Reject && len(candidates) > 1 {
		hinted, ok := pickHinted(candidates, sc)
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrAmbiguousScope, parsed.Prefix)
		}
		chosen = hinted
	}

	id := issueid.Encode(parsed.Prefix, parsed.Number)
	return Result{
		Scope:       chosen.scope,
		Number:      parsed.Number,
		DisplayID:   id,
		DocumentKey: r.codec.Scoped(chosen.scope.WorkspaceID).DocumentKey(id),
	}, nil
}

// ForContext returns the scope new issues are created in: the hinted space
// when set, otherwise the hinted workspace.
func (r *Resolver) ForContext(ctx context.Context, sc Context) (Scope, error) {
	if sc.WorkspaceID == "" {
		return Scope{}, fmt.Errorf("%w: no workspace selected", ErrScopeNotFound)
	}
	visible, err := r.dir.ListVisibleWorkspaces(ctx, sc.UserID)
	if err != nil {
		return Scope{}, fmt.Errorf("list visible workspaces: %w", err)
	}

	var access *store.WorkspaceAccess
	for i := range visible {
		if visible[i].ID == sc.WorkspaceID {
			access = &visible[i]
			break
		}
	}
	if access == nil {
		if r.policy.ConcealDenied {
			return Scope{}, fmt.Errorf("%w: workspace %s", ErrScopeNotFound, sc.WorkspaceID)
		}
		return Scope{}, fmt.Errorf("%w: workspace %s", ErrUnauthorized, sc.WorkspaceID)
	}

	result := Scope{
		WorkspaceID:   access.ID,
		WorkspaceSlug: access.Slug,
		Prefix:        access.Code,
		Role:          rbac.Normalize(access.Role),
	}
	if sc.SpaceID == "" {
		return result, nil
	}

	space, err := r.dir.GetSpace(ctx, sc.SpaceID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && space.WorkspaceID != access.ID) {
		return Scope{}, fmt.Errorf("%w: space %s", ErrScopeNotFound, sc.SpaceID)
	}
	if err != nil {
		return Scope{}, fmt.Errorf("load space: %w", err)
	}
	result.SpaceID = space.ID
	result.Prefix = issueid.SpacePrefix(space.Code)
	return result, nil
}

func (r *Resolver) matchSpaces(ctx context.Context, visible []store.WorkspaceAccess, prefix string, sc Context) ([]candidate, error) {
	found, err := r.dir.FindSpacesByCode(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("find spaces: %w", err)
	}

	rank := make(map[string]int, len(visible))
	for i, ws := range visible {
		rank[ws.ID] = i
	}
	matched := make([]store.Space, 0, len(found))
	for _, space := range found {
		if _, ok := rank[space.WorkspaceID]; ok && issueid.SpacePrefix(space.Code) == prefix {
			matched = append(matched, space)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if sc.SpaceID != "" && (matched[i].ID == sc.SpaceID) != (matched[j].ID == sc.SpaceID) {
			return matched[i].ID == sc.SpaceID
		}
		return rank[matched[i].WorkspaceID] < rank[matched[j].WorkspaceID]
	})

	items := make([]candidate, 0, len(matched))
	for _, space := range matched {
		ws := visible[rank[space.WorkspaceID]]
		items = append(items, candidate{
			isSpace: true,
			scope: Scope{
				WorkspaceID:   ws.ID,
				WorkspaceSlug: ws.Slug,
				SpaceID:       space.ID,
				Prefix:        prefix,
				Role:          rbac.Normalize(ws.Role),
			},
		})
	}
	return items, nil
}

// denyOrNotFound runs after nothing visible matched. It looks for a scope the
// caller cannot see and confirms the missing membership before reporting it.
func (r *Resolver) denyOrNotFound(ctx context.Context, sc Context, prefix string) error {
	workspaceIDs := make([]string, 0)
	ws, err := r.dir.FindWorkspaceByCode(ctx, prefix)
	switch {
	case err == nil:
		workspaceIDs = append(workspaceIDs, ws.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("find workspace: %w", err)
	}
	spaces, err := r.dir.FindSpacesByCode(ctx, prefix)
	if err != nil {
		return fmt.Errorf("find spaces: %w", err)
	}
	for _, space := range spaces {
		if issueid.SpacePrefix(space.Code) == prefix {
			workspaceIDs = append(workspaceIDs, space.WorkspaceID)
		}
	}

	for _, workspaceID := range workspaceIDs {
		role, err := r.dir.MembershipRole(ctx, sc.UserID, workspaceID)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if rbac.Can(rbac.Normalize(role), rbac.ActionRead) {
			continue
		}
		if r.policy.ConcealDenied {
			break
		}
		return fmt.Errorf("%w: %s", ErrUnauthorized, prefix)
	}
	return fmt.Errorf("%w: %s", ErrScopeNotFound, prefix)
}

func orderVisible(visible []store.WorkspaceAccess, hintedWorkspaceID string) {
	sort.SliceStable(visible, func(i, j int) bool {
		if hintedWorkspaceID != "" && (visible[i].ID == hintedWorkspaceID) != (visible[j].ID == hintedWorkspaceID) {
			return visible[i].ID == hintedWorkspaceID
		}
		return visible[i].Slug < visible[j].Slug
	})
}

func matchWorkspaces(visible []store.WorkspaceAccess, prefix string) []candidate {
	items := make([]candidate, 0, 1)
	for _, ws := range visible {
		if ws.Code != prefix {
			continue
		}
		items = append(items, candidate{scope: Scope{
			WorkspaceID:   ws.ID,
			WorkspaceSlug: ws.Slug,
			Prefix:        prefix,
			Role:          rbac.Normalize(ws.Role),
		}})
	}
	return items
}

// pickHinted returns the single candidate selected by the caller's context:
// the hinted space, or the hinted workspace itself when no space is hinted.
func pickHinted(candidates []candidate, sc Context) (candidate, bool) {
	var (
		picked candidate
		count  int
	)
	for _, c := range candidates {
		var match bool
		if sc.SpaceID != "" {
			match = c.isSpace && c.scope.SpaceID == sc.SpaceID
		} else if sc.WorkspaceID != "" {
			match = !c.isSpace && c.scope.WorkspaceID == sc.WorkspaceID
		}
		if match {
			picked = c
			count++
		}
	}
	return picked, count == 1
}
