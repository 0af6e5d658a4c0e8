// Package coordinator keeps the relational issue record and the issue's
// collaborative room consistent across creates and updates.
//
// The relational store is authoritative. Room writes either precede the
// record (create) or follow it as a best-effort projection (update).
package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"workboard/api/internal/issueid"
	"workboard/api/internal/rbac"
	"workboard/api/internal/revalidate"
	"workboard/api/internal/rooms"
	"workboard/api/internal/scope"
	"workboard/api/internal/search"
	"workboard/api/internal/store"
	"workboard/api/internal/util"
)

var (
	ErrWriteRejected  = errors.New("issue write rejected")
	ErrDocumentCreate = errors.New("issue room could not be created")
	ErrIssueNotFound  = errors.New("issue not found")
	ErrInvalidField   = errors.New("invalid issue field")
)

type Records interface {
	NextIssueNumber(ctx context.Context, workspaceID, spaceID string) (int64, error)
	InsertIssue(ctx context.Context, issue store.Issue) error
	GetIssueByNumber(ctx context.Context, workspaceID, spaceID string, number int64) (store.Issue, error)
	GetIssueByRoomKey(ctx context.Context, roomKey string) (store.Issue, error)
	UpdateIssue(ctx context.Context, issueID string, patch store.IssuePatch) (store.Issue, error)
	ListIssueKeys(ctx context.Context) ([]store.IssueKeyRow, error)
}

type Rooms interface {
	CreateRoom(key string, meta rooms.Metadata, content json.RawMessage, author string) (bool, error)
	UpdateMetadata(key string, patch rooms.MetadataPatch, author string) (rooms.Metadata, error)
	ListRooms() ([]rooms.Entry, error)
	DeleteRoom(key string) error
}

type Resolver interface {
	Resolve(ctx context.Context, sc scope.Context, displayID string) (scope.Result, error)
	ForContext(ctx context.Context, sc scope.Context) (scope.Scope, error)
	Codec() issueid.Codec
}

type Indexer interface {
	IndexIssue(issue search.IssueRecord)
}

type Coordinator struct {
	records   Records
	rooms     Rooms
	resolver  Resolver
	publisher revalidate.Publisher
	indexer   Indexer
	log       logrus.FieldLogger
	now       func() time.Time
}

func New(records Records, roomStore Rooms, resolver Resolver, publisher revalidate.Publisher, indexer Indexer, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		records:   records,
		rooms:     roomStore,
		resolver:  resolver,
		publisher: publisher,
		indexer:   indexer,
		log:       log.WithField("component", "coordinator"),
		now:       time.Now,
	}
}

type NewIssue struct {
	Title       string
	Status      store.IssueStatus
	Priority    store.IssuePriority
	AssigneeIDs []string
	Content     json.RawMessage
}

type Created struct {
	Issue       store.Issue
	DisplayID   issueid.DisplayID
	DocumentKey string
}

// Create allocates the next number in the scope, creates the room and then
// inserts the record. When the insert fails the room is left behind and
// reported as orphaned; Sweep removes it later.
func (c *Coordinator) Create(ctx context.Context, target scope.Scope, actor string, in NewIssue) (Created, error) {
	if !rbac.Can(target.Role, rbac.ActionWrite) {
		return Created{}, fmt.Errorf("%w: create issue in %s", scope.ErrUnauthorized, target.Prefix)
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Created{}, fmt.Errorf("%w: title is required", ErrInvalidField)
	}
	if in.Status == "" {
		in.Status = store.StatusTodo
	}
	if in.Priority == "" {
		in.Priority = store.PriorityNone
	}
	if !in.Status.Valid() || !in.Priority.Valid() {
		return Created{}, fmt.Errorf("%w: status %q priority %q", ErrInvalidField, in.Status, in.Priority)
	}
	if in.AssigneeIDs == nil {
		in.AssigneeIDs = []string{}
	}

	number, err := c.records.NextIssueNumber(ctx, target.WorkspaceID, target.SpaceID)
	if err != nil {
		return Created{}, fmt.Errorf("%w: %w", ErrWriteRejected, err)
	}
	displayID := target.DisplayID(number)
	key := target.DocumentKey(c.resolver.Codec(), number)
	log := c.log.WithFields(logrus.Fields{"issue": displayID, "room": key})

	meta := rooms.Metadata{
		Title:       in.Title,
		Status:      string(in.Status),
		Priority:    string(in.Priority),
		AssigneeIDs: in.AssigneeIDs,
	}
	created, err := c.rooms.CreateRoom(key, meta, in.Content, actor)
	if err != nil {
		return Created{}, fmt.Errorf("%w: %w", ErrDocumentCreate, err)
	}
	if !created {
		log.Warn("room already existed for new issue number")
	}

	issue := store.Issue{
		ID:          util.NewID("iss"),
		WorkspaceID: target.WorkspaceID,
		Number:      number,
		Title:       in.Title,
		Status:      in.Status,
		Priority:    in.Priority,
		AssigneeIDs: in.AssigneeIDs,
		Content:     in.Content,
		CreatedBy:   actor,
	}
	if target.SpaceID != "" {
		spaceID := target.SpaceID
		issue.SpaceID = &spaceID
	}
	if err := c.records.InsertIssue(ctx, issue); err != nil {
		log.WithError(err).Warn("orphaned_room")
		return Created{}, fmt.Errorf("%w: %w", ErrWriteRejected, err)
	}

	now := c.now().UTC()
	issue.CreatedAt, issue.UpdatedAt = now, now
	c.afterWrite(ctx, issue, displayID, key, "issue.created")
	return Created{Issue: issue, DisplayID: displayID, DocumentKey: key}, nil
}

// Located is an issue record together with the identity it was found under.
type Located struct {
	Issue       store.Issue
	Scope       scope.Scope
	DisplayID   issueid.DisplayID
	DocumentKey string
}

// Lookup finds the issue named by ref, which is either a display identifier
// or a room key. A legacy room key stored on the record wins over the computed
// one.
func (c *Coordinator) Lookup(ctx context.Context, sc scope.Context, ref string) (Located, error) {
	codec := c.resolver.Codec()
	ref = strings.TrimSpace(ref)

	if codec.IsDocumentKey(ref) {
		issue, err := c.records.GetIssueByRoomKey(ctx, ref)
		switch {
		case err == nil:
			owner, err := c.resolver.ForContext(ctx, scope.Context{
				UserID:      sc.UserID,
				WorkspaceID: issue.WorkspaceID,
				SpaceID:     issue.SpaceIDValue(),
			})
			if err != nil {
				return Located{}, err
			}
			return Located{Issue: issue, Scope: owner, DisplayID: owner.DisplayID(issue.Number), DocumentKey: ref}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return Located{}, fmt.Errorf("lookup issue by room key: %w", err)
		}

		workspaceID, displayID, err := codec.ParseDocumentKey(ref)
		if err != nil {
			return Located{}, err
		}
		res, err := c.resolver.Resolve(ctx, scope.Context{UserID: sc.UserID, WorkspaceID: workspaceID}, string(displayID))
		if err != nil {
			return Located{}, err
		}
		if res.WorkspaceID != workspaceID {
			return Located{}, fmt.Errorf("%w: %s", ErrIssueNotFound, ref)
		}
		return c.locate(ctx, res)
	}

	res, err := c.resolver.Resolve(ctx, sc, ref)
	if err != nil {
		return Located{}, err
	}
	return c.locate(ctx, res)
}

func (c *Coordinator) locate(ctx context.Context, res scope.Result) (Located, error) {
	issue, err := c.records.GetIssueByNumber(ctx, res.WorkspaceID, res.SpaceID, res.Number)
	if errors.Is(err, sql.ErrNoRows) {
		return Located{}, fmt.Errorf("%w: %s", ErrIssueNotFound, res.DisplayID)
	}
	if err != nil {
		return Located{}, fmt.Errorf("load issue: %w", err)
	}
	key := res.DocumentKey
	if issue.RoomKey != nil && *issue.RoomKey != "" {
		key = *issue.RoomKey
	}
	return Located{Issue: issue, Scope: res.Scope, DisplayID: res.DisplayID, DocumentKey: key}, nil
}

// Patch is a field-level update. Metadata, when set, is additionally
// projected into the issue's room after the record is written.
type Patch struct {
	Title       *string
	Status      *store.IssueStatus
	Priority    *store.IssuePriority
	AssigneeIDs *[]string
	Content     json.RawMessage
	Metadata    *rooms.MetadataPatch
}

func (p Patch) storePatch(actor string) store.IssuePatch {
	return store.IssuePatch{
		Title:       p.Title,
		Status:      p.Status,
		Priority:    p.Priority,
		AssigneeIDs: p.AssigneeIDs,
		Content:     p.Content,
		UpdatedBy:   actor,
	}
}

func (p Patch) validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return fmt.Errorf("%w: title cannot be blank", ErrInvalidField)
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidField, *p.Status)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidField, *p.Priority)
	}
	if len(p.Content) > 0 && !json.Valid(p.Content) {
		return fmt.Errorf("%w: content is not valid JSON", ErrInvalidField)
	}
	if p.storePatch("").Empty() && (p.Metadata == nil || p.Metadata.Empty()) {
		return fmt.Errorf("%w: empty patch", ErrInvalidField)
	}
	return nil
}

// SideChannel is the outcome of the best-effort room projection. A stale
// projection is never returned as an error.
type SideChannel struct {
	Attempted bool
	Stale     bool
	Err       error
}

type Result struct {
	Issue       store.Issue
	DisplayID   issueid.DisplayID
	DocumentKey string
	Projection  SideChannel
}

// Update writes the record first. The room projection is only attempted
// after the record write succeeded.
func (c *Coordinator) Update(ctx context.Context, sc scope.Context, ref string, p Patch) (Result, error) {
	if err := p.validate(); err != nil {
		return Result{}, err
	}
	located, err := c.Lookup(ctx, sc, ref)
	if err != nil {
		return Result{}, err
	}
	if !rbac.Can(located.Scope.Role, rbac.ActionWrite) {
		return Result{}, fmt.Errorf("%w: update %s", scope.ErrUnauthorized, located.DisplayID)
	}

	updated, err := c.records.UpdateIssue(ctx, located.Issue.ID, p.storePatch(sc.UserID))
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, fmt.Errorf("%w: %s", ErrIssueNotFound, located.DisplayID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrWriteRejected, err)
	}
	c.afterWrite(ctx, updated, located.DisplayID, located.DocumentKey, "issue.updated")

	result := Result{Issue: updated, DisplayID: located.DisplayID, DocumentKey: located.DocumentKey}
	if p.Metadata != nil && !p.Metadata.Empty() {
		result.Projection = c.project(located.DocumentKey, *p.Metadata, sc.UserID, updated)
	}
	return result, nil
}

// project pushes the metadata patch into the room. A missing room is
// recreated from the record, which already carries the patched fields.
func (c *Coordinator) project(key string, patch rooms.MetadataPatch, actor string, issue store.Issue) SideChannel {
	outcome := SideChannel{Attempted: true}
	_, err := c.rooms.UpdateMetadata(key, patch, actor)
	if errors.Is(err, rooms.ErrRoomNotFound) {
		c.log.WithField("room", key).Info("room missing, recreating from record")
		_, err = c.rooms.CreateRoom(key, metadataFromIssue(issue), issue.Content, actor)
	}
	if err != nil {
		c.log.WithError(err).WithField("room", key).Warn("room projection is stale")
		outcome.Stale = true
		outcome.Err = err
	}
	return outcome
}

func (c *Coordinator) afterWrite(ctx context.Context, issue store.Issue, displayID issueid.DisplayID, key, reason string) {
	if c.publisher != nil {
		signal := revalidate.Signal{
			WorkspaceID: issue.WorkspaceID,
			DisplayID:   string(displayID),
			DocumentKey: key,
			Reason:      reason,
			At:          c.now().UTC(),
		}
		if err := c.publisher.Publish(ctx, signal); err != nil {
			c.log.WithError(err).WithField("issue", displayID).Warn("publish revalidation signal")
		}
	}
	if c.indexer != nil {
		c.indexer.IndexIssue(search.IssueRecord{
			ID:          issue.ID,
			DisplayID:   string(displayID),
			WorkspaceID: issue.WorkspaceID,
			SpaceID:     issue.SpaceIDValue(),
			Title:       issue.Title,
			Status:      string(issue.Status),
			Priority:    string(issue.Priority),
		})
	}
}

func metadataFromIssue(issue store.Issue) rooms.Metadata {
	return rooms.Metadata{
		Title:       issue.Title,
		Status:      string(issue.Status),
		Priority:    string(issue.Priority),
		AssigneeIDs: issue.AssigneeIDs,
	}
}

type SweepReport struct {
	Scanned int      `json:"scanned"`
	Removed []string `json:"removed"`
}

// Sweep deletes rooms that no issue record references and that are older
// than grace. Younger rooms may belong to a create still in flight. Only keys
// under this deployment's namespace are considered; other namespaces sharing
// the room directory are left alone.
func (c *Coordinator) Sweep(ctx context.Context, grace time.Duration) (SweepReport, error) {
	keys, err := c.records.ListIssueKeys(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list issue keys: %w", err)
	}
	codec := c.resolver.Codec()
	referenced := make(map[string]struct{}, len(keys))
	for _, row := range keys {
		if row.RoomKey != nil && *row.RoomKey != "" {
			referenced[*row.RoomKey] = struct{}{}
			continue
		}
		referenced[codec.Scoped(row.WorkspaceID).DocumentKey(issueid.Encode(row.Prefix, row.Number))] = struct{}{}
	}

	entries, err := c.rooms.ListRooms()
	if err != nil {
		return SweepReport{}, fmt.Errorf("list rooms: %w", err)
	}
	report := SweepReport{Scanned: len(entries), Removed: []string{}}
	cutoff := c.now().Add(-grace)
	for _, entry := range entries {
		if !codec.IsDocumentKey(entry.Key) {
			continue
		}
		if _, ok := referenced[entry.Key]; ok {
			continue
		}
		if entry.CreatedAt.After(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := c.rooms.DeleteRoom(entry.Key); err != nil {
			return report, err
		}
		c.log.WithField("room", entry.Key).Info("removed orphaned room")
		report.Removed = append(report.Removed, entry.Key)
	}
	return report, nil
}
