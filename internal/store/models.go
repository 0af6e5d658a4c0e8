package store

import (
	"encoding/json"
	"time"
)

type IssueStatus string

const (
	StatusNone     IssueStatus = "none"
	StatusTodo     IssueStatus = "todo"
	StatusProgress IssueStatus = "progress"
	StatusReview   IssueStatus = "review"
	StatusDone     IssueStatus = "done"
)

func (s IssueStatus) Valid() bool {
	switch s {
	case StatusNone, StatusTodo, StatusProgress, StatusReview, StatusDone:
		return true
	default:
		return false
	}
}

type IssuePriority string

const (
	PriorityNone   IssuePriority = "none"
	PriorityLow    IssuePriority = "low"
	PriorityMedium IssuePriority = "medium"
	PriorityHigh   IssuePriority = "high"
	PriorityUrgent IssuePriority = "urgent"
)

func (p IssuePriority) Valid() bool {
	switch p {
	case PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Workspace struct {
	ID        string
	Name      string
	Slug      string
	Code      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkspaceAccess is a workspace as seen by one member.
type WorkspaceAccess struct {
	Workspace
	Role string
}

type Space struct {
	ID          string
	WorkspaceID string
	Name        string
	Code        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Issue struct {
	ID          string
	WorkspaceID string
	SpaceID     *string
	Number      int64
	Title       string
	Status      IssueStatus
	Priority    IssuePriority
	AssigneeIDs []string
	Content     json.RawMessage
	// RoomKey is only set on rows created before room keys were computed.
	RoomKey   *string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i Issue) SpaceIDValue() string {
	if i.SpaceID == nil {
		return ""
	}
	return *i.SpaceID
}

// IssuePatch is a partial update; nil fields are left untouched.
type IssuePatch struct {
	Title       *string
	Status      *IssueStatus
	Priority    *IssuePriority
	AssigneeIDs *[]string
	Content     json.RawMessage
	UpdatedBy   string
}

func (p IssuePatch) Empty() bool {
	return p.Title == nil && p.Status == nil && p.Priority == nil && p.AssigneeIDs == nil && len(p.Content) == 0
}

// IssueKeyRow carries what is needed to recompute an issue's room key.
type IssueKeyRow struct {
	WorkspaceID string
	Prefix      string
	Number      int64
	RoomKey     *string
}
