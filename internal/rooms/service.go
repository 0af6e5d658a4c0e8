// Package rooms stores collaborative document rooms. Each room is a git
// repository holding a metadata projection of its issue and the free-form
// rich content edited by collaborators.
package rooms

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var ErrRoomNotFound = errors.New("room not found")

const (
	metadataFile = "metadata.json"
	contentFile  = "content.json"
	mainBranch   = "main"
)

// Metadata is the projection of the issue fields collaborators see without
// a round trip to the relational store.
type Metadata struct {
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	AssigneeIDs []string `json:"assigneeIds"`
}

// MetadataPatch updates only the non-nil fields.
type MetadataPatch struct {
	Title       *string
	Status      *string
	Priority    *string
	AssigneeIDs *[]string
}

func (p MetadataPatch) Empty() bool {
	return p.Title == nil && p.Status == nil && p.Priority == nil && p.AssigneeIDs == nil
}

func (p MetadataPatch) apply(meta Metadata) Metadata {
	if p.Title != nil {
		meta.Title = *p.Title
	}
	if p.Status != nil {
		meta.Status = *p.Status
	}
	if p.Priority != nil {
		meta.Priority = *p.Priority
	}
	if p.AssigneeIDs != nil {
		meta.AssigneeIDs = append([]string(nil), (*p.AssigneeIDs)...)
	}
	return meta
}

type Room struct {
	Key      string
	Metadata Metadata
	Content  json.RawMessage
	Head     CommitInfo
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entry is a room as listed on disk.
type Entry struct {
	Key       string
	CreatedAt time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CreateRoom creates the room seeded with meta and content. It reports false
// without touching the room when one already exists under key.
func (s *Service) CreateRoom(key string, meta Metadata, content json.RawMessage, author string) (bool, error) {
	lock := s.roomLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := s.roomPath(key)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat room path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return false, fmt.Errorf("create room dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		_ = os.RemoveAll(path)
		return false, fmt.Errorf("init room repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		_ = os.RemoveAll(path)
		return false, fmt.Errorf("set HEAD to main: %w", err)
	}

	if len(content) == 0 {
		content = json.RawMessage(`{"type":"doc","content":[]}`)
	}
	files := map[string]any{metadataFile: normalizeMetadata(meta), contentFile: content}
	if _, err := commitFiles(repo, files, author, "Create room "+key); err != nil {
		_ = os.RemoveAll(path)
		return false, err
	}
	return true, nil
}

func (s *Service) RoomExists(key string) (bool, error) {
	_, err := os.Stat(s.roomPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat room path: %w", err)
}

func (s *Service) GetRoom(key string) (Room, error) {
	lock := s.roomLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(key)
	if err != nil {
		return Room{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Room{}, err
	}

	room := Room{Key: key, Head: toCommitInfo(commitObj)}
	if err := readJSONFromCommit(commitObj, metadataFile, &room.Metadata); err != nil {
		return Room{}, err
	}
	if err := readJSONFromCommit(commitObj, contentFile, &room.Content); err != nil {
		return Room{}, err
	}
	return room, nil
}

// UpdateMetadata applies patch to the room's metadata projection and commits
// it. A missing room yields ErrRoomNotFound.
func (s *Service) UpdateMetadata(key string, patch MetadataPatch, author string) (Metadata, error) {
	lock := s.roomLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(key)
	if err != nil {
		return Metadata{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Metadata{}, err
	}
	var current Metadata
	if err := readJSONFromCommit(commitObj, metadataFile, &current); err != nil {
		return Metadata{}, err
	}

	next := normalizeMetadata(patch.apply(current))
	if _, err := commitFiles(repo, map[string]any{metadataFile: next}, author, "Update issue metadata"); err != nil {
		return Metadata{}, err
	}
	return next, nil
}

// WriteContent records a rich content snapshot pushed by the collaboration
// server.
func (s *Service) WriteContent(key string, content json.RawMessage, author, message string) (CommitInfo, error) {
	if !json.Valid(content) {
		return CommitInfo{}, fmt.Errorf("room content is not valid JSON")
	}
	lock := s.roomLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(key)
	if err != nil {
		return CommitInfo{}, err
	}
	if message == "" {
		message = "Sync content snapshot"
	}
	hash, err := commitFiles(repo, map[string]any{contentFile: content}, author, message)
	if err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) History(key string, limit int) ([]CommitInfo, error) {
	lock := s.roomLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(key)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ListRooms returns every room with the time of its first commit, ordered by
// key.
func (s *Service) ListRooms() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rooms dir: %w", err)
	}

	items := make([]Entry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(dirEntry.Name())
		if err != nil {
			continue
		}
		key := string(raw)
		createdAt, err := s.createdAt(key)
		if err != nil {
			return nil, err
		}
		items = append(items, Entry{Key: key, CreatedAt: createdAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (s *Service) DeleteRoom(key string) error {
	lock := s.roomLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.roomPath(key)); err != nil {
		return fmt.Errorf("remove room %s: %w", key, err)
	}
	return nil
}

func (s *Service) createdAt(key string) (time.Time, error) {
	lock := s.roomLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(key)
	if err != nil {
		return time.Time{}, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return time.Time{}, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var first time.Time
	err = iter.ForEach(func(commitObj *object.Commit) error {
		first = commitObj.Author.When
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("iterate log: %w", err)
	}
	return first, nil
}

func (s *Service) roomPath(key string) string {
	return filepath.Join(s.baseDir, base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func (s *Service) open(key string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.roomPath(key))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open room repo: %w", err)
	}
	return repo, nil
}

func (s *Service) roomLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func commitFiles(repo *git.Repository, files map[string]any, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		payload, err := json.MarshalIndent(files[name], "", "  ")
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("marshal %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(root, name), append(payload, '\n'), 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.workboard.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit room: %w", err)
	}
	return hash, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readJSONFromCommit(commitObj *object.Commit, name string, dest any) error {
	file, err := commitObj.File(name)
	if err != nil {
		return fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func normalizeMetadata(meta Metadata) Metadata {
	if meta.AssigneeIDs == nil {
		meta.AssigneeIDs = []string{}
	}
	return meta
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
