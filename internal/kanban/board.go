package kanban

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrWriteInFlight = errors.New("a status write is already in flight")
	ErrNotDragging   = errors.New("no drag in progress")
)

// Writer persists a status change.
type Writer interface {
	WriteStatus(ctx context.Context, itemID string, status Status) error
}

// Loader fetches the authoritative items for the board.
type Loader interface {
	Load(ctx context.Context) ([]Item, error)
}

// Board holds two snapshots: confirmed, the last state acknowledged by the
// server, and optimistic, what is rendered while drags and writes are
// pending. Both are replaced wholesale, never edited in place.
type Board struct {
	layout Layout
	writer Writer
	loader Loader
	log    logrus.FieldLogger

	mu         sync.Mutex
	confirmed  []Item
	optimistic []Item
	dragging   string
	inFlight   bool
}

func NewBoard(layout Layout, confirmed []Item, writer Writer, loader Loader, log logrus.FieldLogger) *Board {
	return &Board{
		layout:     layout,
		writer:     writer,
		loader:     loader,
		log:        log.WithField("component", "board"),
		confirmed:  cloneItems(confirmed),
		optimistic: cloneItems(confirmed),
	}
}

func (b *Board) Confirmed() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneItems(b.confirmed)
}

func (b *Board) Optimistic() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneItems(b.optimistic)
}

func (b *Board) Lanes() []Lane {
	return Group(b.layout, b.Optimistic())
}

func (b *Board) DragStart(itemID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := findItem(b.confirmed, itemID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	b.dragging = itemID
	return nil
}

// DragOver previews the dragged item in the hovered column. It never writes.
func (b *Board) DragOver(target Target) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dragging == "" {
		return ErrNotDragging
	}
	original, ok := findItem(b.confirmed, b.dragging)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, b.dragging)
	}
	column, err := targetColumn(b.layout, b.optimistic, target)
	if err != nil {
		return err
	}
	b.optimistic = withStatus(b.optimistic, original, column.Canonical)
	return nil
}

// Dispatch tracks the write started by a drop.
type Dispatch struct {
	Pending *PendingWrite

	done     chan struct{}
	err      error
	reloaded bool
}

// Wait blocks until the write and the follow-up load finish and returns the
// write error, if any.
func (d *Dispatch) Wait() error {
	<-d.done
	return d.err
}

// Reloaded reports whether the board was fully reloaded after a failed write.
func (d *Dispatch) Reloaded() bool {
	<-d.done
	return d.reloaded
}

func completedDispatch() *Dispatch {
	d := &Dispatch{done: make(chan struct{})}
	close(d.done)
	return d
}

// Drop ends the drag over target (nil for outside the board). The optimistic
// snapshot is updated before Drop returns; the write, if one is needed, runs
// in the background.
func (b *Board) Drop(ctx context.Context, target *Target) (*Dispatch, error) {
	b.mu.Lock()
	if b.dragging == "" {
		b.mu.Unlock()
		return nil, ErrNotDragging
	}
	if b.inFlight {
		b.mu.Unlock()
		return nil, ErrWriteInFlight
	}
	outcome, err := Reconcile(b.layout, b.confirmed, b.optimistic, DragResult{ItemID: b.dragging, Over: target})
	b.dragging = ""
	if err != nil {
		b.optimistic = cloneItems(b.confirmed)
		b.mu.Unlock()
		return nil, err
	}
	b.optimistic = outcome.Items
	if outcome.Pending == nil {
		b.mu.Unlock()
		return completedDispatch(), nil
	}
	b.inFlight = true
	b.mu.Unlock()

	d := &Dispatch{Pending: outcome.Pending, done: make(chan struct{})}
	go b.write(ctx, d)
	return d, nil
}

func (b *Board) write(ctx context.Context, d *Dispatch) {
	defer close(d.done)
	log := b.log.WithFields(logrus.Fields{"item": d.Pending.ItemID, "status": d.Pending.To})

	d.err = b.writer.WriteStatus(ctx, d.Pending.ItemID, d.Pending.To)
	if d.err != nil {
		log.WithError(d.err).Warn("status write failed, reloading board")
		d.reloaded = true
	}

	items, err := b.loader.Load(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = false
	switch {
	case err == nil:
		b.confirmed = cloneItems(items)
		b.optimistic = cloneItems(items)
	case d.err != nil:
		log.WithError(err).Error("board reload failed")
		b.optimistic = cloneItems(b.confirmed)
	default:
		log.WithError(err).Warn("board refetch failed, keeping acknowledged state")
		b.confirmed = withStatus(b.confirmed, Item{ID: d.Pending.ItemID}, d.Pending.To)
	}
}

// Refresh replaces both snapshots with the server state.
func (b *Board) Refresh(ctx context.Context) error {
	items, err := b.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load board: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmed = cloneItems(items)
	b.optimistic = cloneItems(items)
	return nil
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
