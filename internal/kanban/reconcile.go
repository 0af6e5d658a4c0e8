package kanban

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownItem   = errors.New("dragged item is not on the board")
	ErrUnknownTarget = errors.New("drop target is not on the board")
)

// Target is where an item was dropped: a column, or another item.
type Target struct {
	ColumnID string `json:"columnId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
}

// DragResult describes a finished drag. Over is nil when the item was dropped
// outside every column.
type DragResult struct {
	ItemID string  `json:"itemId"`
	Over   *Target `json:"over,omitempty"`
}

// PendingWrite is the status change that must be persisted for a drop.
type PendingWrite struct {
	ItemID string `json:"itemId"`
	From   Status `json:"from"`
	To     Status `json:"to"`
}

type Outcome struct {
	Items   []Item        `json:"items"`
	Pending *PendingWrite `json:"pending,omitempty"`
}

// Reconcile computes the local items after a drop and the write, if any, the
// drop requires. The status comparison always uses confirmed, never local:
// an item dragged across several columns and back before the drop has a
// mutated local copy but needs no write.
func Reconcile(layout Layout, confirmed, local []Item, drag DragResult) (Outcome, error) {
	original, ok := findItem(confirmed, drag.ItemID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownItem, drag.ItemID)
	}

	if drag.Over == nil {
		return Outcome{Items: withStatus(local, original, original.Status)}, nil
	}

	column, err := targetColumn(layout, local, *drag.Over)
	if err != nil {
		return Outcome{}, err
	}

	next := withStatus(local, original, column.Canonical)
	if column.Canonical == original.Status {
		return Outcome{Items: next}, nil
	}
	return Outcome{
		Items:   next,
		Pending: &PendingWrite{ItemID: original.ID, From: original.Status, To: column.Canonical},
	}, nil
}

func targetColumn(layout Layout, local []Item, target Target) (Column, error) {
	if target.ColumnID != "" {
		col, ok := layout.Column(target.ColumnID)
		if !ok {
			return Column{}, fmt.Errorf("%w: column %s", ErrUnknownTarget, target.ColumnID)
		}
		return col, nil
	}
	over, ok := findItem(local, target.ItemID)
	if !ok {
		return Column{}, fmt.Errorf("%w: item %s", ErrUnknownTarget, target.ItemID)
	}
	col, ok := layout.ColumnFor(over.Status)
	if !ok {
		return Column{}, fmt.Errorf("%w: item %s has status %s", ErrUnknownTarget, over.ID, over.Status)
	}
	return col, nil
}

func findItem(items []Item, id string) (Item, bool) {
	for _, item := range items {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}

// withStatus returns a copy of items with the dragged item set to status. An
// item missing from items is appended from its confirmed copy.
func withStatus(items []Item, dragged Item, status Status) []Item {
	next := make([]Item, 0, len(items)+1)
	found := false
	for _, item := range items {
		if item.ID == dragged.ID {
			item.Status = status
			found = true
		}
		next = append(next, item)
	}
	if !found {
		dragged.Status = status
		next = append(next, dragged)
	}
	return next
}
