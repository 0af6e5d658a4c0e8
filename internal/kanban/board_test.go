package kanban

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

// fakeServer is a shared authoritative store. Writes are last-write-wins.
type fakeServer struct {
	mu       sync.Mutex
	items    []Item
	writes   []PendingWrite
	failNext bool
	loads    int
}

func (s *fakeServer) WriteStatus(_ context.Context, itemID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("write rejected")
	}
	for i := range s.items {
		if s.items[i].ID == itemID {
			s.writes = append(s.writes, PendingWrite{ItemID: itemID, From: s.items[i].Status, To: status})
			s.items[i].Status = status
			return nil
		}
	}
	return errors.New("no such item")
}

func (s *fakeServer) Load(context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return cloneItems(s.items), nil
}

func (s *fakeServer) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestBoard(server *fakeServer) *Board {
	items, _ := server.Load(context.Background())
	server.loads = 0
	return NewBoard(IssueLayout, items, server, server, quietLogger())
}

func TestBoardRoundTripDragIssuesNoWrite(t *testing.T) {
	server := &fakeServer{items: boardItems()}
	board := newTestBoard(server)

	if err := board.DragStart("ENG-1"); err != nil {
		t.Fatalf("DragStart() error = %v", err)
	}
	if err := board.DragOver(Target{ColumnID: "progress"}); err != nil {
		t.Fatalf("DragOver(progress) error = %v", err)
	}
	if got := board.Optimistic()[0].Status; got != "progress" {
		t.Fatalf("optimistic status during drag = %q", got)
	}
	if diff := cmp.Diff(boardItems(), board.Confirmed()); diff != "" {
		t.Fatalf("confirmed changed during drag:\n%s", diff)
	}
	if err := board.DragOver(Target{ColumnID: "todo"}); err != nil {
		t.Fatalf("DragOver(todo) error = %v", err)
	}

	dispatch, err := board.Drop(context.Background(), &Target{ColumnID: "todo"})
	if err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if err := dispatch.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if dispatch.Pending != nil || server.writeCount() != 0 {
		t.Fatalf("expected zero writes, got %d (pending %+v)", server.writeCount(), dispatch.Pending)
	}
}

func TestBoardDropWritesOnceAndUpdatesLocalImmediately(t *testing.T) {
	server := &fakeServer{items: boardItems()}
	gate := make(chan struct{})
	writer := gatedWriter{next: server, gate: gate}
	items, _ := server.Load(context.Background())
	board := NewBoard(IssueLayout, items, writer, server, quietLogger())

	if err := board.DragStart("ENG-1"); err != nil {
		t.Fatalf("DragStart() error = %v", err)
	}
	if err := board.DragOver(Target{ColumnID: "progress"}); err != nil {
		t.Fatalf("DragOver() error = %v", err)
	}
	dispatch, err := board.Drop(context.Background(), &Target{ColumnID: "done"})
	if err != nil {
		t.Fatalf("Drop() error = %v", err)
	}

	if got := board.Optimistic()[0].Status; got != "done" {
		t.Fatalf("optimistic status before write resolved = %q", got)
	}
	if got := board.Confirmed()[0].Status; got != "todo" {
		t.Fatalf("confirmed status before write resolved = %q", got)
	}

	if err := board.DragStart("ENG-2"); err != nil {
		t.Fatalf("DragStart() error = %v", err)
	}
	if _, err := board.Drop(context.Background(), &Target{ColumnID: "done"}); !errors.Is(err, ErrWriteInFlight) {
		t.Fatalf("second Drop() error = %v, want ErrWriteInFlight", err)
	}

	close(gate)
	if err := dispatch.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	want := []PendingWrite{{ItemID: "ENG-1", From: "todo", To: "done"}}
	if diff := cmp.Diff(want, server.writes); diff != "" {
		t.Fatalf("writes mismatch (-want +got):\n%s", diff)
	}
	if got := board.Confirmed()[0].Status; got != "done" {
		t.Fatalf("confirmed not refreshed after write: %q", got)
	}
}

type gatedWriter struct {
	next Writer
	gate chan struct{}
}

func (w gatedWriter) WriteStatus(ctx context.Context, itemID string, status Status) error {
	<-w.gate
	return w.next.WriteStatus(ctx, itemID, status)
}

func TestBoardReloadsAfterFailedWrite(t *testing.T) {
	server := &fakeServer{items: boardItems(), failNext: true}
	board := newTestBoard(server)

	if err := board.DragStart("ENG-2"); err != nil {
		t.Fatalf("DragStart() error = %v", err)
	}
	dispatch, err := board.Drop(context.Background(), &Target{ColumnID: "review"})
	if err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if err := dispatch.Wait(); err == nil {
		t.Fatal("expected write error")
	}
	if !dispatch.Reloaded() {
		t.Fatal("expected a full reload")
	}
	if server.loads != 1 {
		t.Fatalf("expected one reload, got %d", server.loads)
	}
	if diff := cmp.Diff(boardItems(), board.Optimistic()); diff != "" {
		t.Fatalf("optimistic state not reverted by reload:\n%s", diff)
	}
}

func TestConcurrentSessionsLastWriteWins(t *testing.T) {
	server := &fakeServer{items: boardItems()}
	first := newTestBoard(server)
	second := newTestBoard(server)

	if err := first.DragStart("ENG-1"); err != nil {
		t.Fatalf("first DragStart() error = %v", err)
	}
	if err := second.DragStart("ENG-1"); err != nil {
		t.Fatalf("second DragStart() error = %v", err)
	}

	d1, err := first.Drop(context.Background(), &Target{ColumnID: "review"})
	if err != nil {
		t.Fatalf("first Drop() error = %v", err)
	}
	if err := d1.Wait(); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	d2, err := second.Drop(context.Background(), &Target{ColumnID: "done"})
	if err != nil {
		t.Fatalf("second Drop() error = %v", err)
	}
	if err := d2.Wait(); err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}

	items, _ := server.Load(context.Background())
	if items[0].Status != "done" {
		t.Fatalf("expected last write to win, got %q", items[0].Status)
	}
	if err := first.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if diff := cmp.Diff(items, first.Confirmed()); diff != "" {
		t.Fatalf("losing session did not converge:\n%s", diff)
	}
}

func TestBoardDragErrors(t *testing.T) {
	server := &fakeServer{items: boardItems()}
	board := newTestBoard(server)

	if err := board.DragOver(Target{ColumnID: "done"}); !errors.Is(err, ErrNotDragging) {
		t.Fatalf("DragOver() without drag error = %v", err)
	}
	if err := board.DragStart("ENG-9"); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("DragStart(unknown) error = %v", err)
	}
	if err := board.DragStart("ENG-1"); err != nil {
		t.Fatalf("DragStart() error = %v", err)
	}
	if _, err := board.Drop(context.Background(), &Target{ColumnID: "archive"}); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("Drop(unknown column) error = %v", err)
	}
	if diff := cmp.Diff(boardItems(), board.Optimistic()); diff != "" {
		t.Fatalf("failed drop left optimistic state dirty:\n%s", diff)
	}
	lanes := board.Lanes()
	if len(lanes) != 4 || len(lanes[0].Items) != 2 {
		t.Fatalf("unexpected lanes: %+v", lanes)
	}
}
