package search

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeIndex struct {
	healthy bool
	results []Result
	err     error

	mu      sync.Mutex
	indexed chan IssueRecord
}

func (f *fakeIndex) Search(Query) ([]Result, int, error) {
	return f.results, len(f.results), f.err
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexIssues(issues []IssueRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, issue := range issues {
		f.indexed <- issue
	}
	return nil
}

type fakeSearcher struct {
	calls   int
	results []Result
}

func (f *fakeSearcher) Search(Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), nil
}

func (f *fakeSearcher) Healthy() bool { return true }

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestSearchUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &fakeIndex{healthy: true, results: []Result{{DisplayID: "ENG-1"}}}
	fallback := &fakeSearcher{}
	svc := &Service{primary: primary, fallback: fallback, log: quietLogger()}

	resp := svc.Search(Query{Text: "login", WorkspaceID: "ws_1"})
	if len(resp.Results) != 1 || resp.Results[0].DisplayID != "ENG-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback should not be queried, got %d calls", fallback.calls)
	}
}

func TestSearchFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeIndex{healthy: true, err: errors.New("boom")}
	fallback := &fakeSearcher{results: []Result{{DisplayID: "ENG-2"}}}
	svc := &Service{primary: primary, fallback: fallback, log: quietLogger()}

	resp := svc.Search(Query{Text: "login", WorkspaceID: "ws_1"})
	if fallback.calls != 1 || len(resp.Results) != 1 || resp.Results[0].DisplayID != "ENG-2" {
		t.Fatalf("unexpected fallback response: %+v (calls=%d)", resp, fallback.calls)
	}
}

func TestSearchWithoutBackendsReturnsEmptyList(t *testing.T) {
	svc := NewService(nil, nil, quietLogger())
	resp := svc.Search(Query{Text: "login"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp.Results)
	}
}

func TestIndexIssueSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: false, indexed: make(chan IssueRecord, 1)}
	svc := &Service{primary: primary, log: quietLogger()}
	svc.IndexIssue(IssueRecord{ID: "iss_1"})

	select {
	case got := <-primary.indexed:
		t.Fatalf("unhealthy index received %+v", got)
	case <-time.After(50 * time.Millisecond):
	}

	primary.healthy = true
	svc.IndexIssue(IssueRecord{ID: "iss_2", DisplayID: "ENG-2"})
	select {
	case got := <-primary.indexed:
		if got.ID != "iss_2" {
			t.Fatalf("unexpected indexed record: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("issue was not indexed")
	}
}

func TestMeiliFiltersAlwaysScopeWorkspace(t *testing.T) {
	filters := meiliFilters(Query{WorkspaceID: "ws_1", Status: "done"})
	if len(filters) != 2 || filters[0] != `workspaceId = "ws_1"` || filters[1] != `status = "done"` {
		t.Fatalf("unexpected filters: %v", filters)
	}
}
