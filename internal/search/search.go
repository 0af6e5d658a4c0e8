package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	DisplayID   string `json:"displayId"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	WorkspaceID string `json:"workspaceId"`
	SpaceID     string `json:"spaceId,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
}

// Query describes a search request. WorkspaceID is always applied as a
// filter.
type Query struct {
	Text        string
	WorkspaceID string
	SpaceID     string
	Status      string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a Searcher that issues can be pushed into.
type Index interface {
	Searcher
	IndexIssues(issues []IssueRecord) error
}

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID          string `json:"id"`
	DisplayID   string `json:"displayId"`
	WorkspaceID string `json:"workspaceId"`
	SpaceID     string `json:"spaceId"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
}
