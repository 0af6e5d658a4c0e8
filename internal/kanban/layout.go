// Package kanban groups items into board columns and reconciles optimistic
// drag-and-drop moves against the last confirmed server state.
package kanban

type Status string

type Item struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Status Status `json:"status"`
}

// Column renders every status in Statuses and writes back Canonical.
type Column struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Statuses  []Status `json:"statuses"`
	Canonical Status   `json:"canonical"`
}

type Layout struct {
	Kind    string   `json:"kind"`
	Columns []Column `json:"columns"`
}

var IssueLayout = Layout{
	Kind: "issue",
	Columns: []Column{
		{ID: "todo", Title: "Todo", Statuses: []Status{"none", "todo"}, Canonical: "todo"},
		{ID: "progress", Title: "In Progress", Statuses: []Status{"progress"}, Canonical: "progress"},
		{ID: "review", Title: "In Review", Statuses: []Status{"review"}, Canonical: "review"},
		{ID: "done", Title: "Done", Statuses: []Status{"done"}, Canonical: "done"},
	},
}

var ProjectLayout = Layout{
	Kind: "project",
	Columns: []Column{
		{ID: "planned", Title: "Planned", Statuses: []Status{"none", "planned"}, Canonical: "planned"},
		{ID: "active", Title: "Active", Statuses: []Status{"active"}, Canonical: "active"},
		{ID: "paused", Title: "Paused", Statuses: []Status{"paused"}, Canonical: "paused"},
		{ID: "completed", Title: "Completed", Statuses: []Status{"completed", "canceled"}, Canonical: "completed"},
	},
}

// LayoutFor returns the layout for an item kind; an empty kind means issues.
func LayoutFor(kind string) (Layout, bool) {
	switch kind {
	case "", IssueLayout.Kind:
		return IssueLayout, true
	case ProjectLayout.Kind:
		return ProjectLayout, true
	default:
		return Layout{}, false
	}
}

func (l Layout) Column(id string) (Column, bool) {
	for _, col := range l.Columns {
		if col.ID == id {
			return col, true
		}
	}
	return Column{}, false
}

// ColumnFor returns the column an item with the given status renders in.
func (l Layout) ColumnFor(status Status) (Column, bool) {
	for _, col := range l.Columns {
		for _, s := range col.Statuses {
			if s == status {
				return col, true
			}
		}
	}
	return Column{}, false
}

type Lane struct {
	Column Column `json:"column"`
	Items  []Item `json:"items"`
}

// Group places items into the layout's columns, preserving item order.
// Items whose status no column renders are left out.
func Group(layout Layout, items []Item) []Lane {
	lanes := make([]Lane, len(layout.Columns))
	index := make(map[string]int, len(layout.Columns))
	for i, col := range layout.Columns {
		lanes[i] = Lane{Column: col, Items: []Item{}}
		index[col.ID] = i
	}
	for _, item := range items {
		col, ok := layout.ColumnFor(item.Status)
		if !ok {
			continue
		}
		i := index[col.ID]
		lanes[i].Items = append(lanes[i].Items, item)
	}
	return lanes
}
