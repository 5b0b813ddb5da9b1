package relaygraph

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

type NodeFilter string

const (
	FilterAll       NodeFilter = "all"
	FilterRoot      NodeFilter = "root"
	FilterPages     NodeFilter = "pages"
	FilterDatabases NodeFilter = "databases"
)

type NodeSort string

const (
	SortNone      NodeSort = ""
	SortTitleAsc  NodeSort = "title-asc"
	SortTitleDesc NodeSort = "title-desc"
)

type NodeQuery struct {
	Search string
	Filter NodeFilter
	Sort   NodeSort
}

// ParseNodeQuery rejects unknown filter and sort values; empty values mean defaults.
func ParseNodeQuery(search, filter, order string) (NodeQuery, error) {
	query := NodeQuery{Search: strings.TrimSpace(search), Filter: FilterAll}
	switch NodeFilter(strings.ToLower(strings.TrimSpace(filter))) {
	case "", FilterAll:
	case FilterRoot:
		query.Filter = FilterRoot
	case FilterPages:
		query.Filter = FilterPages
	case FilterDatabases:
		query.Filter = FilterDatabases
	default:
		return NodeQuery{}, fmt.Errorf("%w: unknown filter %q", ErrInvalidInput, filter)
	}
	switch NodeSort(strings.ToLower(strings.TrimSpace(order))) {
	case SortNone:
	case SortTitleAsc:
		query.Sort = SortTitleAsc
	case SortTitleDesc:
		query.Sort = SortTitleDesc
	default:
		return NodeQuery{}, fmt.Errorf("%w: unknown sort %q", ErrInvalidInput, order)
	}
	return query, nil
}

// FilterNodes applies q to nodes. The root filter follows the tolerant-graph rule: a
// node whose parent is not in the set counts as a root.
func FilterNodes(nodes []Node, q NodeQuery) []Node {
	present := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		present[node.ID] = struct{}{}
	}
	search := strings.ToLower(q.Search)
	out := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		if search != "" && !strings.Contains(strings.ToLower(node.Title), search) {
			continue
		}
		switch q.Filter {
		case FilterRoot:
			if _, ok := present[node.ParentID]; node.HasParent() && ok {
				continue
			}
		case FilterPages:
			if node.Kind != KindPage {
				continue
			}
		case FilterDatabases:
			if node.Kind != KindDatabase {
				continue
			}
		}
		out = append(out, node)
	}
	switch q.Sort {
	case SortTitleAsc:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].Title) < strings.ToLower(out[j].Title)
		})
	case SortTitleDesc:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].Title) > strings.ToLower(out[j].Title)
		})
	}
	return out
}

type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

func ParseExportFormat(raw string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ExportJSON:
		return ExportJSON, nil
	case ExportCSV:
		return ExportCSV, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q", ErrInvalidInput, raw)
	}
}

// ParseExportKinds reads a comma separated list of "pages" and "databases". Empty
// means both.
func ParseExportKinds(raw string) (map[Kind]bool, error) {
	kinds := map[Kind]bool{}
	for _, part := range strings.Split(raw, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "":
		case "pages", "page":
			kinds[KindPage] = true
		case "databases", "database":
			kinds[KindDatabase] = true
		default:
			return nil, fmt.Errorf("%w: unknown export type %q", ErrInvalidInput, part)
		}
	}
	if len(kinds) == 0 {
		kinds[KindPage] = true
		kinds[KindDatabase] = true
	}
	return kinds, nil
}

type exportWorkspace struct {
	ID        string    `json:"id"`
	FetchedAt time.Time `json:"fetchedAt"`
}

type exportDocument struct {
	Workspace exportWorkspace `json:"workspace"`
	Pages     []Node          `json:"pages,omitempty"`
	Databases []Node          `json:"databases,omitempty"`
}

// WriteExport writes the snapshot nodes of the selected kinds. Nodes of kinds the
// palette does not know are never exported.
func WriteExport(w io.Writer, snapshot Snapshot, format ExportFormat, kinds map[Kind]bool) error {
	selected := make([]Node, 0, len(snapshot.Nodes))
	for _, node := range snapshot.Nodes {
		if kinds[node.Kind] {
			selected = append(selected, node)
		}
	}
	switch format {
	case ExportCSV:
		return writeCSVExport(w, snapshot, selected)
	case ExportJSON:
		doc := exportDocument{Workspace: exportWorkspace{ID: snapshot.WorkspaceID, FetchedAt: snapshot.FetchedAt}}
		for _, node := range selected {
			if node.Kind == KindDatabase {
				doc.Databases = append(doc.Databases, node)
			} else {
				doc.Pages = append(doc.Pages, node)
			}
		}
		if kinds[KindPage] && doc.Pages == nil {
			doc.Pages = []Node{}
		}
		if kinds[KindDatabase] && doc.Databases == nil {
			doc.Databases = []Node{}
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	default:
		return fmt.Errorf("%w: unsupported export format %q", ErrInvalidInput, format)
	}
}

func writeCSVExport(w io.Writer, snapshot Snapshot, nodes []Node) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"type", "id", "title", "parentId", "fetchedAt"}); err != nil {
		return err
	}
	fetchedAt := snapshot.FetchedAt.UTC().Format(time.RFC3339)
	for _, node := range nodes {
		if err := writer.Write([]string{string(node.Kind), node.ID, node.Title, node.ParentID, fetchedAt}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WorkspaceStats summarizes a snapshot. Roots include nodes whose parent is not
// in the snapshot; Orphans counts only those.
type WorkspaceStats struct {
	WorkspaceID string    `json:"workspaceId"`
	Total       int       `json:"total"`
	Pages       int       `json:"pages"`
	Databases   int       `json:"databases"`
	Other       int       `json:"other"`
	Roots       int       `json:"roots"`
	Orphans     int       `json:"orphans"`
	Links       int       `json:"links"`
	MaxDepth    int       `json:"maxDepth"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

func ComputeStats(snapshot Snapshot) WorkspaceStats {
	stats := WorkspaceStats{
		WorkspaceID: snapshot.WorkspaceID,
		Total:       len(snapshot.Nodes),
		FetchedAt:   snapshot.FetchedAt,
	}
	parents := make(map[string]string, len(snapshot.Nodes))
	for _, node := range snapshot.Nodes {
		parents[node.ID] = node.ParentID
	}
	for _, node := range snapshot.Nodes {
		switch node.Kind {
		case KindPage:
			stats.Pages++
		case KindDatabase:
			stats.Databases++
		default:
			stats.Other++
		}
		if !node.HasParent() {
			stats.Roots++
			continue
		}
		stats.Links++
		if _, ok := parents[node.ParentID]; !ok {
			stats.Roots++
			stats.Orphans++
		}
	}

	depths := make(map[string]int, len(snapshot.Nodes))
	for _, node := range snapshot.Nodes {
		if depth := nodeDepth(node.ID, parents, depths); depth > stats.MaxDepth {
			stats.MaxDepth = depth
		}
	}
	return stats
}

// nodeDepth counts edges up to a root. A parent cycle ends the walk where it
// closes, so every node still gets a finite depth.
func nodeDepth(id string, parents map[string]string, depths map[string]int) int {
	var chain []string
	onChain := make(map[string]struct{})
	current := id
	base := 0
	for {
		if depth, ok := depths[current]; ok {
			base = depth + 1
			break
		}
		if _, ok := onChain[current]; ok {
			break
		}
		chain = append(chain, current)
		onChain[current] = struct{}{}
		parent, ok := parents[current]
		if !ok || parent == "" {
			break
		}
		if _, known := parents[parent]; !known {
			break
		}
		current = parent
	}
	for i := len(chain) - 1; i >= 0; i-- {
		depths[chain[i]] = base
		base++
	}
	return depths[id]
}
