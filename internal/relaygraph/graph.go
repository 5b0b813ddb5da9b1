package relaygraph

// Link points from a parent node to one of its children.
type Link struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// GraphView is derived on every read and never persisted.
type GraphView struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

const (
	colorPageLight     = "#2563EB"
	colorPageDark      = "#3B82F6"
	colorDatabaseLight = "#059669"
	colorDatabaseDark  = "#10B981"
	colorUnknownKind   = "#9E9E9E"
	colorLinkLight     = "#9CA3AF"
	colorLinkDark      = "#4B5563"
	colorLabelLight    = "#374151"
	colorLabelDark     = "#D1D5DB"
)

// BuildGraph keeps nodes in input order and emits one link per node with a parent,
// whether or not that parent is present in nodes. Ids are assumed unique.
func BuildGraph(nodes []Node) GraphView {
	links := make([]Link, 0, len(nodes))
	for _, node := range nodes {
		if !node.HasParent() {
			continue
		}
		links = append(links, Link{Source: node.ParentID, Target: node.ID})
	}
	return GraphView{
		Nodes: copyNodes(nodes),
		Links: links,
	}
}

// ColorFor never fails; kinds without a palette entry get the fallback color.
func ColorFor(kind Kind, dark bool) string {
	switch kind {
	case KindPage:
		if dark {
			return colorPageDark
		}
		return colorPageLight
	case KindDatabase:
		if dark {
			return colorDatabaseDark
		}
		return colorDatabaseLight
	default:
		return colorUnknownKind
	}
}

func LinkColor(dark bool) string {
	if dark {
		return colorLinkDark
	}
	return colorLinkLight
}

func LabelColor(dark bool) string {
	if dark {
		return colorLabelDark
	}
	return colorLabelLight
}

type StyledNode struct {
	Node
	Color      string `json:"color"`
	LabelColor string `json:"labelColor"`
	Orphan     bool   `json:"orphan,omitempty"`
}

type StyledLink struct {
	Link
	Color string `json:"color"`
}

type StyledGraph struct {
	Theme string       `json:"theme"`
	Nodes []StyledNode `json:"nodes"`
	Links []StyledLink `json:"links"`
}

// StyleGraph attaches presentation colors to a view. Orphan marks nodes whose parent
// reference does not resolve inside the view, which renderers treat as roots.
func StyleGraph(view GraphView, dark bool) StyledGraph {
	theme := "light"
	if dark {
		theme = "dark"
	}
	present := make(map[string]struct{}, len(view.Nodes))
	for _, node := range view.Nodes {
		present[node.ID] = struct{}{}
	}
	labelColor := LabelColor(dark)
	nodes := make([]StyledNode, 0, len(view.Nodes))
	for _, node := range view.Nodes {
		_, parentPresent := present[node.ParentID]
		nodes = append(nodes, StyledNode{
			Node:       node,
			Color:      ColorFor(node.Kind, dark),
			LabelColor: labelColor,
			Orphan:     node.HasParent() && !parentPresent,
		})
	}
	linkColor := LinkColor(dark)
	links := make([]StyledLink, 0, len(view.Links))
	for _, link := range view.Links {
		links = append(links, StyledLink{Link: link, Color: linkColor})
	}
	return StyledGraph{Theme: theme, Nodes: nodes, Links: links}
}
