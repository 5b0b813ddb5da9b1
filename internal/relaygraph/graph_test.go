package relaygraph

import (
	"reflect"
	"testing"
)

func TestBuildGraphLinksChildrenToParents(t *testing.T) {
	nodes := []Node{
		{ID: "1", Title: "Root", Kind: KindPage},
		{ID: "2", Title: "Child", Kind: KindPage, ParentID: "1"},
		{ID: "3", Title: "DB", Kind: KindDatabase, ParentID: "1"},
	}
	view := BuildGraph(nodes)
	if !reflect.DeepEqual(view.Nodes, nodes) {
		t.Fatalf("expected nodes to pass through unchanged, got %+v", view.Nodes)
	}
	expected := []Link{{Source: "1", Target: "2"}, {Source: "1", Target: "3"}}
	if !reflect.DeepEqual(view.Links, expected) {
		t.Fatalf("expected links %+v, got %+v", expected, view.Links)
	}
}

func TestBuildGraphRootsProduceNoLinks(t *testing.T) {
	view := BuildGraph([]Node{
		{ID: "a", Title: "A", Kind: KindPage},
		{ID: "b", Title: "B", Kind: KindDatabase},
	})
	if len(view.Links) != 0 {
		t.Fatalf("expected no links, got %+v", view.Links)
	}
	if len(view.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(view.Nodes))
	}
}

func TestBuildGraphKeepsDanglingParentLinks(t *testing.T) {
	view := BuildGraph([]Node{{ID: "orphan", Title: "Orphan", Kind: KindPage, ParentID: "missing"}})
	if len(view.Links) != 1 || view.Links[0] != (Link{Source: "missing", Target: "orphan"}) {
		t.Fatalf("expected dangling parent link, got %+v", view.Links)
	}
}

func TestBuildGraphPreservesOrderAndCountsLinks(t *testing.T) {
	inputs := [][]Node{
		nil,
		{{ID: "z", Kind: KindPage}, {ID: "a", Kind: KindPage, ParentID: "z"}, {ID: "m", Kind: "calendar", ParentID: "a"}},
		{{ID: "self", Kind: KindPage, ParentID: "self"}},
		{{ID: "x", Kind: KindPage, ParentID: "y"}, {ID: "y", Kind: KindPage, ParentID: "x"}},
	}
	for _, nodes := range inputs {
		view := BuildGraph(nodes)
		if len(view.Nodes) != len(nodes) {
			t.Fatalf("expected %d nodes, got %d", len(nodes), len(view.Nodes))
		}
		for i := range nodes {
			if view.Nodes[i] != nodes[i] {
				t.Fatalf("node %d changed: %+v -> %+v", i, nodes[i], view.Nodes[i])
			}
		}
		withParent := 0
		for _, node := range nodes {
			if node.ParentID != "" {
				withParent++
			}
		}
		if len(view.Links) != withParent {
			t.Fatalf("expected %d links, got %d", withParent, len(view.Links))
		}
	}
}

func TestBuildGraphDoesNotAliasInput(t *testing.T) {
	nodes := []Node{{ID: "1", Title: "Root", Kind: KindPage}}
	view := BuildGraph(nodes)
	view.Nodes[0].Title = "mutated"
	if nodes[0].Title != "Root" {
		t.Fatalf("expected input to stay untouched, got %q", nodes[0].Title)
	}
}

func TestColorPalette(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"page light", ColorFor(KindPage, false), "#2563EB"},
		{"page dark", ColorFor(KindPage, true), "#3B82F6"},
		{"database light", ColorFor(KindDatabase, false), "#059669"},
		{"database dark", ColorFor(KindDatabase, true), "#10B981"},
		{"unknown light", ColorFor(Kind("calendar"), false), "#9E9E9E"},
		{"unknown dark", ColorFor(Kind(""), true), "#9E9E9E"},
		{"link light", LinkColor(false), "#9CA3AF"},
		{"link dark", LinkColor(true), "#4B5563"},
		{"label light", LabelColor(false), "#374151"},
		{"label dark", LabelColor(true), "#D1D5DB"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, tc.got)
		}
	}
}

func TestUnknownKindColorIsDistinct(t *testing.T) {
	fallback := ColorFor(Kind("synced_block"), false)
	for _, kind := range []Kind{KindPage, KindDatabase} {
		for _, dark := range []bool{false, true} {
			if ColorFor(kind, dark) == fallback {
				t.Fatalf("fallback color collides with %s dark=%v", kind, dark)
			}
		}
	}
}

func TestStyleGraphMarksOrphansAndColors(t *testing.T) {
	view := BuildGraph([]Node{
		{ID: "1", Title: "Root", Kind: KindPage},
		{ID: "2", Title: "DB", Kind: KindDatabase, ParentID: "1"},
		{ID: "3", Title: "Lost", Kind: KindPage, ParentID: "gone"},
	})
	styled := StyleGraph(view, true)
	if styled.Theme != "dark" {
		t.Fatalf("expected dark theme, got %s", styled.Theme)
	}
	if styled.Nodes[1].Color != "#10B981" || styled.Nodes[1].LabelColor != "#D1D5DB" {
		t.Fatalf("unexpected database styling: %+v", styled.Nodes[1])
	}
	if styled.Nodes[1].Orphan {
		t.Fatalf("expected node with present parent not to be an orphan")
	}
	if !styled.Nodes[2].Orphan {
		t.Fatalf("expected node with missing parent to be an orphan")
	}
	if len(styled.Links) != 2 || styled.Links[0].Color != "#4B5563" {
		t.Fatalf("unexpected links: %+v", styled.Links)
	}
}
