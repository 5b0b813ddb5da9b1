package relaygraph

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var queryFixture = []Node{
	{ID: "1", Title: "Roadmap", Kind: KindPage},
	{ID: "2", Title: "bugs", Kind: KindDatabase, ParentID: "1"},
	{ID: "3", Title: "Archive", Kind: KindPage, ParentID: "missing"},
	{ID: "4", Title: "Road trip", Kind: KindPage, ParentID: "1"},
}

func nodeIDs(nodes []Node) string {
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}
	return strings.Join(ids, ",")
}

func TestFilterNodes(t *testing.T) {
	cases := []struct {
		search, filter, sort string
		want                 string
	}{
		{"", "", "", "1,2,3,4"},
		{"road", "", "", "1,4"},
		{"ROAD", "all", "title-desc", "1,4"},
		{"", "root", "", "1,3"},
		{"", "pages", "title-asc", "3,4,1"},
		{"", "databases", "", "2"},
		{"", "", "title-asc", "3,2,4,1"},
	}
	for _, tc := range cases {
		query, err := ParseNodeQuery(tc.search, tc.filter, tc.sort)
		if err != nil {
			t.Fatalf("parse %+v failed: %v", tc, err)
		}
		if got := nodeIDs(FilterNodes(queryFixture, query)); got != tc.want {
			t.Fatalf("query %+v: expected %s, got %s", tc, tc.want, got)
		}
	}
}

func TestParseNodeQueryRejectsUnknownValues(t *testing.T) {
	if _, err := ParseNodeQuery("", "orphans", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid filter, got %v", err)
	}
	if _, err := ParseNodeQuery("", "", "date"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid sort, got %v", err)
	}
}

func TestWriteExportCSV(t *testing.T) {
	snapshot := Snapshot{
		WorkspaceID: "ws_1",
		FetchedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Nodes: []Node{
			{ID: "1", Title: `Say "hi", world`, Kind: KindPage},
			{ID: "2", Title: "Tasks", Kind: KindDatabase, ParentID: "1"},
			{ID: "3", Title: "Later", Kind: Kind("canvas")},
		},
	}
	kinds, err := ParseExportKinds("")
	if err != nil {
		t.Fatalf("parse kinds failed: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteExport(&buf, snapshot, ExportCSV, kinds); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	expected := "type,id,title,parentId,fetchedAt\n" +
		"page,1,\"Say \"\"hi\"\", world\",,2026-01-02T03:04:05Z\n" +
		"database,2,Tasks,1,2026-01-02T03:04:05Z\n"
	if buf.String() != expected {
		t.Fatalf("unexpected csv:\n%s", buf.String())
	}
}

func TestWriteExportJSONSelectsKinds(t *testing.T) {
	snapshot := Snapshot{
		WorkspaceID: "ws_1",
		FetchedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Nodes: []Node{
			{ID: "1", Title: "Root", Kind: KindPage},
			{ID: "2", Title: "Tasks", Kind: KindDatabase, ParentID: "1"},
		},
	}
	kinds, err := ParseExportKinds("databases")
	if err != nil {
		t.Fatalf("parse kinds failed: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteExport(&buf, snapshot, ExportJSON, kinds); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, ok := decoded["pages"]; ok {
		t.Fatalf("expected pages to be omitted, got %s", buf.String())
	}
	var databases []Node
	if err := json.Unmarshal(decoded["databases"], &databases); err != nil || len(databases) != 1 || databases[0].ID != "2" {
		t.Fatalf("unexpected databases: %s (%v)", decoded["databases"], err)
	}
}

func TestParseExportValidation(t *testing.T) {
	if format, err := ParseExportFormat(""); err != nil || format != ExportJSON {
		t.Fatalf("expected json default, got %s %v", format, err)
	}
	if _, err := ParseExportFormat("xml"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid format, got %v", err)
	}
	if _, err := ParseExportKinds("pages,blocks"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid kind, got %v", err)
	}
}

func TestComputeStats(t *testing.T) {
	fetched := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	stats := ComputeStats(Snapshot{
		WorkspaceID: "ws_stats",
		FetchedAt:   fetched,
		Nodes: []Node{
			{ID: "1", Title: "Roadmap", Kind: KindPage},
			{ID: "2", Title: "Tasks", Kind: KindDatabase, ParentID: "1"},
			{ID: "3", Title: "Row", Kind: KindPage, ParentID: "2"},
			{ID: "4", Title: "Lost", Kind: KindPage, ParentID: "gone"},
			{ID: "5", Title: "Widget", Kind: Kind("block"), ParentID: "4"},
		},
	})
	expected := WorkspaceStats{
		WorkspaceID: "ws_stats",
		Total:       5,
		Pages:       3,
		Databases:   1,
		Other:       1,
		Roots:       2,
		Orphans:     1,
		Links:       4,
		MaxDepth:    2,
		FetchedAt:   fetched,
	}
	if stats != expected {
		t.Fatalf("expected %+v, got %+v", expected, stats)
	}
}

func TestComputeStatsToleratesParentCycles(t *testing.T) {
	stats := ComputeStats(Snapshot{Nodes: []Node{
		{ID: "a", Title: "A", Kind: KindPage, ParentID: "b"},
		{ID: "b", Title: "B", Kind: KindPage, ParentID: "a"},
		{ID: "self", Title: "Self", Kind: KindPage, ParentID: "self"},
	}})
	if stats.Total != 3 || stats.Roots != 0 || stats.Links != 3 {
		t.Fatalf("unexpected stats for cyclic nodes: %+v", stats)
	}
	if stats.MaxDepth != 1 {
		t.Fatalf("expected finite depth for a two-node cycle, got %d", stats.MaxDepth)
	}
}

func TestComputeStatsEmptySnapshot(t *testing.T) {
	stats := ComputeStats(Snapshot{WorkspaceID: "ws_empty"})
	if stats.Total != 0 || stats.MaxDepth != 0 || stats.Roots != 0 {
		t.Fatalf("unexpected stats for empty snapshot: %+v", stats)
	}
}
