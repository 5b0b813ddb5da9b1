package relaygraph

import (
	"strings"
	"time"
)

// Kind is the type of a workspace node. The set is closed but new remote kinds are
// carried through unchanged so that rendering can fall back instead of failing.
type Kind string

const (
	KindPage     Kind = "page"
	KindDatabase Kind = "database"
)

// Known reports whether k is one of the kinds the graph palette has colors for.
func (k Kind) Known() bool {
	switch k {
	case KindPage, KindDatabase:
		return true
	default:
		return false
	}
}

func normalizeKind(raw string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(raw)))
}

// Node is one page or database known to a workspace. ParentID is empty for roots.
type Node struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Kind     Kind   `json:"kind"`
	ParentID string `json:"parentId,omitempty"`
}

func (n Node) HasParent() bool {
	return n.ParentID != ""
}

// Snapshot is the node set believed current for one workspace.
type Snapshot struct {
	WorkspaceID string    `json:"workspaceId"`
	Nodes       []Node    `json:"nodes"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// RemoteNode is a node as reported by a RemoteWorkspaceClient, before boundary
// validation. Invalid carries the reason the client already rejected the object.
type RemoteNode struct {
	ID       string
	Title    string
	Kind     string
	ParentID string
	Invalid  string
}

type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeUpdated   ChangeKind = "updated"
	ChangeRemoved   ChangeKind = "removed"
	ChangeConnected ChangeKind = "connected"
)

// ChangeEvent is a transient notification on the broadcast path.
type ChangeEvent struct {
	EventID     string     `json:"eventId"`
	WorkspaceID string     `json:"workspaceId"`
	ChangeKind  ChangeKind `json:"changeKind"`
	AffectedIDs []string   `json:"affectedIds"`
	OccurredAt  time.Time  `json:"occurredAt"`
}

// ChangeSet partitions node ids by how they differ between two snapshots.
type ChangeSet struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type SyncResult struct {
	WorkspaceID string    `json:"workspaceId"`
	Added       int       `json:"added"`
	Updated     int       `json:"updated"`
	Removed     int       `json:"removed"`
	Dropped     int       `json:"dropped"`
	Total       int       `json:"total"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Changes     ChangeSet `json:"changes"`
}

func copyNodes(in []Node) []Node {
	if in == nil {
		return []Node{}
	}
	out := make([]Node, len(in))
	copy(out, in)
	return out
}
