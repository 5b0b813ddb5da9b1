package relaygraph

import "strings"

const untitledTitle = "Untitled"

// NormalizeRemoteNodes turns fetched objects into strict nodes. Objects that fail
// shape validation are dropped and reported; remote order is preserved for the rest.
// Parent references are not checked for existence or acyclicity.
func NormalizeRemoteNodes(remote []RemoteNode) ([]Node, []*MalformedNodeError) {
	nodes := make([]Node, 0, len(remote))
	var dropped []*MalformedNodeError
	seen := make(map[string]struct{}, len(remote))
	for _, item := range remote {
		id := strings.TrimSpace(item.ID)
		if item.Invalid != "" {
			dropped = append(dropped, &MalformedNodeError{NodeID: id, Reason: item.Invalid})
			continue
		}
		if id == "" {
			dropped = append(dropped, &MalformedNodeError{Reason: "missing id"})
			continue
		}
		kind := normalizeKind(item.Kind)
		if kind == "" {
			dropped = append(dropped, &MalformedNodeError{NodeID: id, Reason: "missing kind"})
			continue
		}
		if _, ok := seen[id]; ok {
			dropped = append(dropped, &MalformedNodeError{NodeID: id, Reason: "duplicate id"})
			continue
		}
		seen[id] = struct{}{}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = untitledTitle
		}
		nodes = append(nodes, Node{
			ID:       id,
			Title:    title,
			Kind:     kind,
			ParentID: strings.TrimSpace(item.ParentID),
		})
	}
	return nodes, dropped
}

// carryForwardMalformed keeps the last good version of nodes that were known
// before and came back malformed, so a bad fetch of one object never reads as a
// removal. Carried nodes are appended after the fetched ones.
func carryForwardMalformed(previous, nodes []Node, dropped []*MalformedNodeError) ([]Node, int) {
	if len(dropped) == 0 || len(previous) == 0 {
		return nodes, 0
	}
	before := make(map[string]Node, len(previous))
	for _, node := range previous {
		before[node.ID] = node
	}
	present := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		present[node.ID] = struct{}{}
	}
	carried := 0
	for _, malformed := range dropped {
		old, ok := before[malformed.NodeID]
		if !ok {
			continue
		}
		if _, ok := present[old.ID]; ok {
			continue
		}
		present[old.ID] = struct{}{}
		nodes = append(nodes, old)
		carried++
	}
	return nodes, carried
}

// Diff partitions ids between a previous and a next node set. Added and updated
// follow next's order, removed follows previous's order.
func Diff(previous, next []Node) ChangeSet {
	before := make(map[string]Node, len(previous))
	for _, node := range previous {
		before[node.ID] = node
	}
	changes := ChangeSet{}
	after := make(map[string]struct{}, len(next))
	for _, node := range next {
		after[node.ID] = struct{}{}
		old, ok := before[node.ID]
		switch {
		case !ok:
			changes.Added = append(changes.Added, node.ID)
		case old != node:
			changes.Updated = append(changes.Updated, node.ID)
		}
	}
	for _, node := range previous {
		if _, ok := after[node.ID]; !ok {
			changes.Removed = append(changes.Removed, node.ID)
		}
	}
	return changes
}
