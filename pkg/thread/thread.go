// Package thread rebuilds reply trees from the flat, parent-linked reply
// lists kept by the store.
package thread

import (
	"fmt"

	"github.com/cpunion/chorus/pkg/types"
)

// DataError reports a malformed link found while building a forest. The
// offending reply is promoted to a root instead of failing the build.
type DataError struct {
	ReplyID types.ReplyID
	Reason  string
}

func (e DataError) Error() string {
	return fmt.Sprintf("reply %s: %s", e.ReplyID, e.Reason)
}

// Forest is the tree view over a flat reply list.
type Forest struct {
	Roots      []types.ReplyID
	ChildrenOf map[types.ReplyID][]types.ReplyID
	DepthOf    map[types.ReplyID]int
	MaxDepth   int
	Errors     []DataError
}

// Build groups replies by ReplyToID and computes depths. Input order is kept
// within every sibling group, so identical input yields identical output.
func Build(replies []types.CommentReply) Forest {
	f := Forest{
		ChildrenOf: make(map[types.ReplyID][]types.ReplyID, len(replies)),
		DepthOf:    make(map[types.ReplyID]int, len(replies)),
	}
	if len(replies) == 0 {
		return f
	}

	known := make(map[types.ReplyID]struct{}, len(replies))
	for _, r := range replies {
		known[r.ID] = struct{}{}
	}

	groups := make(map[types.ReplyID][]types.ReplyID, len(replies))
	var roots []types.ReplyID
	listed := make(map[types.ReplyID]struct{}, len(replies))
	for _, r := range replies {
		if _, dup := listed[r.ID]; dup {
			f.Errors = append(f.Errors, DataError{ReplyID: r.ID, Reason: "duplicate id"})
			continue
		}
		listed[r.ID] = struct{}{}

		parent := r.ReplyToID
		switch {
		case parent == "":
			roots = append(roots, r.ID)
		case parent == r.ID:
			f.Errors = append(f.Errors, DataError{ReplyID: r.ID, Reason: "replies to itself"})
			roots = append(roots, r.ID)
		default:
			if _, ok := known[parent]; !ok {
				f.Errors = append(f.Errors, DataError{ReplyID: r.ID, Reason: fmt.Sprintf("unknown parent %s", parent)})
				roots = append(roots, r.ID)
				continue
			}
			groups[parent] = append(groups[parent], r.ID)
		}
	}

	order := make([]types.ReplyID, 0, len(listed))
	for _, r := range replies {
		if _, ok := listed[r.ID]; !ok {
			continue
		}
		if _, done := f.ChildrenOf[r.ID]; done {
			continue
		}
		children := groups[r.ID]
		if children == nil {
			children = []types.ReplyID{}
		}
		f.ChildrenOf[r.ID] = children
		order = append(order, r.ID)
	}

	f.Roots = roots
	for _, root := range roots {
		f.walk(root)
	}

	// Anything left unvisited sits on a cycle detached from every root.
	for _, id := range order {
		if _, ok := f.DepthOf[id]; ok {
			continue
		}
		f.Errors = append(f.Errors, DataError{ReplyID: id, Reason: "unreachable from any root (cycle)"})
		f.Roots = append(f.Roots, id)
		f.walk(id)
	}
	return f
}

// walk assigns depths below start with an explicit stack. Visited ids are
// never revisited.
func (f *Forest) walk(start types.ReplyID) {
	type frame struct {
		id    types.ReplyID
		depth int
	}
	if _, ok := f.DepthOf[start]; ok {
		return
	}
	stack := []frame{{id: start}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := f.DepthOf[top.id]; ok {
			f.Errors = append(f.Errors, DataError{ReplyID: top.id, Reason: "revisited"})
			continue
		}
		f.DepthOf[top.id] = top.depth
		if top.depth > f.MaxDepth {
			f.MaxDepth = top.depth
		}
		children := f.ChildrenOf[top.id]
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, frame{id: children[i], depth: top.depth + 1})
		}
	}
}

// Flatten returns every id in pre-order: each root followed by its
// descendants, siblings in input order.
func (f Forest) Flatten() []types.ReplyID {
	out := make([]types.ReplyID, 0, len(f.DepthOf))
	seen := make(map[types.ReplyID]struct{}, len(f.DepthOf))
	var stack []types.ReplyID
	for _, root := range f.Roots {
		stack = append(stack[:0], root)
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
			children := f.ChildrenOf[id]
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		}
	}
	return out
}
