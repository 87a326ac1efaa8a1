package evm

import (
	"fmt"
	"strings"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

// TraceData is the payload of one trace-tree node.
type TraceData interface {
	isTrace()
	fmt.Stringer
}

// FrameTrace marks the entry into a sub-execution.
type FrameTrace struct {
	Target   hevm.Address
	Context  hevm.Address
	Selector *[4]byte
	Create   bool
}

// ReturnTrace records the return buffer of a completed frame.
type ReturnTrace struct {
	Output *expr.Buf
}

// ErrorTrace records the error that ended a frame or a shallow failure.
type ErrorTrace struct {
	Err error
}

// EventTrace records an emitted log.
type EventTrace struct {
	Log LogEntry
}

func (FrameTrace) isTrace()  {}
func (ReturnTrace) isTrace() {}
func (ErrorTrace) isTrace()  {}
func (EventTrace) isTrace()  {}

func (t FrameTrace) String() string {
	kind := "call"
	if t.Create {
		kind = "create"
	}
	if t.Selector != nil {
		return fmt.Sprintf("%s %v 0x%x", kind, t.Target, *t.Selector)
	}
	return fmt.Sprintf("%s %v", kind, t.Target)
}

func (t ReturnTrace) String() string {
	if data, ok := expr.ToBytes(t.Output); ok {
		return fmt.Sprintf("return 0x%x", data)
	}
	return "return <symbolic>"
}

func (t ErrorTrace) String() string {
	return fmt.Sprintf("error: %v", t.Err)
}

func (t EventTrace) String() string {
	return fmt.Sprintf("log %v (%d topics)", t.Log.Addr, len(t.Log.Topics))
}

// traceNode is one arena entry. The root carries no data.
type traceNode struct {
	parent   int32
	children []int32
	data     TraceData
}

// Traces is a cursor into a tree of execution events, kept as an arena
// of nodes with parent links. enter adds a child and descends, leaf
// adds a child in place, exit ascends.
type Traces struct {
	nodes   []traceNode
	current int32
}

func newTraces() *Traces {
	return &Traces{nodes: []traceNode{{parent: -1}}}
}

func (t *Traces) add(data TraceData) int32 {
	ix := int32(len(t.nodes))
	t.nodes = append(t.nodes, traceNode{parent: t.current, data: data})
	t.nodes[t.current].children = append(t.nodes[t.current].children, ix)
	return ix
}

// enter appends a child below the cursor and moves the cursor onto it.
func (t *Traces) enter(data TraceData) {
	t.current = t.add(data)
}

// leaf appends a child below the cursor without moving it.
func (t *Traces) leaf(data TraceData) {
	t.add(data)
}

// exit moves the cursor back to the parent.
func (t *Traces) exit() {
	if t.current >= 0 && t.nodes[t.current].parent >= 0 {
		t.current = t.nodes[t.current].parent
	} else {
		t.current = 0
	}
}

// Len returns the number of recorded events.
func (t *Traces) Len() int {
	return len(t.nodes) - 1
}

// Walk visits every node depth first, reporting its depth.
func (t *Traces) Walk(visit func(depth int, data TraceData)) {
	var rec func(ix int32, depth int)
	rec = func(ix int32, depth int) {
		node := t.nodes[ix]
		if node.data != nil {
			visit(depth, node.data)
			depth++
		}
		for _, child := range node.children {
			rec(child, depth)
		}
	}
	rec(0, 0)
}

// Render pretty prints the tree, one node per line.
func (t *Traces) Render() string {
	var b strings.Builder
	t.Walk(func(depth int, data TraceData) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(data.String())
		b.WriteString("\n")
	})
	return b.String()
}
