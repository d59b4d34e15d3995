package mcts

import (
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/tengen-go/tengen/game"
)

// treeSize counts the nodes owned by NodePointers across every live tree
// in the process. It drives the memory-bound expansion throttle.
var treeSize atomic.Int64

// TreeSize returns the process-wide live node count.
func TreeSize() int64 { return treeSize.Load() }

// NodePointer is a two-state handle to a child: either uninflated (just
// the move and its prior, no Node allocated) or inflated (owning a full
// Node). The bulk of a tree's leaves stay uninflated, which is what
// keeps large trees affordable. Inflation is atomic and one-shot; there
// is no way back.
type NodePointer struct {
	node atomic.Pointer[Node]

	// the uninflated representation. policy is float32 bits; it is only
	// rewritten during root preparation, when no workers run.
	move   int32
	policy uint32
}

func newNodePointer(move game.Vertex, policy float32) *NodePointer {
	return &NodePointer{
		move:   int32(move),
		policy: math32.Float32bits(policy),
	}
}

// IsInflated returns true if a Node backs this pointer.
func (p *NodePointer) IsInflated() bool { return p.node.Load() != nil }

// Inflate guarantees that an inflated Node exists on return. Safe to call
// concurrently: losers of the install race drop their tentative
// allocation.
func (p *NodePointer) Inflate() {
	if p.node.Load() != nil {
		return
	}
	tentative := newNode(game.Vertex(p.move), math32.Float32frombits(p.policy))
	if p.node.CompareAndSwap(nil, tentative) {
		treeSize.Add(1)
	}
}

// get returns the inflated Node. Precondition: inflated.
func (p *NodePointer) get() *Node { return p.node.Load() }

// release detaches the inflated Node and hands ownership to the caller.
// Used when promoting a child to the new root, and by the reaper when
// tearing a discarded subtree down.
func (p *NodePointer) release() *Node {
	n := p.node.Swap(nil)
	if n != nil {
		treeSize.Add(-1)
	}
	return n
}

// releaseTree returns a whole subtree's nodes to the counter, bottom-up.
func releaseTree(n *Node) {
	if n == nil {
		return
	}
	for _, child := range n.children {
		releaseTree(child.release())
	}
}

// Move gets the move associated with the pointer.
func (p *NodePointer) Move() game.Vertex {
	if n := p.get(); n != nil {
		return n.Move()
	}
	return game.Vertex(p.move)
}

// Policy returns the prior probability of the move.
func (p *NodePointer) Policy() float32 {
	if n := p.get(); n != nil {
		return n.Policy()
	}
	return math32.Float32frombits(p.policy)
}

func (p *NodePointer) setPolicy(policy float32) {
	if n := p.get(); n != nil {
		n.setPolicy(policy)
		return
	}
	p.policy = math32.Float32bits(policy)
}

// Visits returns the visit count; an uninflated pointer was never visited.
func (p *NodePointer) Visits() int32 {
	if n := p.get(); n != nil {
		return n.Visits()
	}
	return 0
}

// FirstVisit returns true if this child hasn't ever been visited.
func (p *NodePointer) FirstVisit() bool { return p.Visits() == 0 }

// Eval returns the accumulated evaluation including virtual losses, from
// tomove's perspective. An uninflated pointer evaluates to 0.
func (p *NodePointer) Eval(tomove game.Player) float32 {
	if n := p.get(); n != nil {
		return n.Eval(tomove)
	}
	return 0
}

// RawEval is Eval without the virtual loss term.
func (p *NodePointer) RawEval(tomove game.Player) float32 {
	if n := p.get(); n != nil {
		return n.RawEval(tomove, 0)
	}
	return 0
}

// EvalLCB returns the lower confidence bound of the winrate. Pointers
// with fewer than two visits sort below everything that has been visited.
func (p *NodePointer) EvalLCB(tomove game.Player) float32 {
	if n := p.get(); n != nil {
		return n.EvalLCB(tomove)
	}
	return -1e6
}

// Valid returns false only for an inflated, invalidated Node.
func (p *NodePointer) Valid() bool {
	if n := p.get(); n != nil {
		return n.Valid()
	}
	return true
}

// Active returns false for an inflated Node that is invalid or pruned.
func (p *NodePointer) Active() bool {
	if n := p.get(); n != nil {
		return n.Active()
	}
	return true
}

// Invalidate marks the child invalid, inflating it if needed. Invalid is
// sticky.
func (p *NodePointer) Invalidate() {
	p.Inflate()
	p.get().Invalidate()
}

// SetActive toggles between active and pruned. Uninflated pointers are
// never pruned, so there is nothing to do for them.
func (p *NodePointer) SetActive(active bool) {
	if n := p.get(); n != nil {
		n.SetActive(active)
	}
}
