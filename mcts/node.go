package mcts

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/tengen-go/tengen/game"
)

type Status uint32

const (
	Invalid Status = iota
	Active
	Pruned
)

func (a Status) String() string {
	switch a {
	case Invalid:
		return "Invalid"
	case Active:
		return "Active"
	case Pruned:
		return "Pruned"
	}
	return "UNKNOWN STATUS"
}

// expansion state machine. The INITIAL→EXPANDING transition is a
// compare-exchange, so exactly one worker materializes the children.
const (
	expandInitial uint32 = iota
	expandExpanding
	expandExpanded
)

// Node is a tree vertex. Fields with atomic types are written during the
// search; everything else is fixed at creation or mutated only in the
// preparation phase while no workers run.
type Node struct {
	move   int32
	policy uint32 // float32 bits; rewritten by Dirichlet noise at the root

	visits   atomic.Int32
	status   atomic.Uint32
	virtLoss atomic.Int32

	// black's-perspective eval accumulator, and the squared-difference
	// accumulator for Welford's online variance. float64 bits.
	blackEvals      atomic.Uint64
	squaredEvalDiff atomic.Uint64

	netEval             uint32 // float32 bits, cached at expansion
	minPsaRatioChildren uint32 // float32 bits; 2 means "not expanded yet"
	expandState         atomic.Uint32

	// children are appended only while holding EXPANDING, and reordered
	// only in the preparation phase.
	children []*NodePointer
}

func newNode(move game.Vertex, policy float32) *Node {
	n := &Node{
		move:                int32(move),
		policy:              math32.Float32bits(policy),
		minPsaRatioChildren: math32.Float32bits(2),
	}
	n.status.Store(uint32(Active))
	return n
}

func (n *Node) Format(s fmt.State, c rune) {
	fmt.Fprintf(s, "{Move: %v Policy: %v NetEval: %v Visits: %v Status: %v}",
		n.Move(), n.Policy(), math32.Float32frombits(atomic.LoadUint32(&n.netEval)),
		n.Visits(), Status(n.status.Load()))
}

// Move gets the move associated with the node
func (n *Node) Move() game.Vertex { return game.Vertex(n.move) }

// Policy returns the prior probability of the node's move.
func (n *Node) Policy() float32 { return math32.Float32frombits(atomic.LoadUint32(&n.policy)) }

func (n *Node) setPolicy(policy float32) {
	atomic.StoreUint32(&n.policy, math32.Float32bits(policy))
}

func (n *Node) Visits() int32 { return n.visits.Load() }

// FirstVisit returns true if this node hasn't ever been visited
func (n *Node) FirstVisit() bool { return n.Visits() == 0 }

// Children returns the child handles. The slice is frozen once the node
// is EXPANDED; do not hold it across searches.
func (n *Node) Children() []*NodePointer { return n.children }

// FirstChild inflates and returns the first child, or nil if there is none.
func (n *Node) FirstChild() *Node {
	if len(n.children) == 0 {
		return nil
	}
	n.children[0].Inflate()
	return n.children[0].get()
}

// HasChildren returns true once a children list has been materialized.
func (n *Node) HasChildren() bool { return n.minPsaRatio() <= 1 }

// Expandable returns true if a (re-)expansion at the given threshold
// would admit more children. It may return false for memory reasons.
func (n *Node) Expandable(minPsaRatio float32) bool { return minPsaRatio < n.minPsaRatio() }

func (n *Node) minPsaRatio() float32 {
	return math32.Float32frombits(atomic.LoadUint32(&n.minPsaRatioChildren))
}

func (n *Node) addVirtualLoss()  { n.virtLoss.Add(virtualLossCount) }
func (n *Node) virtualLossUndo() { n.virtLoss.Add(-virtualLossCount) }

func atomicAddFloat64(addr *atomic.Uint64, delta float64) {
	for {
		old := addr.Load()
		upd := math.Float64bits(math.Float64frombits(old) + delta)
		if addr.CompareAndSwap(old, upd) {
			return
		}
	}
}

func (n *Node) blackEvalsLoad() float64 { return math.Float64frombits(n.blackEvals.Load()) }

func (n *Node) accumulateEval(eval float64) { atomicAddFloat64(&n.blackEvals, eval) }

// update adds a back-propagated evaluation (black's perspective) and
// maintains Welford's online variance. Readers may observe the visit
// count a beat ahead of the accumulators; selection tolerates that.
func (n *Node) update(eval float32) {
	oldEval := n.blackEvalsLoad()
	oldVisits := n.Visits()
	var oldDelta float64
	if oldVisits > 0 {
		oldDelta = float64(eval) - oldEval/float64(oldVisits)
	}
	n.visits.Add(1)
	n.accumulateEval(float64(eval))
	newDelta := float64(eval) - (oldEval+float64(eval))/float64(oldVisits+1)
	atomicAddFloat64(&n.squaredEvalDiff, oldDelta*newDelta)
}

// EvalVariance returns the sample variance of the evaluations seen so
// far, or defaultVar with fewer than two visits.
func (n *Node) EvalVariance(defaultVar float32) float32 {
	visits := n.Visits()
	if visits > 1 {
		return float32(math.Float64frombits(n.squaredEvalDiff.Load()) / float64(visits-1))
	}
	return defaultVar
}

// RawEval returns the mean evaluation from tomove's perspective, with
// virtualLoss pessimistic in-flight descents mixed in. Requires
// visits+virtualLoss > 0.
func (n *Node) RawEval(tomove game.Player, virtualLoss int32) float32 {
	visits := n.Visits() + virtualLoss
	blackEval := n.blackEvalsLoad()
	if tomove == White {
		blackEval += float64(virtualLoss)
	}
	eval := float32(blackEval / float64(visits))
	if tomove == White {
		eval = 1 - eval
	}
	return eval
}

// Eval is RawEval including the node's current virtual losses.
func (n *Node) Eval(tomove game.Player) float32 { return n.RawEval(tomove, n.virtLoss.Load()) }

// NetEval returns the network's immediate evaluation of this position.
func (n *Node) NetEval(tomove game.Player) float32 {
	eval := math32.Float32frombits(atomic.LoadUint32(&n.netEval))
	if tomove == White {
		return 1 - eval
	}
	return eval
}

// EvalLCB returns the lower confidence bound of the winrate. Nodes with
// fewer than two visits sort below anything that has been visited.
func (n *Node) EvalLCB(tomove game.Player) float32 {
	visits := n.Visits()
	if visits < 2 {
		return -1e6 + float32(visits)
	}
	mean := n.RawEval(tomove, 0)
	stddev := math32.Sqrt(n.EvalVariance(1) / float32(visits))
	z := cachedTQuantile(visits - 1)
	return mean - z*stddev
}

// Invalidate marks the node invalid. Invalid is sticky: it hides the
// node from selection and from best-move extraction for good.
func (n *Node) Invalidate() { n.status.Store(uint32(Invalid)) }

// SetActive toggles between active and pruned, unless the node is
// already invalid.
func (n *Node) SetActive(active bool) {
	if n.Valid() {
		if active {
			n.status.Store(uint32(Active))
		} else {
			n.status.Store(uint32(Pruned))
		}
	}
}

// Valid returns true if the node hasn't been invalidated.
func (n *Node) Valid() bool { return Status(n.status.Load()) != Invalid }

// Active returns true if the node takes part in selection.
func (n *Node) Active() bool { return Status(n.status.Load()) == Active }

func (n *Node) acquireExpanding() bool {
	return n.expandState.CompareAndSwap(expandInitial, expandExpanding)
}

func (n *Node) expandDone()   { n.expandState.Store(expandExpanded) }
func (n *Node) expandCancel() { n.expandState.Store(expandInitial) }

// waitExpanded spins until a concurrent expansion has finished. Readers
// that genuinely need the children list (selection, best-child) call
// this; everyone else treats EXPANDING as "do not pick".
func (n *Node) waitExpanded() {
	for n.expandState.Load() == expandExpanding {
		runtime.Gosched()
	}
}

// createChildren materializes the children of this node from the
// network's policy, admitting only moves whose prior is at least
// minPsaRatio times the best prior. Exactly one caller wins the
// expansion; the rest return ok=false immediately. nodes is the
// per-search node counter.
func (n *Node) createChildren(nn Inferencer, nodes *atomic.Int32, state game.State, cfg *Config, minPsaRatio float32) (eval float32, ok bool, err error) {
	// no successors in a final state
	if state.Passes() >= 2 {
		return 0, false, nil
	}
	if !n.acquireExpanding() {
		return 0, false, nil
	}
	if !n.Expandable(minPsaRatio) {
		n.expandDone()
		return 0, false, nil
	}

	policy, stmEval, err := nn.Infer(state)
	if err != nil {
		n.expandCancel()
		return 0, false, err
	}

	// the network evaluates for the side to move; the tree accumulates
	// from black's point of view
	toMove := state.ToMove()
	netEval := stmEval
	if toMove == White {
		netEval = 1 - stmEval
	}
	atomic.StoreUint32(&n.netEval, math32.Float32bits(netEval))
	eval = netEval

	passProb := policy[len(policy)-1]
	var nodelist []pair
	var legalSum float32
	for i := 0; i < state.NumIntersections(); i++ {
		v := game.Vertex(i)
		if state.Check(game.PlayerMove{Player: toMove, Vertex: v}) {
			nodelist = append(nodelist, pair{Vertex: v, Score: policy[i]})
			legalSum += policy[i]
		}
	}

	switch cfg.Game {
	case GameOthello:
		// in Othello a pass exists only when nothing else is playable
		if len(nodelist) == 0 {
			nodelist = append(nodelist, pair{Vertex: Pass, Score: 1})
			legalSum = 1
		}
	default:
		allowPass := cfg.DumbPass
		if len(nodelist) <= max(5, cfg.BoardSize) {
			allowPass = true
		}
		// if we're clever, only try passing when winning on both the
		// net score and the board count
		if !allowPass && stmEval > 0.8 {
			relativeScore := combinedScore(state)
			if toMove == White {
				relativeScore = -relativeScore
			}
			if relativeScore >= 0 {
				allowPass = true
			}
		}
		if allowPass {
			nodelist = append(nodelist, pair{Vertex: Pass, Score: passProb})
			legalSum += passProb
		}
	}

	if legalSum > math32.SmallestNonzeroFloat32 {
		// re-normalize after removing illegal moves
		for i := range nodelist {
			nodelist[i].Score /= legalSum
		}
	} else {
		// this can happen with new randomized nets
		uniform := 1 / float32(len(nodelist))
		for i := range nodelist {
			nodelist[i].Score = uniform
		}
	}

	n.linkNodelist(nodes, nodelist, minPsaRatio)
	if n.FirstVisit() {
		n.update(eval)
	}
	n.expandDone()
	return eval, true, nil
}

// linkNodelist appends the children whose prior clears the new
// threshold and wasn't already admitted by a looser one.
func (n *Node) linkNodelist(nodes *atomic.Int32, nodelist []pair, minPsaRatio float32) {
	if len(nodelist) == 0 {
		return
	}
	sort.Stable(byScore(nodelist))

	maxPsa := nodelist[0].Score
	oldMinPsa := maxPsa * n.minPsaRatio()
	newMinPsa := maxPsa * minPsaRatio

	skippedChildren := false
	for _, p := range nodelist {
		if p.Score < newMinPsa {
			skippedChildren = true
		} else if p.Score < oldMinPsa {
			n.children = append(n.children, newNodePointer(p.Vertex, p.Score))
			nodes.Add(1)
		}
	}

	if skippedChildren {
		atomic.StoreUint32(&n.minPsaRatioChildren, math32.Float32bits(minPsaRatio))
	} else {
		// nothing was skipped, so all that can be expanded has been
		atomic.StoreUint32(&n.minPsaRatioChildren, 0)
	}
}

// uctSelectChild picks the child maximizing winrate + PUCT exploration.
// Children being expanded by someone else get a hopeless winrate so we
// don't block on them.
func (n *Node) uctSelectChild(cfg *Config, color game.Player, isRoot bool) *Node {
	n.waitExpanded()

	// count parent visits manually to avoid issues with transpositions
	var totalVisitedPolicy float32
	var parentVisits int64
	for _, child := range n.children {
		if !child.Valid() {
			continue
		}
		visits := child.Visits()
		parentVisits += int64(visits)
		if visits > 0 {
			totalVisitedPolicy += child.Policy()
		}
	}

	numerator := math.Sqrt(float64(parentVisits) *
		math.Log(float64(cfg.LogPUCT)*float64(parentVisits)+float64(cfg.LogConst)))
	reduction := cfg.FPUReduction
	if isRoot {
		reduction = cfg.FPURootReduction
	}
	fpuReduction := reduction * math32.Sqrt(totalVisitedPolicy)
	// estimated eval for unvisited nodes: parent eval minus the reduction
	fpuEval := n.RawEval(color, 0) - fpuReduction

	var best *NodePointer
	bestValue := math.Inf(-1)
	for _, child := range n.children {
		if !child.Active() {
			continue
		}
		winrate := fpuEval
		if cn := child.get(); cn != nil && cn.expandState.Load() == expandExpanding {
			// someone else is expanding this node; never select it if
			// we can avoid it, because we'd block on it
			winrate = -1 - fpuReduction
		} else if child.Visits() > 0 {
			winrate = child.Eval(color)
		}
		denom := 1 + float64(child.Visits())
		puct := float64(cfg.PUCT) * float64(child.Policy()) * (numerator / denom)
		value := float64(winrate) + puct
		if value > bestValue {
			bestValue = value
			best = child
		}
	}
	if best == nil {
		panic("no child to select")
	}
	best.Inflate()
	return best.get()
}

// SortChildren stable-sorts the children best-first under the LCB-first
// ordering. Must only be called while no workers access the node.
func (n *Node) SortChildren(color game.Player, lcbMinVisits float32) {
	sort.Stable(byNodeComp{color: color, lcbMinVisits: lcbMinVisits, l: n.children})
}

// BestRootChild returns the best child without reordering anything, so
// it is usable while workers run.
func (n *Node) BestRootChild(color game.Player, lcbMinVisitRatio float32) *Node {
	n.waitExpanded()
	if len(n.children) == 0 {
		return nil
	}
	var maxVisits int32
	for _, child := range n.children {
		if v := child.Visits(); v > maxVisits {
			maxVisits = v
		}
	}
	lcbMinVisits := lcbMinVisitRatio * float32(maxVisits)
	best := n.children[0]
	for _, child := range n.children[1:] {
		if nodeCompLess(best, child, color, lcbMinVisits) {
			best = child
		}
	}
	best.Inflate()
	return best.get()
}

// FindChild locates the child playing move, inflates it and transfers
// ownership of its Node to the caller. Returns nil when the tree was
// never expanded that far.
func (n *Node) FindChild(move game.Vertex) *Node {
	for _, child := range n.children {
		if child.Move() == move {
			child.Inflate()
			return child.release()
		}
	}
	return nil
}

// countNodesAndClearExpandState counts the subtree bottom-up and resets
// the expansion state of partially-expanded nodes so a fresh search can
// extend them.
func (n *Node) countNodesAndClearExpandState() int32 {
	count := int32(len(n.children))
	if n.Expandable(0) {
		n.expandState.Store(expandInitial)
	}
	for _, child := range n.children {
		if cn := child.get(); cn != nil {
			count += cn.countNodesAndClearExpandState()
		}
	}
	return count
}
