package mcts

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chewxy/math32"
	"github.com/tengen-go/tengen/game"
)

// outputAnalysisData is one candidate move's snapshot, taken while the
// workers may still be running. We copy everything out before sorting.
type outputAnalysisData struct {
	move             string
	visits           int32
	winrate          float32
	policyPrior      float32
	pv               string
	lcb              float32
	lcbRatioExceeded bool
}

// infoString renders the canonical analysis entry. Winrate, prior and
// lcb are emitted in fixed point, ×10000; the lcb is clamped at zero.
func (d outputAnalysisData) infoString(order int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "info move %s visits %d winrate %d prior %d lcb %d",
		d.move, d.visits,
		int(d.winrate*10000),
		int(d.policyPrior*10000),
		int(math32.Max(0, d.lcb)*10000))
	if order >= 0 {
		fmt.Fprintf(&b, " order %d", order)
	}
	fmt.Fprintf(&b, " pv %s", d.pv)
	return b.String()
}

// byAnalysisOrder sorts analysis entries best first: by LCB when both
// cleared the visit ratio, else by visits, else by winrate.
type byAnalysisOrder []outputAnalysisData

func (l byAnalysisOrder) Len() int { return len(l) }
func (l byAnalysisOrder) Less(i, j int) bool {
	a, b := l[i], l[j]
	if a.lcbRatioExceeded && b.lcbRatioExceeded && a.lcb != b.lcb {
		return a.lcb > b.lcb
	}
	if a.visits == b.visits {
		return a.winrate > b.winrate
	}
	return a.visits > b.visits
}
func (l byAnalysisOrder) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// pv walks the best-child chain and renders it as move text. Nodes that
// are not fully expanded are not traversed: someone could be appending
// children while we read.
func (s *Search) pv(state game.State, parent *Node) string {
	if !parent.HasChildren() {
		return ""
	}
	if parent.Expandable(0) {
		return ""
	}
	best := parent.BestRootChild(state.ToMove(), s.LCBMinVisitRatio)
	if best == nil || best.FirstVisit() {
		return ""
	}
	move := best.Move()
	res := game.MoveToText(move, s.BoardSize)
	state = state.Apply(game.PlayerMove{Player: state.ToMove(), Vertex: move})
	if next := s.pv(state, best); next != "" {
		res += " " + next
	}
	return res
}

// outputAnalysis emits one line of per-candidate stats in the canonical
// space-separated format.
func (s *Search) outputAnalysis(w io.Writer, color game.Player) {
	if !s.root.HasChildren() {
		return
	}

	var maxVisits int32
	for _, child := range s.root.children {
		maxVisits = max(maxVisits, child.Visits())
	}

	var sortable []outputAnalysisData
	for _, child := range s.root.children {
		visits := child.Visits()
		// send only variations with visits, unless more moves were
		// requested explicitly
		if visits == 0 && len(sortable) >= s.PostMoveCount {
			continue
		}
		move := game.MoveToText(child.Move(), s.BoardSize)
		tmpstate := s.rootState.Clone()
		tmpstate = tmpstate.Apply(game.PlayerMove{Player: color, Vertex: child.Move()})
		pv := move
		if child.IsInflated() {
			if rest := s.pv(tmpstate, child.get()); rest != "" {
				pv += " " + rest
			}
		}
		var moveEval float32
		if visits > 0 {
			moveEval = child.RawEval(color)
		}
		// need at least 2 visits for a valid LCB
		lcbRatioExceeded := visits > 2 &&
			float32(visits) > float32(maxVisits)*s.LCBMinVisitRatio
		sortable = append(sortable, outputAnalysisData{
			move:             move,
			visits:           visits,
			winrate:          moveEval,
			policyPrior:      child.Policy(),
			pv:               pv,
			lcb:              child.EvalLCB(color),
			lcbRatioExceeded: lcbRatioExceeded,
		})
	}
	sort.Stable(byAnalysisOrder(sortable))

	for i, d := range sortable {
		if i > 0 {
			fmt.Fprint(w, " ")
		}
		fmt.Fprint(w, d.infoString(i))
	}
	fmt.Fprintln(w)
}

// analysisString is the short human-readable progress line.
func (s *Search) analysisString(playouts int) string {
	color := s.rootState.ToMove()
	var winrate float32
	if !s.root.FirstVisit() {
		winrate = 100 * s.root.RawEval(color, 0)
	}
	pvstring := s.pv(s.rootState.Clone(), s.root)
	return fmt.Sprintf("Playouts: %d, Win: %5.2f%%, PV: %s", playouts, winrate, pvstring)
}

// dumpStats logs the principal candidates once the workers have
// quiesced. It reorders the children, so never call it mid-search.
func (s *Search) dumpStats(color game.Player) {
	if s.Quiet || !s.root.HasChildren() || len(s.root.children) == 0 {
		return
	}

	var maxVisits int32
	for _, child := range s.root.children {
		maxVisits = max(maxVisits, child.Visits())
	}

	// sort children, put the best move on top
	s.root.SortChildren(color, s.LCBMinVisitRatio*float32(maxVisits))
	if s.root.children[0].FirstVisit() {
		return
	}

	moveCount := 0
	for _, child := range s.root.children {
		// always display at least two moves, so a single searched move
		// still shows what it was up against
		moveCount++
		if moveCount > 2 && child.Visits() == 0 {
			break
		}

		move := game.MoveToText(child.Move(), s.BoardSize)
		tmpstate := s.rootState.Clone()
		tmpstate = tmpstate.Apply(game.PlayerMove{Player: color, Vertex: child.Move()})
		pv := move
		if child.IsInflated() {
			if rest := s.pv(tmpstate, child.get()); rest != "" {
				pv += " " + rest
			}
		}

		var winrate float32
		if child.Visits() > 0 {
			winrate = 100 * child.RawEval(color)
		}
		s.logger.Info().Msg(fmt.Sprintf("%4s -> %7d (V: %5.2f%%) (LCB: %5.2f%%) (N: %5.2f%%) PV: %s",
			move, child.Visits(), winrate,
			math32.Max(0, 100*child.EvalLCB(color)),
			100*child.Policy(), pv))
	}
	s.treeStats()
}

// treeStats logs depth and branching statistics of the whole tree.
func (s *Search) treeStats() {
	var nodes, nonLeaf, depthSum, maxDepth, childrenCount int

	var traverse func(n *Node, depth int)
	traverse = func(n *Node, depth int) {
		nodes++
		// a leaf can't be visited more than once
		if n.Visits() > 1 {
			nonLeaf++
		}
		depthSum += depth
		maxDepth = max(maxDepth, depth)

		for _, child := range n.children {
			if child.Visits() > 0 {
				childrenCount++
				traverse(child.get(), depth+1)
			} else {
				nodes++
				depthSum += depth + 1
				maxDepth = max(maxDepth, depth+1)
			}
		}
	}
	traverse(s.root, 0)

	if nodes > 0 && nonLeaf > 0 {
		s.logger.Info().
			Float32("avg_depth", float32(depthSum)/float32(nodes)).
			Int("max_depth", maxDepth).
			Int("non_leaf_nodes", nonLeaf).
			Float32("avg_children", float32(childrenCount)/float32(nonLeaf)).
			Msg("tree stats")
	}
}
