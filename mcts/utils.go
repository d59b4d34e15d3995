package mcts

import (
	"github.com/tengen-go/tengen/game"
)

// pair is a tuple of prior score and vertex, used during expansion
type pair struct {
	Vertex game.Vertex
	Score  float32
}

// byScore is a sortable list of pairs. It sorts the list with best score first
type byScore []pair

func (l byScore) Len() int           { return len(l) }
func (l byScore) Less(i, j int) bool { return l[i].Score > l[j].Score }
func (l byScore) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

// nodeCompLess is the ordering used for best-move extraction: prefer the
// lower confidence bound when both sides have enough visits, then visit
// counts, then priors for unvisited nodes, then the plain evaluation.
// Returns true when a ranks strictly worse than b.
func nodeCompLess(a, b *NodePointer, color game.Player, lcbMinVisits float32) bool {
	// need at least 2 visits for a LCB
	if lcbMinVisits < 2 {
		lcbMinVisits = 2
	}

	aVisits, bVisits := a.Visits(), b.Visits()
	if float32(aVisits) > lcbMinVisits && float32(bVisits) > lcbMinVisits {
		aLCB, bLCB := a.EvalLCB(color), b.EvalLCB(color)
		if aLCB != bLCB {
			return aLCB < bLCB
		}
	}

	// if visits are not the same, sort on visits
	if aVisits != bVisits {
		return aVisits < bVisits
	}

	// neither has visits, sort on policy prior
	if aVisits == 0 {
		return a.Policy() < b.Policy()
	}

	// both have the same non-zero number of visits
	return a.Eval(color) < b.Eval(color)
}

// byNodeComp sorts children best first under nodeCompLess
type byNodeComp struct {
	color        game.Player
	lcbMinVisits float32
	l            []*NodePointer
}

func (l byNodeComp) Len() int           { return len(l.l) }
func (l byNodeComp) Less(i, j int) bool { return nodeCompLess(l.l[j], l.l[i], l.color, l.lcbMinVisits) }
func (l byNodeComp) Swap(i, j int)      { l.l[i], l.l[j] = l.l[j], l.l[i] }

// combinedScore is the final score from black's perspective, komi included
func combinedScore(state game.State) float32 {
	return state.Score(game.Player(game.Black)) - state.Score(game.Player(game.White)) - state.AdditionalScore()
}
