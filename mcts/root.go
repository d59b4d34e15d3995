package mcts

import (
	"math"
	"math/rand"

	"github.com/chewxy/math32"
	rng "github.com/leesper/go_rng"
	"github.com/tengen-go/tengen/game"
)

/*
These operations belong to Node but are only ever called on the root of a
Search, during the preparation phase while no workers run.
*/

// inflateAllChildren inflates every child. A lot of root handling assumes
// inflated children, so this removes a pile of special cases.
func (n *Node) inflateAllChildren() {
	for _, child := range n.children {
		child.Inflate()
	}
}

// killSuperkos invalidates children whose move would repeat a previous
// whole-board position, then removes every invalid child from the list.
// The PASS child survives unless other valid children exist and PASS has
// been configured away, so the root never ends up empty on account of
// this.
func (n *Node) killSuperkos(state game.State) {
	var passChild *NodePointer
	validCount := 0

	toMove := state.ToMove()
	for _, child := range n.children {
		move := child.Move()
		if move != Pass {
			mystate := state.Clone()
			mystate.Apply(game.PlayerMove{Player: toMove, Vertex: move})
			if mystate.Superko() {
				child.Invalidate()
			}
		} else {
			passChild = child
		}
		if child.Valid() {
			validCount++
		}
	}

	if validCount > 1 && passChild != nil &&
		!state.Check(game.PlayerMove{Player: toMove, Vertex: Pass}) {
		// remove the PASS node, but only if other valid nodes are left
		passChild.Invalidate()
	}

	// now do the actual deletion
	kept := n.children[:0]
	for _, child := range n.children {
		if child.Valid() {
			kept = append(kept, child)
		}
	}
	n.children = kept
}

// dirichletNoise mixes a Dirichlet(alpha) sample into the children's
// priors for extra exploration at the root: p ← (1−ε)·p + ε·η.
func (n *Node) dirichletNoise(epsilon, alpha float32, gamma *rng.GammaGenerator) {
	dirichletVector := make([]float32, 0, len(n.children))
	var sampleSum float32
	for range n.children {
		g := float32(gamma.Gamma(float64(alpha), 1))
		dirichletVector = append(dirichletVector, g)
		sampleSum += g
	}

	// if the noise vector sums to 0 or a denormal, don't normalize
	if sampleSum < math32.SmallestNonzeroFloat32 {
		return
	}
	for i := range dirichletVector {
		dirichletVector[i] /= sampleSum
	}

	for i, child := range n.children {
		policy := child.Policy()
		policy = policy*(1-epsilon) + epsilon*dirichletVector[i]
		child.setPolicy(policy)
	}
}

// randomizeFirstProportionally swaps a child into front position with
// probability proportional to visits^(1/temperature). Assumes the
// children were just sorted best-first.
func (n *Node) randomizeFirstProportionally(r *rand.Rand, minVisits int32, temperature float32) {
	var accum float64
	var normFactor float64
	var accumVector []float64

	for _, child := range n.children {
		visits := child.Visits()
		if normFactor == 0 {
			normFactor = float64(visits)
			// nonsensical options? end of game?
			if visits <= minVisits {
				return
			}
		}
		if visits > minVisits {
			accum += math.Pow(float64(visits)/normFactor, 1/float64(temperature))
			accumVector = append(accumVector, accum)
		}
	}

	pick := r.Float64() * accum
	index := 0
	for i := range accumVector {
		if pick < accumVector[i] {
			index = i
			break
		}
	}
	if index == 0 {
		return
	}
	n.children[0], n.children[index] = n.children[index], n.children[0]
}

// noPassChild returns the first child that is not a pass. When the game
// knows about eyes we must also skip eye-filling moves: the engine
// doesn't need that knowledge, but we do because we're overruling its
// move.
func (n *Node) noPassChild(state game.State, checkEyes bool) *NodePointer {
	toMove := state.ToMove()
	for _, child := range n.children {
		move := child.Move()
		if move == Pass {
			continue
		}
		if checkEyes && state.IsEye(toMove, move) {
			continue
		}
		return child
	}
	return nil
}

// prepareRootNode expands the root if needed, inflates all children,
// applies move restrictions and superko pruning, and mixes in Dirichlet
// noise when configured. Runs before the workers launch.
func (s *Search) prepareRootNode(color game.Player) {
	root := s.root
	hadChildren := root.HasChildren()
	var rootEval float32
	if root.Expandable(0) {
		eval, _, err := root.createChildren(s.nn, &s.nodes, s.rootState, &s.Config, s.minPsaRatio())
		if err != nil {
			s.logger.Warn().Err(err).Msg("root expansion halted")
		}
		rootEval = eval
		if color == White {
			rootEval = 1 - rootEval
		}
	}
	if hadChildren {
		rootEval = root.NetEval(color)
	}
	s.logger.Debug().Float32("nn_eval", rootEval).Msg("root prepared")

	root.inflateAllChildren()

	for _, avoid := range s.AnalyzeAvoid {
		for _, child := range root.children {
			if child.Move() == avoid {
				child.Invalidate()
			}
		}
	}

	if s.Config.Game == GameGo {
		// remove illegal repetitions so the root move list is correct
		root.killSuperkos(s.rootState)
	}

	if s.Noise {
		alpha := float32(0.5)
		if s.Config.Game == GameGo {
			// adjust the Dirichlet alpha to the board size
			alpha = 0.03 * 361 / float32(s.numIntersections())
		}
		root.dirichletNoise(0.25, alpha, s.gamma)
	}
}
