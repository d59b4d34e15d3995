package mcts

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tengen-go/tengen/game"
)

func TestUpdateWelford(t *testing.T) {
	n := newNode(game.Vertex(4), 0.3)
	evals := []float32{0.6, 0.4, 0.9, 0.1}
	for _, e := range evals {
		n.update(e)
	}

	assert.Equal(t, int32(4), n.Visits())
	assert.InDelta(t, 2.0, n.blackEvalsLoad(), 1e-6)
	assert.InDelta(t, 0.5, n.RawEval(Black, 0), 1e-6)
	assert.InDelta(t, 0.5, n.RawEval(White, 0), 1e-6)

	// sample variance of the evals, computed the long way
	mean := 0.5
	var sq float64
	for _, e := range evals {
		d := float64(e) - mean
		sq += d * d
	}
	want := sq / float64(len(evals)-1)
	assert.InDelta(t, want, float64(n.EvalVariance(0)), 1e-4)
}

func TestRawEvalVirtualLoss(t *testing.T) {
	n := newNode(game.Vertex(0), 0.5)
	n.update(1)
	n.update(1)

	// a virtual loss drags black's eval down and props white's up
	assert.Less(t, n.RawEval(Black, virtualLossCount), n.RawEval(Black, 0))
	assert.Greater(t, n.RawEval(White, virtualLossCount), n.RawEval(White, 0))

	n.addVirtualLoss()
	assert.Less(t, n.Eval(Black), n.RawEval(Black, 0))
	n.virtualLossUndo()
	assert.Equal(t, int32(0), n.virtLoss.Load())
	assert.Equal(t, n.Eval(Black), n.RawEval(Black, 0))
}

func TestEvalLCBUnvisited(t *testing.T) {
	initZTable(1e-5)

	fresh := newNode(game.Vertex(0), 0.9)
	assert.Equal(t, float32(-1e6), fresh.EvalLCB(Black))

	once := newNode(game.Vertex(1), 0.1)
	once.update(0.5)
	assert.Equal(t, float32(-1e6+1), once.EvalLCB(Black))

	visited := newNode(game.Vertex(2), 0.1)
	for i := 0; i < 8; i++ {
		visited.update(0.4)
	}
	// any visited node must sort above the unvisited ones
	assert.Greater(t, visited.EvalLCB(Black), once.EvalLCB(Black))
	assert.Greater(t, once.EvalLCB(Black), fresh.EvalLCB(Black))
	// constant evals mean zero variance, so the LCB is the mean
	assert.InDelta(t, 0.4, visited.EvalLCB(Black), 1e-5)
}

func TestAcquireExpandingSingleWinner(t *testing.T) {
	n := newNode(game.Vertex(0), 0.5)

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n.acquireExpanding() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	// cancelling reopens the node, completing does not
	n.expandCancel()
	assert.True(t, n.acquireExpanding())
	n.expandDone()
	assert.False(t, n.acquireExpanding())
}

func TestCreateChildrenSingleEvaluation(t *testing.T) {
	f := newFakeGame(3)
	f.legal = map[game.Vertex]bool{0: true, 1: true, 2: true}
	nn := &uniformNN{winrate: 0.5}
	conf := testConfig(GameGo, 3)
	var nodes atomic.Int32

	n := newNode(Pass, 0)
	const workers = 8
	var oks atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := n.createChildren(nn, &nodes, f.Clone(), &conf, 0)
			assert.NoError(t, err)
			if ok {
				oks.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), oks.Load(), "exactly one worker expands")
	assert.Equal(t, int32(1), nn.calls.Load(), "exactly one evaluation")
	assert.True(t, n.HasChildren())
	assert.Equal(t, int32(1), n.Visits(), "the winner applied the first update")
}

func TestCreateChildrenOthelloForcedPass(t *testing.T) {
	f := newFakeGame(8)
	f.legal = map[game.Vertex]bool{} // nothing playable
	nn := &uniformNN{winrate: 0.5}
	conf := testConfig(GameOthello, 8)
	var nodes atomic.Int32

	n := newNode(Pass, 0)
	_, ok, err := n.createChildren(nn, &nodes, f, &conf, 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, n.children, 1)
	assert.Equal(t, Pass, n.children[0].Move())
	assert.Equal(t, float32(1), n.children[0].Policy())
}

func TestCreateChildrenExtension(t *testing.T) {
	f := newFakeGame(3)
	f.legal = map[game.Vertex]bool{0: true, 1: true, 2: true, 3: true, 4: true}
	policy := make([]float32, 10)
	policy[0] = 0.5
	policy[1] = 0.25
	policy[2] = 0.2
	policy[3] = 0.04
	policy[4] = 0.01
	nn := &scriptedNN{policy: policy, winrate: 0.5}
	conf := testConfig(GameGo, 3)
	var nodes atomic.Int32

	n := newNode(Pass, 0)
	_, ok, err := n.createChildren(nn, &nodes, f.Clone(), &conf, 0.1)
	require.NoError(t, err)
	require.True(t, ok)

	// only priors >= 0.1 * maxPrior made the cut
	assert.Len(t, n.children, 3)
	assert.True(t, n.Expandable(0))
	assert.False(t, n.Expandable(0.1))

	// a fresh search clears the expansion state, then a lower threshold
	// admits exactly the remaining moves
	n.countNodesAndClearExpandState()
	_, ok, err = n.createChildren(nn, &nodes, f.Clone(), &conf, 0)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Len(t, n.children, 6) // the two small priors plus the pass
	assert.False(t, n.Expandable(0))
	seen := make(map[game.Vertex]int)
	for _, child := range n.children {
		seen[child.Move()]++
	}
	for move, count := range seen {
		assert.Equal(t, 1, count, "move %v linked twice", move)
	}
	assert.Equal(t, int32(6), nodes.Load())
	// re-expansion queried the network once more but must not re-update
	assert.Equal(t, int32(1), n.Visits())
}

func TestUCTSelectAvoidsExpanding(t *testing.T) {
	f := newFakeGame(3)
	f.legal = map[game.Vertex]bool{0: true, 1: true}
	policy := make([]float32, 10)
	policy[0] = 0.7
	policy[1] = 0.3
	nn := &scriptedNN{policy: policy, winrate: 0.5}
	conf := testConfig(GameGo, 3)
	var nodes atomic.Int32

	n := newNode(Pass, 0)
	_, _, err := n.createChildren(nn, &nodes, f.Clone(), &conf, 0)
	require.NoError(t, err)
	n.inflateAllChildren()

	var strong *NodePointer
	for _, child := range n.children {
		if child.Move() == game.Vertex(0) {
			strong = child
		}
	}
	require.NotNil(t, strong)

	// nobody expanding: the high-prior child wins
	picked := n.uctSelectChild(&conf, Black, false)
	assert.Equal(t, game.Vertex(0), picked.Move())

	// someone else is expanding it: pick a sibling instead
	strong.get().expandState.Store(expandExpanding)
	picked = n.uctSelectChild(&conf, Black, false)
	assert.NotEqual(t, game.Vertex(0), picked.Move())
	strong.get().expandState.Store(expandInitial)
}

func TestSortChildrenOrderingAndStability(t *testing.T) {
	initZTable(1e-5)

	n := newNode(Pass, 0)
	good := newNodePointer(game.Vertex(0), 0.2)
	good.Inflate()
	bad := newNodePointer(game.Vertex(1), 0.2)
	bad.Inflate()
	for i := 0; i < 10; i++ {
		good.get().update(0.9)
		bad.get().update(0.2)
	}
	// three unvisited children with identical priors, to probe stability
	u1 := newNodePointer(game.Vertex(2), 0.1)
	u2 := newNodePointer(game.Vertex(3), 0.1)
	u3 := newNodePointer(game.Vertex(4), 0.1)

	n.children = []*NodePointer{u1, bad, u2, good, u3}
	n.SortChildren(Black, 0)

	moves := make([]game.Vertex, 0, 5)
	for _, child := range n.children {
		moves = append(moves, child.Move())
	}
	assert.Equal(t, []game.Vertex{0, 1, 2, 3, 4}, moves,
		"visited children lead, ties keep their original order")
}

func TestFindChildTransfersOwnership(t *testing.T) {
	f := newFakeGame(3)
	f.legal = map[game.Vertex]bool{0: true, 1: true}
	nn := &uniformNN{winrate: 0.5}
	conf := testConfig(GameGo, 3)
	var nodes atomic.Int32

	n := newNode(Pass, 0)
	_, _, err := n.createChildren(nn, &nodes, f, &conf, 0)
	require.NoError(t, err)

	// pre-inflate and visit the child so we can tell it is the same
	// node that comes back
	for _, c := range n.children {
		if c.Move() == game.Vertex(1) {
			c.Inflate()
			c.get().update(0.7)
		}
	}

	child := n.FindChild(game.Vertex(1))
	require.NotNil(t, child)
	assert.Equal(t, game.Vertex(1), child.Move())
	assert.Equal(t, int32(1), child.Visits(), "ownership moved, state intact")

	// moves the tree never linked are simply not there
	assert.Nil(t, n.FindChild(game.Vertex(7)))
}
