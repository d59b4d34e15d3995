package mcts

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tengen-go/tengen/game"
)

func TestPointerUninflatedReads(t *testing.T) {
	p := newNodePointer(game.Vertex(7), 0.42)

	assert.False(t, p.IsInflated())
	assert.Equal(t, game.Vertex(7), p.Move())
	assert.InDelta(t, 0.42, p.Policy(), 1e-6)
	assert.Equal(t, int32(0), p.Visits())
	assert.True(t, p.FirstVisit())
	assert.Equal(t, float32(0), p.Eval(Black))
	assert.Equal(t, float32(-1e6), p.EvalLCB(Black))
	assert.True(t, p.Valid())
	assert.True(t, p.Active())
}

func TestInflateRaceOneWinner(t *testing.T) {
	p := newNodePointer(game.Vertex(3), 0.4)
	base := TreeSize()

	const workers = 16
	nodes := make([]*Node, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Inflate()
			nodes[i] = p.get()
		}(i)
	}
	wg.Wait()

	require.True(t, p.IsInflated())
	for i := 1; i < workers; i++ {
		assert.Same(t, nodes[0], nodes[i], "every racer sees the same node")
	}
	assert.Equal(t, base+1, TreeSize(), "one inflation, one counter bump")

	// inflation carried the move and prior over
	assert.Equal(t, game.Vertex(3), p.Move())
	assert.InDelta(t, 0.4, p.Policy(), 1e-6)

	released := p.release()
	require.NotNil(t, released)
	assert.Equal(t, base, TreeSize())
}

func TestReleaseTreeRestoresCounter(t *testing.T) {
	base := TreeSize()

	root := newNode(Pass, 0)
	root.children = []*NodePointer{
		newNodePointer(game.Vertex(0), 0.5),
		newNodePointer(game.Vertex(1), 0.3),
		newNodePointer(game.Vertex(2), 0.2),
	}
	root.children[0].Inflate()
	root.children[1].Inflate()

	child := root.children[0].get()
	child.children = []*NodePointer{newNodePointer(game.Vertex(4), 1)}
	child.children[0].Inflate()

	assert.Equal(t, base+3, TreeSize())
	releaseTree(root)
	assert.Equal(t, base, TreeSize(), "teardown returns every inflated node")
}
