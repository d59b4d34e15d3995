package training

import (
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tengen-go/tengen/game"
	"github.com/tengen-go/tengen/mcts"
	"github.com/tengen-go/tengen/timecontrol"
	"gorgonia.org/tensor"
)

// tinyGame is a 2x2 board where every empty vertex is playable. Just
// enough game for the search to run against.
type tinyGame struct {
	board  []game.Colour
	toMove game.Player
	passes int
	moves  []game.PlayerMove
	cursor int
}

func newTinyGame() *tinyGame {
	return &tinyGame{board: make([]game.Colour, 4), toMove: game.Player(game.Black)}
}

func (g *tinyGame) BoardSize() int        { return 2 }
func (g *tinyGame) NumIntersections() int { return 4 }
func (g *tinyGame) Board() []game.Colour  { return g.board }
func (g *tinyGame) Hash() game.Zobrist {
	h := fnv.New64a()
	for _, c := range g.board {
		h.Write([]byte{byte(c)})
	}
	h.Write([]byte{byte(g.toMove), byte(g.passes)})
	return game.Zobrist(h.Sum64())
}
func (g *tinyGame) ToMove() game.Player        { return g.toMove }
func (g *tinyGame) SetToMove(p game.Player)    { g.toMove = p }
func (g *tinyGame) Passes() int                { return g.passes }
func (g *tinyGame) MoveNumber() int            { return g.cursor }
func (g *tinyGame) Handicap() int              { return 0 }
func (g *tinyGame) Score(p game.Player) float32 { return 0 }
func (g *tinyGame) AdditionalScore() float32   { return 0 }

func (g *tinyGame) LastMove() game.PlayerMove {
	if g.cursor > 0 {
		return g.moves[g.cursor-1]
	}
	return game.PlayerMove{Player: game.Player(game.None), Vertex: game.NoVertex}
}

func (g *tinyGame) Check(m game.PlayerMove) bool {
	if m.Vertex.IsPass() || m.Vertex.IsResignation() {
		return true
	}
	return m.Vertex.OnBoard() && int(m.Vertex) < 4 && g.board[m.Vertex] == game.None
}

func (g *tinyGame) apply(m game.PlayerMove) {
	if m.Vertex.OnBoard() {
		g.board[m.Vertex] = game.Colour(m.Player)
		g.passes = 0
	} else if m.Vertex.IsPass() {
		g.passes++
	}
	g.toMove = m.Player.Opponent()
}

func (g *tinyGame) Apply(m game.PlayerMove) game.State {
	g.moves = append(g.moves[:g.cursor], m)
	g.cursor++
	g.apply(m)
	return g
}

func (g *tinyGame) UndoLastMove() {
	g.cursor--
	for i := range g.board {
		g.board[i] = game.None
	}
	g.passes = 0
	g.toMove = game.Player(game.Black)
	for _, m := range g.moves[:g.cursor] {
		g.apply(m)
	}
}

func (g *tinyGame) Fwd() {
	m := g.moves[g.cursor]
	g.cursor++
	g.apply(m)
}

func (g *tinyGame) Superko() bool                         { return false }
func (g *tinyGame) IsEye(p game.Player, v game.Vertex) bool { return false }
func (g *tinyGame) Eq(other game.State) bool              { return g.Hash() == other.Hash() }

func (g *tinyGame) Clone() game.State {
	clone := *g
	clone.board = append([]game.Colour(nil), g.board...)
	clone.moves = append([]game.PlayerMove(nil), g.moves...)
	return &clone
}

type flatNN struct{}

func (flatNN) Infer(state game.State) ([]float32, float32, error) {
	n := state.NumIntersections() + 1
	policy := make([]float32, n)
	for i := range policy {
		policy[i] = 1 / float32(n)
	}
	return policy, 0.5, nil
}

func (flatNN) DrainEvals()  {}
func (flatNN) ResumeEvals() {}

func TestBoardPlanes(t *testing.T) {
	g := newTinyGame()
	g.Apply(game.PlayerMove{Player: game.Player(game.Black), Vertex: game.Vertex(0)})
	g.Apply(game.PlayerMove{Player: game.Player(game.White), Vertex: game.Vertex(3)})

	planes := BoardPlanes(g)
	assert.Equal(t, tensor.Shape{3, 2, 2}, planes.Shape())

	data := planes.Data().([]float32)
	// black's view: own stones 1, opponent -1
	assert.Equal(t, float32(1), data[0])
	assert.Equal(t, float32(-1), data[3])
	// white's view is the mirror
	assert.Equal(t, float32(-1), data[4])
	assert.Equal(t, float32(1), data[7])
	// black to move again
	assert.Equal(t, float32(1), data[8])
}

func TestRecorderThroughSearch(t *testing.T) {
	g := newTinyGame()
	conf := mcts.DefaultConfig(mcts.GameOthello, 2)
	conf.NumThreads = 1
	conf.Quiet = true
	conf.TimeManage = timecontrol.Off
	conf.MaxVisits = 30

	s, err := mcts.New(g, conf, flatNN{})
	require.NoError(t, err)

	rec := NewRecorder()
	s.SetTrainer(rec)

	move := s.Think(game.Player(game.Black), 0)
	require.True(t, g.Check(game.PlayerMove{Player: game.Player(game.Black), Vertex: move}))

	examples := rec.Examples()
	require.Len(t, examples, 1)
	ex := examples[0]

	var sum float32
	for _, p := range ex.Probabilities {
		assert.GreaterOrEqual(t, p, float32(0))
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-4, "visit distribution normalizes")
	assert.Len(t, ex.Probabilities, 5)
	assert.Equal(t, game.Player(game.Black), ex.ToMove)
	assert.Equal(t, float32(0.5), ex.Outcome, "open games count as draws")

	rec.CloseGame(game.Player(game.Black))
	assert.Equal(t, float32(1), rec.Examples()[0].Outcome)
	rec.CloseGame(game.Player(game.White))
	assert.Equal(t, float32(0), rec.Examples()[0].Outcome)

	rec.Reset()
	assert.Empty(t, rec.Examples())
}
