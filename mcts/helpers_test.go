package mcts

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/tengen-go/tengen/game"
	"github.com/tengen-go/tengen/timecontrol"
)

// fakeGame is a scriptable game.State. It knows nothing about real
// rules: legality, eyes, scores and superko verdicts are injected by the
// test. Moves place stones and flip the side to move, passes count, and
// the history supports undo/forward, which is all the search needs.
type fakeGame struct {
	size   int
	board  []game.Colour
	toMove game.Player
	passes int

	moves  []game.PlayerMove
	cursor int

	toMove0     game.Player
	baseMoveNum int

	komi                   float32
	handicap               int
	blackScore, whiteScore float32

	legal        map[game.Vertex]bool // nil means any empty vertex is legal
	passIllegal  bool
	eyes         map[game.Vertex]bool
	superkoAfter map[game.Vertex]bool
}

func newFakeGame(size int) *fakeGame {
	return &fakeGame{
		size:    size,
		board:   make([]game.Colour, size*size),
		toMove:  Black,
		toMove0: Black,
	}
}

func (f *fakeGame) BoardSize() int        { return f.size }
func (f *fakeGame) NumIntersections() int { return f.size * f.size }
func (f *fakeGame) Board() []game.Colour  { return f.board }

func (f *fakeGame) Hash() game.Zobrist {
	h := fnv.New64a()
	for _, c := range f.board {
		h.Write([]byte{byte(c)})
	}
	h.Write([]byte{byte(f.toMove), byte(f.passes)})
	return game.Zobrist(h.Sum64())
}

func (f *fakeGame) ToMove() game.Player      { return f.toMove }
func (f *fakeGame) SetToMove(p game.Player)  { f.toMove = p }
func (f *fakeGame) Passes() int              { return f.passes }
func (f *fakeGame) MoveNumber() int          { return f.baseMoveNum + f.cursor }
func (f *fakeGame) Handicap() int            { return f.handicap }
func (f *fakeGame) AdditionalScore() float32 { return f.komi }

func (f *fakeGame) LastMove() game.PlayerMove {
	if f.cursor > 0 {
		return f.moves[f.cursor-1]
	}
	return game.PlayerMove{Player: game.Player(game.None), Vertex: game.NoVertex}
}

func (f *fakeGame) Score(p game.Player) float32 {
	if p == Black {
		return f.blackScore
	}
	return f.whiteScore
}

func (f *fakeGame) Check(m game.PlayerMove) bool {
	switch {
	case m.Vertex.IsResignation():
		return true
	case m.Vertex.IsPass():
		return !f.passIllegal
	case !m.Vertex.OnBoard() || int(m.Vertex) >= f.NumIntersections():
		return false
	}
	if f.board[m.Vertex] != game.None {
		return false
	}
	return f.legal == nil || f.legal[m.Vertex]
}

func (f *fakeGame) applyMove(m game.PlayerMove) {
	if m.Vertex.OnBoard() {
		f.board[m.Vertex] = game.Colour(m.Player)
		f.passes = 0
	} else if m.Vertex.IsPass() {
		f.passes++
	}
	f.toMove = m.Player.Opponent()
}

func (f *fakeGame) Apply(m game.PlayerMove) game.State {
	f.moves = append(f.moves[:f.cursor], m)
	f.cursor++
	f.applyMove(m)
	return f
}

func (f *fakeGame) UndoLastMove() {
	f.cursor--
	for i := range f.board {
		f.board[i] = game.None
	}
	f.passes = 0
	f.toMove = f.toMove0
	for _, m := range f.moves[:f.cursor] {
		f.applyMove(m)
	}
}

func (f *fakeGame) Fwd() {
	m := f.moves[f.cursor]
	f.cursor++
	f.applyMove(m)
}

func (f *fakeGame) Superko() bool {
	return f.cursor > 0 && f.superkoAfter[f.moves[f.cursor-1].Vertex]
}

func (f *fakeGame) IsEye(p game.Player, v game.Vertex) bool { return f.eyes[v] }

func (f *fakeGame) Eq(other game.State) bool { return f.Hash() == other.Hash() }

func (f *fakeGame) Clone() game.State {
	clone := *f
	clone.board = append([]game.Colour(nil), f.board...)
	clone.moves = append([]game.PlayerMove(nil), f.moves...)
	return &clone
}

// uniformNN returns a flat policy and a fixed winrate.
type uniformNN struct {
	winrate float32
	calls   atomic.Int32
}

func (u *uniformNN) Infer(state game.State) ([]float32, float32, error) {
	u.calls.Add(1)
	n := state.NumIntersections() + 1
	policy := make([]float32, n)
	for i := range policy {
		policy[i] = 1 / float32(n)
	}
	return policy, u.winrate, nil
}

func (u *uniformNN) DrainEvals()  {}
func (u *uniformNN) ResumeEvals() {}

// scriptedNN evaluates with a fixed policy vector.
type scriptedNN struct {
	policy  []float32
	winrate float32
}

func (s *scriptedNN) Infer(state game.State) ([]float32, float32, error) {
	return s.policy, s.winrate, nil
}

func (s *scriptedNN) DrainEvals()  {}
func (s *scriptedNN) ResumeEvals() {}

// haltNN answers uniformly until drained, then raises the halt signal.
type haltNN struct {
	uniformNN
	drained atomic.Bool
}

func (h *haltNN) Infer(state game.State) ([]float32, float32, error) {
	if h.drained.Load() {
		return nil, 0, ErrEvalHalted
	}
	return h.uniformNN.Infer(state)
}

func (h *haltNN) DrainEvals()  { h.drained.Store(true) }
func (h *haltNN) ResumeEvals() { h.drained.Store(false) }

func testConfig(kind Kind, size int) Config {
	conf := DefaultConfig(kind, size)
	conf.NumThreads = 1
	conf.Quiet = true
	conf.TimeManage = timecontrol.Off
	conf.MaxVisits = 64
	return conf
}
