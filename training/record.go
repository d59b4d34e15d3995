// Package training captures search results as training examples: the
// encoded position, the visit-derived move distribution, and - once the
// game is over - the outcome.
package training

import (
	"sync"

	"github.com/tengen-go/tengen/game"
	"github.com/tengen-go/tengen/mcts"
	"gorgonia.org/tensor"
)

// Example is one recorded position.
type Example struct {
	Planes        *tensor.Dense // (3, size, size) feature planes
	Probabilities []float32     // visit distribution, one entry per intersection plus pass
	ToMove        game.Player
	NetWinrate    float32 // the network's eval of the position
	RootEval      float32 // the search's eval of the position
	Outcome       float32 // 1 win, 0 loss, 0.5 draw; filled by CloseGame
}

// Recorder collects Examples over the course of a game. It implements
// mcts.Trainer.
type Recorder struct {
	mu       sync.Mutex
	examples []Example
}

func NewRecorder() *Recorder { return &Recorder{} }

// Record stores the current position together with the root's visit
// distribution. Positions without any visited children are skipped.
func (r *Recorder) Record(nn mcts.Inferencer, state game.State, root *mcts.Node) {
	var sumVisits int64
	for _, child := range root.Children() {
		sumVisits += int64(child.Visits())
	}
	if sumVisits <= 0 {
		return
	}

	probs := make([]float32, state.NumIntersections()+1)
	for _, child := range root.Children() {
		idx := int(child.Move())
		if child.Move() == game.Pass {
			idx = state.NumIntersections()
		} else if !child.Move().OnBoard() {
			continue
		}
		probs[idx] = float32(float64(child.Visits()) / float64(sumVisits))
	}

	toMove := state.ToMove()
	ex := Example{
		Planes:        BoardPlanes(state),
		Probabilities: probs,
		ToMove:        toMove,
		NetWinrate:    root.NetEval(toMove),
		RootEval:      root.RawEval(toMove, 0),
		Outcome:       0.5,
	}

	r.mu.Lock()
	r.examples = append(r.examples, ex)
	r.mu.Unlock()
}

// CloseGame backfills every example's outcome from the winner's
// perspective of the side to move.
func (r *Recorder) CloseGame(winner game.Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.examples {
		switch {
		case winner == game.Player(game.None):
			r.examples[i].Outcome = 0.5
		case r.examples[i].ToMove == winner:
			r.examples[i].Outcome = 1
		default:
			r.examples[i].Outcome = 0
		}
	}
}

// Examples returns the recorded examples.
func (r *Recorder) Examples() []Example {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Example(nil), r.examples...)
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.examples = r.examples[:0]
	r.mu.Unlock()
}
