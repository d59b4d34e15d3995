// Package mcts implements a parallel, neural-network-guided Monte-Carlo
// Tree Search (the PUCT variant popularized by AlphaZero). The search
// tree is shared by worker goroutines with lock-free read paths; virtual
// losses keep the workers from piling onto the same subtree, and a
// compare-exchange state machine arbitrates who expands a node.
package mcts

import (
	"github.com/pkg/errors"
	"github.com/tengen-go/tengen/game"
)

// Inferencer is essentially the neural network. The returned policy has
// one entry per intersection plus a trailing entry for the pass move; the
// winrate is from the side to move's perspective. Infer returns
// ErrEvalHalted when a drain has been requested, which unwinds the
// simulation that asked.
type Inferencer interface {
	Infer(state game.State) (policy []float32, winrate float32, err error)

	// DrainEvals makes in-flight and subsequent Infer calls return
	// ErrEvalHalted until ResumeEvals is called. The search drains the
	// evaluator before joining its workers.
	DrainEvals()
	ResumeEvals()
}

// Trainer records the search distribution of a finished think call for
// later training use.
type Trainer interface {
	Record(nn Inferencer, state game.State, root *Node)
}

// ErrEvalHalted is returned by an Inferencer whose evaluations have been
// drained.
var ErrEvalHalted = errors.New("evaluation halted")

const (
	Pass   = game.Pass
	Resign = game.Resign

	White = game.Player(game.White)
	Black = game.Player(game.Black)

	virtualLossCount = 3
)

// PassFlag restricts what Think is allowed to answer.
type PassFlag uint32

const (
	// NoResign forbids returning Resign.
	NoResign PassFlag = 1 << iota
	// NoPass forbids returning Pass unless it is the only move left.
	NoPass
)

// Kind selects the rule family the search is driving. The search itself
// is game agnostic except for a handful of spots: pass emission during
// expansion, superko pruning, the Dirichlet noise alpha, and whether the
// no-pass scan avoids filling eyes.
type Kind int

const (
	GameGo Kind = iota
	GameOthello
)

func (k Kind) String() string {
	switch k {
	case GameGo:
		return "go"
	case GameOthello:
		return "othello"
	}
	return "UNKNOWN GAME"
}
