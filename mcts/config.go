package mcts

import (
	"math"
	"runtime"

	"github.com/pkg/errors"
	"github.com/tengen-go/tengen/game"
	"github.com/tengen-go/tengen/timecontrol"
)

// UnlimitedPlayouts is the playout/visit limit meaning "no limit". It is
// half the type max so concurrent increments cannot overflow the counter.
const UnlimitedPlayouts = math.MaxInt32 / 2

// Config is the structure to configure a Search.
type Config struct {
	Game      Kind
	BoardSize int

	NumThreads int

	// PUCT exploration shape
	PUCT     float32
	LogPUCT  float32
	LogConst float32

	// first play urgency
	FPUReduction     float32
	FPURootReduction float32

	// early-game move randomization
	RandomCount     int // if the move number is less than this, randomize the first move
	RandomTemp      float32
	RandomMinVisits int32

	Noise    bool // Dirichlet noise on the root priors
	DumbPass bool // skip the pass-avoidance heuristics

	// ResignPercent below which we resign; -1 picks the default of 10.
	// 0 disables resignation altogether.
	ResignPercent int

	// lower confidence bound selection
	CIAlpha          float64
	LCBMinVisitRatio float32

	LagBufferCs int

	MaxTreeSize int64
	MaxPlayouts int32
	MaxVisits   int32

	TimeManage timecontrol.TimeManagement

	// analysis emission
	AnalyzeIntervalCs int
	AnalyzeAvoid      []game.Vertex // root moves never to consider
	PostMoveCount     int           // zero-visit moves are included in analysis while fewer than this many entries are collected

	Quiet bool
}

// DefaultConfig returns the tuning the engine ships with for the given
// game and board size.
func DefaultConfig(kind Kind, boardSize int) Config {
	return Config{
		Game:             kind,
		BoardSize:        boardSize,
		NumThreads:       runtime.NumCPU(),
		PUCT:             0.5,
		LogPUCT:          0.015,
		LogConst:         1.7,
		FPUReduction:     0.25,
		FPURootReduction: 0.25,
		RandomTemp:       1.0,
		RandomMinVisits:  1,
		DumbPass:         false,
		ResignPercent:    -1,
		CIAlpha:          1e-5,
		LCBMinVisitRatio: 0.1,
		LagBufferCs:      100,
		MaxTreeSize:      25000000, // at roughly 48 bytes a node that is about 1.2GB
		MaxPlayouts:      UnlimitedPlayouts,
		MaxVisits:        UnlimitedPlayouts,
		TimeManage:       timecontrol.On,
	}
}

// Valid reports whether the configuration is usable.
func (c Config) Valid() error {
	if c.BoardSize < 2 {
		return errors.Errorf("board size %d is too small", c.BoardSize)
	}
	if c.NumThreads < 1 {
		return errors.Errorf("need at least one worker, got %d", c.NumThreads)
	}
	if c.PUCT <= 0 {
		return errors.New("PUCT constant must be positive")
	}
	if c.MaxTreeSize <= 0 {
		return errors.New("max tree size must be positive")
	}
	if c.CIAlpha <= 0 || c.CIAlpha >= 1 {
		return errors.Errorf("CI alpha %v out of (0, 1)", c.CIAlpha)
	}
	if c.RandomCount > 0 && c.RandomTemp <= 0 {
		return errors.New("randomization needs a positive temperature")
	}
	return nil
}

func (c Config) numIntersections() int { return c.BoardSize * c.BoardSize }
