// Package timecontrol implements the per-move wall-clock budgeting the
// search runs under: absolute main time plus Japanese (periods) or
// Canadian (stones) byo-yomi overtime. All durations are centiseconds.
package timecontrol

import (
	"fmt"
	"time"

	"github.com/tengen-go/tengen/game"
)

// TimeManagement selects how aggressively the search may stop early.
type TimeManagement int

const (
	Off TimeManagement = iota
	On
	Fast
	// NoPruning keeps all root children active so self-play training
	// data stays unbiased, while still allowing early exit.
	NoPruning
)

func (t TimeManagement) String() string {
	switch t {
	case Off:
		return "off"
	case On:
		return "on"
	case Fast:
		return "fast"
	case NoPruning:
		return "no_pruning"
	}
	return "UNKNOWN"
}

const centi = 10 * time.Millisecond

// TimeControl tracks both players' clocks.
type TimeControl struct {
	mainTime   int
	byoTime    int
	byoStones  int
	byoPeriods int

	remaining   [2]int
	stonesLeft  [2]int
	periodsLeft [2]int
	inByo       [2]bool

	started [2]time.Time

	lagBufferCs int
}

// New creates a TimeControl with the given main time and byo-yomi
// structure, all clocks reset.
func New(mainTime, byoTime, byoStones, byoPeriods int) *TimeControl {
	tc := &TimeControl{
		mainTime:    mainTime,
		byoTime:     byoTime,
		byoStones:   byoStones,
		byoPeriods:  byoPeriods,
		lagBufferCs: 100,
	}
	tc.ResetClocks()
	return tc
}

// SetLagBuffer sets the margin kept back on every move for network or
// GUI hiccups.
func (tc *TimeControl) SetLagBuffer(cs int) { tc.lagBufferCs = cs }

func colorIdx(color game.Player) int {
	if color == game.Player(game.White) {
		return 1
	}
	return 0
}

// ResetClocks restores both clocks to the configured control.
func (tc *TimeControl) ResetClocks() {
	tc.remaining = [2]int{tc.mainTime, tc.mainTime}
	tc.stonesLeft = [2]int{tc.byoStones, tc.byoStones}
	tc.periodsLeft = [2]int{tc.byoPeriods, tc.byoPeriods}
	inByo := tc.mainTime <= 0
	tc.inByo = [2]bool{inByo, inByo}
	// now that the byo-yomi status is known, fill the clocks
	if inByo {
		tc.remaining = [2]int{tc.byoTime, tc.byoTime}
	}
}

// Start starts the given player's clock.
func (tc *TimeControl) Start(color game.Player) {
	tc.started[colorIdx(color)] = time.Now()
}

// Stop stops the given player's clock and applies the elapsed time,
// entering or replenishing byo-yomi as needed.
func (tc *TimeControl) Stop(color game.Player) {
	c := colorIdx(color)
	elapsedCentis := int(time.Since(tc.started[c]) / centi)

	tc.remaining[c] -= elapsedCentis

	if tc.inByo[c] {
		if tc.byoStones > 0 {
			tc.stonesLeft[c]--
		} else if tc.byoPeriods > 0 {
			if elapsedCentis > tc.byoTime {
				tc.periodsLeft[c]--
			}
		}
	}

	switch {
	case !tc.inByo[c] && tc.remaining[c] <= 0:
		// main time up, entering byo-yomi
		tc.remaining[c] = tc.byoTime
		tc.stonesLeft[c] = tc.byoStones
		tc.periodsLeft[c] = tc.byoPeriods
		tc.inByo[c] = true
	case tc.inByo[c] && tc.byoStones > 0 && tc.stonesLeft[c] <= 0:
		// finished a Canadian period, reset time and stones
		tc.remaining[c] = tc.byoTime
		tc.stonesLeft[c] = tc.byoStones
	case tc.inByo[c] && tc.byoPeriods > 0:
		tc.remaining[c] = tc.byoTime
	}
}

// AdjustTime sets a player's clock from the outside (e.g. the host's
// time_left handling). stones carries the byo-yomi stones or periods.
func (tc *TimeControl) AdjustTime(color game.Player, timeCs, stones int) {
	c := colorIdx(color)
	tc.remaining[c] = timeCs
	// some hosts send 0 0 at the end of main time
	if timeCs == 0 && stones == 0 {
		tc.inByo[c] = true
		tc.remaining[c] = tc.byoTime
		tc.stonesLeft[c] = tc.byoStones
		tc.periodsLeft[c] = tc.byoPeriods
		return
	}
	if stones != 0 {
		// stones are only given in byo-yomi
		tc.inByo[c] = true
	}
	// we must be in byo-yomi before interpreting stones
	if tc.inByo[c] {
		if tc.byoStones > 0 {
			tc.stonesLeft[c] = stones
		} else if tc.byoPeriods > 0 {
			tc.periodsLeft[c] = stones
		}
	}
}

// OpeningMoves is how many moves count as "the opening" for budgeting:
// think faster early on.
func (tc *TimeControl) OpeningMoves(boardsize int) int {
	numIntersections := boardsize * boardsize
	return numIntersections / 6
}

// MovesExpected estimates the number of moves still to play. With time
// management on we take early exits, so the base estimate can be more
// generous.
func (tc *TimeControl) MovesExpected(boardsize, movenum int, manage TimeManagement) int {
	boardDiv := 5
	if manage != Off {
		boardDiv = 9
	}

	// constant as the game goes on, so underestimating is fair
	baseRemaining := (boardsize * boardsize) / boardDiv

	// don't think too long in the opening
	fastMoves := tc.OpeningMoves(boardsize)
	if movenum < fastMoves {
		return baseRemaining + fastMoves - movenum
	}
	return baseRemaining
}

// MaxTimeForMove computes this move's wall-clock budget in centiseconds.
func (tc *TimeControl) MaxTimeForMove(boardsize int, color game.Player, movenum int) int {
	return tc.maxTimeForMove(boardsize, color, movenum, On)
}

// MaxTimeForMoveManaged is MaxTimeForMove under an explicit management
// mode, which shifts the moves-remaining estimate.
func (tc *TimeControl) MaxTimeForMoveManaged(boardsize int, color game.Player, movenum int, manage TimeManagement) int {
	return tc.maxTimeForMove(boardsize, color, movenum, manage)
}

func (tc *TimeControl) maxTimeForMove(boardsize int, color game.Player, movenum int, manage TimeManagement) int {
	c := colorIdx(color)

	// default: no byo-yomi (absolute time)
	timeRemaining := tc.remaining[c]
	movesRemaining := tc.MovesExpected(boardsize, movenum, manage)
	extraTimePerMove := 0

	if tc.byoTime != 0 {
		// byo time set but no stones or periods means infinite time:
		// one month
		if tc.byoStones == 0 && tc.byoPeriods == 0 {
			return 31 * 24 * 60 * 60 * 100
		}

		if tc.inByo[c] {
			if tc.byoStones > 0 {
				movesRemaining = tc.stonesLeft[c]
			} else {
				// just use the byo-yomi period
				timeRemaining = 0
				extraTimePerMove = tc.byoTime
			}
		} else {
			// byo-yomi time but not in byo-yomi yet
			if tc.byoStones > 0 {
				byoExtra := tc.byoTime / tc.byoStones
				timeRemaining = tc.remaining[c] + byoExtra
				// add back the guaranteed extra seconds
				extraTimePerMove = byoExtra
			} else {
				byoExtra := tc.byoTime * (tc.periodsLeft[c] - 1)
				timeRemaining = tc.remaining[c] + byoExtra
				extraTimePerMove = tc.byoTime
			}
		}
	}

	// always keep a lag buffer margin for network or GUI hiccups
	baseTime := max(timeRemaining-tc.lagBufferCs, 0) / max(movesRemaining, 1)
	incTime := max(extraTimePerMove-tc.lagBufferCs, 0)

	return baseTime + incTime
}

// CanAccumulateTime reports whether moving quickly banks time for later.
// In Japanese byo-yomi, and on the last stone of a Canadian period, it
// doesn't: use the whole period.
func (tc *TimeControl) CanAccumulateTime(color game.Player) bool {
	c := colorIdx(color)
	if tc.inByo[c] {
		// cannot accumulate in Japanese byo-yomi
		if tc.byoPeriods > 0 {
			return false
		}
		// cannot accumulate in Canadian style with one move remaining
		// in the period
		if tc.byoStones > 0 && tc.stonesLeft[c] == 1 {
			return false
		}
	}
	return true
}

// TimeString renders a player's clock for display.
func (tc *TimeControl) TimeString(color game.Player) string {
	c := colorIdx(color)
	rem := tc.remaining[c] / 100
	hours := rem / 3600
	minutes := (rem % 3600) / 60
	seconds := rem % 60

	out := fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	if tc.inByo[c] {
		if tc.byoStones > 0 {
			out += fmt.Sprintf(", %d stones left", tc.stonesLeft[c])
		} else if tc.byoPeriods > 0 {
			out += fmt.Sprintf(", %d period(s) of %d seconds left",
				tc.periodsLeft[c], tc.byoTime/100)
		}
	}
	return out
}
