package mcts

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"
	rng "github.com/leesper/go_rng"
	"github.com/rs/zerolog"
	"github.com/tengen-go/tengen/game"
	"github.com/tengen-go/tengen/timecontrol"
)

// infiniteTimeCs stands in for "no clock": one month, in centiseconds.
const infiniteTimeCs = 31 * 24 * 60 * 60 * 100

// Search drives the tree search for one game. It owns the root of the
// current tree and remembers the state the root corresponded to at the
// end of the previous call, which is what makes tree reuse possible.
//
// The host owns the game state; Think reads it where it stands.
type Search struct {
	Config
	nn      Inferencer
	trainer Trainer

	rand  *rand.Rand
	gamma *rng.GammaGenerator

	logger         zerolog.Logger
	analysisWriter io.Writer

	rootState     game.State
	lastRootState game.State
	root          *Node

	tm *timecontrol.TimeControl

	nodes    atomic.Int32 // nodes across the live tree
	playouts atomic.Int32 // completed playouts this call
	run      atomic.Bool

	maxPlayouts int32
	maxVisits   int32

	deleteWG sync.WaitGroup // background subtree teardown

	thinkOutput string
}

// New creates a Search over the given game state and evaluator.
func New(state game.State, conf Config, nn Inferencer) (*Search, error) {
	if err := conf.Valid(); err != nil {
		return nil, err
	}
	initZTable(conf.CIAlpha)

	seed := time.Now().UnixNano()
	logger := zerolog.Nop()
	if !conf.Quiet {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	s := &Search{
		Config:    conf,
		nn:        nn,
		rand:      rand.New(rand.NewSource(seed)),
		gamma:     rng.NewGammaGenerator(seed),
		logger:    logger,
		rootState: state,
		root:      newNode(Pass, 0),
	}
	s.SetPlayoutLimit(conf.MaxPlayouts)
	s.SetVisitLimit(conf.MaxVisits)
	return s, nil
}

// SetGame replaces the game state the search reads from.
func (s *Search) SetGame(state game.State) { s.rootState = state }

// SetTrainer installs a recorder invoked once per completed Think.
func (s *Search) SetTrainer(t Trainer) { s.trainer = t }

// SetTimeControl attaches a clock. Without one every move gets an
// effectively infinite budget.
func (s *Search) SetTimeControl(tm *timecontrol.TimeControl) {
	tm.SetLagBuffer(s.LagBufferCs)
	s.tm = tm
}

// SetAnalysisWriter directs periodic analysis lines to w.
func (s *Search) SetAnalysisWriter(w io.Writer) { s.analysisWriter = w }

// SetLogger replaces the search's logger.
func (s *Search) SetLogger(l zerolog.Logger) { s.logger = l }

// SetPlayoutLimit bounds the playouts per Think call.
func (s *Search) SetPlayoutLimit(playouts int32) {
	s.maxPlayouts = min(playouts, UnlimitedPlayouts)
}

// SetVisitLimit bounds the root visits per Think call.
func (s *Search) SetVisitLimit(visits int32) {
	s.maxVisits = min(visits, UnlimitedPlayouts)
}

// Playouts returns the playouts completed by the current/last call.
func (s *Search) Playouts() int32 { return s.playouts.Load() }

// Nodes returns the node count of the live tree.
func (s *Search) Nodes() int32 { return s.nodes.Load() }

func (s *Search) isRunning() bool {
	return s.run.Load() && TreeSize() < s.MaxTreeSize
}

// minPsaRatio is the expansion admission threshold dictated by how much
// of the memory budget is spent. At the budget, expansion halts
// altogether (no prior can reach 2.0 times the best prior).
func (s *Search) minPsaRatio() float32 {
	memFull := float32(TreeSize()) / float32(s.MaxTreeSize)
	switch {
	case memFull >= 1:
		return 2
	case memFull > 0.95:
		return 0.01
	case memFull > 0.5:
		return 0.001
	}
	return 0
}

// playSimulation runs one playout: descend by PUCT under virtual loss,
// expand at the leaf, back-propagate the evaluation along the descent
// path. An error means the evaluator is draining; the virtual losses
// unwind through the deferred calls and nothing is updated.
func (s *Search) playSimulation(cur game.State, n *Node) (searchResult, error) {
	color := cur.ToMove()
	var result searchResult
	newNodeCreated := false

	n.addVirtualLoss()
	defer n.virtualLossUndo()

	if n.Expandable(0) {
		if cur.Passes() >= 2 {
			// two consecutive passes end the game; score the board
			result = resultFromScore(combinedScore(cur))
		} else {
			hadChildren := n.HasChildren()
			eval, ok, err := n.createChildren(s.nn, &s.nodes, cur, &s.Config, s.minPsaRatio())
			if err != nil {
				return searchResult{}, err
			}
			if !hadChildren && ok {
				result = resultFromEval(eval)
				newNodeCreated = true
			}
		}
	}

	if n.HasChildren() && !result.valid {
		next := n.uctSelectChild(&s.Config, color, n == s.root)
		move := next.Move()
		cur = cur.Apply(game.PlayerMove{Player: color, Vertex: move})
		if s.Config.Game == GameGo && move != Pass && cur.Superko() {
			next.Invalidate()
		} else {
			var err error
			result, err = s.playSimulation(cur, next)
			if err != nil {
				return searchResult{}, err
			}
		}
	}

	// a new node got its update inside createChildren
	if result.valid && !newNodeCreated {
		n.update(result.eval)
	}
	return result, nil
}

func (s *Search) worker(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		cur := s.rootState.Clone()
		result, err := s.playSimulation(cur, s.root)
		if err != nil {
			return // evaluator drained; exit cleanly
		}
		if result.valid {
			s.playouts.Add(1)
		}
		if !s.isRunning() {
			return
		}
	}
}

// advanceToNewRootstate tries to walk the previous root forward to the
// current game state, move by move, promoting the matching child each
// time and sending the discarded siblings to the reaper. Returns false
// whenever the current state cannot be reached that way.
func (s *Search) advanceToNewRootstate() bool {
	if s.root == nil || s.lastRootState == nil {
		return false
	}
	if s.rootState.AdditionalScore() != s.lastRootState.AdditionalScore() {
		// komi changed; the stored evaluations are useless
		return false
	}
	depth := s.rootState.MoveNumber() - s.lastRootState.MoveNumber()
	if depth < 0 {
		return false
	}

	test := s.rootState.Clone()
	for i := 0; i < depth; i++ {
		test.UndoLastMove()
	}
	if s.lastRootState.Hash() != test.Hash() {
		// rootState and lastRootState don't match
		return false
	}

	// make sure the nodes we discarded last move are in fact gone
	s.deleteWG.Wait()

	for i := 0; i < depth; i++ {
		test.Fwd()
		move := test.LastMove()

		oldRoot := s.root
		s.root = oldRoot.FindChild(move.Vertex)

		// tear the old root down off the critical path
		s.scheduleDeletion(oldRoot)

		if s.root == nil {
			// tree hasn't been expanded this far
			return false
		}
		// replay with the natural side to move; if the host had the
		// other color play this vertex, the hash check below catches it
		s.lastRootState = s.lastRootState.Apply(game.PlayerMove{
			Player: s.lastRootState.ToMove(),
			Vertex: move.Vertex,
		})
	}

	if s.rootState.MoveNumber() != s.lastRootState.MoveNumber() {
		// can happen if the host plays multiple moves in a row by the same player
		return false
	}
	if s.lastRootState.Hash() != s.rootState.Hash() {
		return false
	}
	return true
}

func (s *Search) scheduleDeletion(n *Node) {
	s.deleteWG.Add(1)
	go func() {
		defer s.deleteWG.Done()
		releaseTree(n)
	}()
}

// updateRoot reuses the previous tree when possible, otherwise starts a
// fresh root. Either way the node count is rebuilt and stray expansion
// states on never-finished subtrees are cleared.
func (s *Search) updateRoot() {
	// playouts are per call, so reset now
	s.playouts.Store(0)
	startNodes := s.nodes.Load()

	if !s.advanceToNewRootstate() || s.root == nil {
		if s.root != nil {
			s.scheduleDeletion(s.root)
		}
		s.root = newNode(Pass, 0)
	}
	// clear lastRootState to prevent accidental use
	s.lastRootState = nil

	s.nodes.Store(s.root.countNodesAndClearExpandState())
	if reused := s.nodes.Load(); reused > 0 && startNodes > 0 {
		s.logger.Debug().
			Int32("was", startNodes).Int32("now", reused).
			Msg("tree reuse")
	}
}

// estPlayoutsLeft estimates how many more playouts this move will get,
// from the configured limits and the measured playout rate.
func (s *Search) estPlayoutsLeft(elapsedCentis, timeForMove int) int32 {
	playouts := s.playouts.Load()
	playoutsLeft := max(0, min(s.maxPlayouts-playouts, s.maxVisits-s.root.Visits()))

	// wait for at least 1 second and 100 playouts so the rate is reliable
	if elapsedCentis < 100 || playouts < 100 {
		return playoutsLeft
	}
	playoutRate := float32(playouts) / float32(elapsedCentis)
	timeLeft := max(0, timeForMove-elapsedCentis)
	return min(playoutsLeft, int32(math32.Ceil(playoutRate*float32(timeLeft))))
}

// pruneNoncontenders counts root children that can no longer catch up
// with the leader, and optionally marks them pruned. A child stays a
// contender while it could still reach the leader's visits or while its
// winrate is at least the best lower confidence bound.
func (s *Search) pruneNoncontenders(color game.Player, elapsedCentis, timeForMove int, prune bool) int {
	var lcbMax float32
	var nFirst int32
	for _, child := range s.root.children {
		if !child.Valid() {
			continue
		}
		visits := child.Visits()
		if visits > 0 {
			lcbMax = math32.Max(lcbMax, child.EvalLCB(color))
		}
		nFirst = max(nFirst, visits)
	}
	minRequiredVisits := nFirst - s.estPlayoutsLeft(elapsedCentis, timeForMove)
	prunedNodes := 0
	for _, child := range s.root.children {
		if !child.Valid() {
			continue
		}
		visits := child.Visits()
		hasEnoughVisits := visits >= minRequiredVisits
		highWinrate := visits > 0 && child.RawEval(color) >= lcbMax
		pruneThisNode := !(hasEnoughVisits || highWinrate)

		if prune {
			child.SetActive(!pruneThisNode)
		}
		if pruneThisNode {
			prunedNodes++
		}
	}
	return prunedNodes
}

// haveAlternateMoves reports whether the search still has more than one
// contender worth spending time on. When it doesn't, and the time
// control lets us bank the saved time, we stop early.
func (s *Search) haveAlternateMoves(color game.Player, elapsedCentis, timeForMove int) bool {
	if s.TimeManage == timecontrol.Off {
		return true
	}
	// self-play disables pruning so the training data stays unbiased
	prune := s.TimeManage != timecontrol.NoPruning
	pruned := s.pruneNoncontenders(color, elapsedCentis, timeForMove, prune)
	if pruned < len(s.root.children)-1 {
		return true
	}
	// if we cannot save up time anyway, use all of it, unless "fast"
	// management asks for quick responses to obvious moves
	canAccumulate := s.tm == nil || s.tm.CanAccumulateTime(color)
	if !canAccumulate || s.maxPlayouts < UnlimitedPlayouts {
		if s.TimeManage != timecontrol.Fast {
			return true
		}
	}
	if timeForMove-elapsedCentis > 50 {
		s.logger.Info().
			Float32("seconds_saved", float32(timeForMove-elapsedCentis)/100).
			Msg("only one contender left, stopping early")
	}
	return false
}

func (s *Search) stopThinking(elapsedCentis, timeForMove int) bool {
	return s.playouts.Load() >= s.maxPlayouts ||
		s.root.Visits() >= s.maxVisits ||
		elapsedCentis >= timeForMove
}

func centis(d time.Duration) int { return int(d / (10 * time.Millisecond)) }

// Think searches the current position for the given color and returns
// the move to play.
func (s *Search) Think(color game.Player, passFlag PassFlag) game.Vertex {
	if s.tm != nil {
		s.tm.Start(color)
	}
	start := time.Now()

	s.updateRoot()
	s.rootState.SetToMove(color)

	timeForMove := infiniteTimeCs
	if s.tm != nil {
		timeForMove = s.tm.MaxTimeForMoveManaged(s.BoardSize, color, s.rootState.MoveNumber(), s.TimeManage)
	}
	s.logger.Debug().
		Float32("seconds", float32(timeForMove)/100).
		Msg("thinking at most")

	// make sure there is a sorted list of legal moves, so we play
	// something decent even in time trouble
	s.prepareRootNode(color)

	s.run.Store(true)
	var wg sync.WaitGroup
	for i := 0; i < s.NumThreads; i++ {
		wg.Add(1)
		go s.worker(&wg)
	}

	keepRunning := true
	lastUpdate, lastOutput := 0, 0
	for keepRunning {
		time.Sleep(10 * time.Millisecond)
		elapsedCentis := centis(time.Since(start))

		if s.AnalyzeIntervalCs > 0 && s.analysisWriter != nil &&
			elapsedCentis-lastOutput > s.AnalyzeIntervalCs {
			lastOutput = elapsedCentis
			s.outputAnalysis(s.analysisWriter, color)
		}
		// progress note every few seconds
		if !s.Quiet && elapsedCentis-lastUpdate > 250 {
			lastUpdate = elapsedCentis
			s.logger.Info().Msg(s.analysisString(int(s.playouts.Load())))
		}
		keepRunning = s.isRunning()
		keepRunning = keepRunning && !s.stopThinking(elapsedCentis, timeForMove)
		keepRunning = keepRunning && s.haveAlternateMoves(color, elapsedCentis, timeForMove)
	}

	// make sure to post at least once
	if s.AnalyzeIntervalCs > 0 && s.analysisWriter != nil && lastOutput == 0 {
		s.outputAnalysis(s.analysisWriter, color)
	}

	// stop the search and quiesce the workers
	s.run.Store(false)
	s.nn.DrainEvals()
	wg.Wait()
	s.nn.ResumeEvals()

	// reactivate all pruned root children; they may be useful next call
	for _, child := range s.root.children {
		child.SetActive(true)
	}

	if s.tm != nil {
		s.tm.Stop(color)
	}
	if !s.root.HasChildren() {
		return Pass
	}

	s.dumpStats(color)
	if s.trainer != nil {
		s.trainer.Record(s.nn, s.rootState, s.root)
	}

	elapsedCentis := centis(time.Since(start))
	s.logger.Info().
		Int32("visits", s.root.Visits()).
		Int32("nodes", s.nodes.Load()).
		Int32("playouts", s.playouts.Load()).
		Float32("playouts_per_s", float32(s.playouts.Load())*100/float32(elapsedCentis+1)).
		Msg("search done")

	bestMove := s.bestMove(color, passFlag)

	colorChar := "B"
	if color == White {
		colorChar = "W"
	}
	s.thinkOutput = fmt.Sprintf("move %d, %s => %s\n%s",
		s.rootState.MoveNumber(), colorChar,
		game.MoveToText(bestMove, s.BoardSize),
		s.analysisString(int(s.root.Visits())))

	// keep a copy of the root state to check for tree reuse next call
	s.lastRootState = s.rootState.Clone()
	return bestMove
}

// ExplainLastThink returns a short summary of the previous Think call.
func (s *Search) ExplainLastThink() string { return s.thinkOutput }

// Ponder searches on the opponent's time. It runs until ctx is cancelled
// (typically: input arrived) or a stop condition fires. Nothing is
// recorded for training.
func (s *Search) Ponder(ctx context.Context) {
	disableReuse := len(s.AnalyzeAvoid) > 0
	if disableReuse {
		s.lastRootState = nil
	}

	s.updateRoot()
	color := s.rootState.ToMove()
	s.prepareRootNode(color)

	s.run.Store(true)
	var wg sync.WaitGroup
	for i := 0; i < s.NumThreads; i++ {
		wg.Add(1)
		go s.worker(&wg)
	}

	start := time.Now()
	keepRunning := true
	lastOutput := 0
	for keepRunning && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
		if s.AnalyzeIntervalCs > 0 && s.analysisWriter != nil {
			elapsedCentis := centis(time.Since(start))
			if elapsedCentis-lastOutput > s.AnalyzeIntervalCs {
				lastOutput = elapsedCentis
				s.outputAnalysis(s.analysisWriter, color)
			}
		}
		keepRunning = s.isRunning() && !s.stopThinking(0, 1)
	}

	if s.AnalyzeIntervalCs > 0 && s.analysisWriter != nil && lastOutput == 0 {
		s.outputAnalysis(s.analysisWriter, color)
	}

	s.run.Store(false)
	s.nn.DrainEvals()
	wg.Wait()
	s.nn.ResumeEvals()

	for _, child := range s.root.children {
		child.SetActive(true)
	}

	s.dumpStats(color)
	s.logger.Info().
		Int32("visits", s.root.Visits()).
		Int32("nodes", s.nodes.Load()).
		Msg("ponder done")

	if !disableReuse {
		s.lastRootState = s.rootState.Clone()
	}
}

// bestMove extracts the move to play from the finished search, fiddling
// with passes and resignation as the rule set demands.
func (s *Search) bestMove(color game.Player, passFlag PassFlag) game.Vertex {
	if len(s.root.children) == 0 {
		return Pass
	}

	var maxVisits int32
	for _, child := range s.root.children {
		maxVisits = max(maxVisits, child.Visits())
	}

	// make sure best is first
	s.root.SortChildren(color, s.LCBMinVisitRatio*float32(maxVisits))

	// randomize the best move proportionally to the playout counts,
	// early game only
	if s.rootState.MoveNumber() < s.RandomCount {
		s.root.randomizeFirstProportionally(s.rand, s.RandomMinVisits, s.RandomTemp)
	}

	firstChild := s.root.children[0]
	bestMove := firstChild.Move()
	besteval := float32(0.5)
	if !firstChild.FirstVisit() {
		besteval = firstChild.RawEval(color)
	}

	relativeScore := combinedScore(s.rootState)
	if color == White {
		relativeScore = -relativeScore
	}

	if passFlag&NoPass != 0 {
		if bestMove == Pass {
			nopass := s.root.noPassChild(s.rootState, s.Config.Game == GameGo)
			if nopass != nil {
				s.logger.Debug().Msg("preferring not to pass")
				bestMove = nopass.Move()
				besteval = 1
				if !nopass.FirstVisit() {
					besteval = nopass.RawEval(color)
				}
			} else {
				s.logger.Debug().Msg("pass is the only acceptable move")
			}
		}
	} else if s.Config.Game != GameOthello && !s.DumbPass {
		if bestMove == Pass {
			// passing is on top; check whether passing loses instantly,
			// on a full count of the current board
			switch {
			case relativeScore < 0:
				s.logger.Debug().Msg("passing loses, avoiding it")
				nopass := s.root.noPassChild(s.rootState, true)
				if nopass != nil {
					bestMove = nopass.Move()
					besteval = 1
					if !nopass.FirstVisit() {
						besteval = nopass.RawEval(color)
					}
				} else {
					s.logger.Debug().Msg("no alternative to passing")
				}
			case relativeScore > 0:
				s.logger.Debug().Msg("passing wins")
			default:
				// a draw; prefer a searched alternative that looks winning
				nopass := s.root.noPassChild(s.rootState, true)
				if nopass != nil && !nopass.FirstVisit() {
					if nopassEval := nopass.RawEval(color); nopassEval > 0.5 {
						s.logger.Debug().Msg("passing draws, trying the alternative")
						bestMove = nopass.Move()
						besteval = nopassEval
					}
				}
			}
		} else if s.rootState.LastMove().Vertex == Pass {
			// the opponent just passed. Should we end the game?
			switch {
			case !s.rootState.Check(game.PlayerMove{Player: color, Vertex: Pass}):
				s.logger.Debug().Msg("passing is forbidden, playing on")
			case relativeScore < 0:
				s.logger.Debug().Msg("passing loses, playing on")
			case relativeScore > 0:
				s.logger.Debug().Msg("passing wins, passing out")
				bestMove = Pass
			default:
				// passing draws; make it depend on the evaluation
				if besteval < 0.5 {
					bestMove = Pass
				}
			}
		}
	}

	// if we aren't passing, should we consider resigning?
	if bestMove != Pass && s.shouldResign(passFlag, besteval, color) {
		s.logger.Info().
			Float32("winrate", besteval*100).
			Msg("eval looks bad, resigning")
		bestMove = Resign
	}
	return bestMove
}

func (s *Search) shouldResign(passFlag PassFlag, besteval float32, color game.Player) bool {
	if passFlag&NoResign != 0 {
		return false
	}
	if s.ResignPercent == 0 {
		return false
	}

	numIntersections := s.numIntersections()
	movenum := s.rootState.MoveNumber()
	if movenum <= numIntersections/4 {
		// too early in the game to resign
		return false
	}

	isDefaultResign := s.ResignPercent < 0
	resignThreshold := float32(0.1)
	if !isDefaultResign {
		resignThreshold = 0.01 * float32(s.ResignPercent)
	}
	if besteval > resignThreshold {
		return false
	}

	if handicap := s.rootState.Handicap(); handicap > 0 && color == White && isDefaultResign {
		handicapThreshold := resignThreshold / float32(1+handicap)
		// blend the thresholds over the opening so white can hope the
		// opponent fumbles the handicap advantage
		blendRatio := math32.Min(1, float32(movenum)/(0.6*float32(numIntersections)))
		blended := blendRatio*resignThreshold + (1-blendRatio)*handicapThreshold
		if besteval > blended {
			return false
		}
	}

	if !s.rootState.Check(game.PlayerMove{Player: color, Vertex: Resign}) {
		return false
	}
	return true
}
