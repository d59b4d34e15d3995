package mcts

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// Critical values of the Student-t distribution, one entry per degree of
// freedom. 1000 entries is far enough into the flat tail that everything
// beyond just reuses the last value.
const zEntries = 1000

var (
	zMu     sync.Mutex
	zAlpha  = math.NaN()
	zLookup [zEntries]float32
)

// initZTable (re)builds the quantile table for the given significance
// level. Called from New; rebuilding is only needed when the alpha
// actually changed.
func initZTable(ciAlpha float64) {
	zMu.Lock()
	defer zMu.Unlock()
	if zAlpha == ciAlpha {
		return
	}
	for i := 1; i <= zEntries; i++ {
		dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(i)}
		zLookup[i-1] = float32(dist.Quantile(1 - ciAlpha))
	}
	zAlpha = ciAlpha
}

// cachedTQuantile returns the critical value for v degrees of freedom.
func cachedTQuantile(v int32) float32 {
	if v < 1 {
		return zLookup[0]
	}
	if v < zEntries {
		return zLookup[v-1]
	}
	return zLookup[zEntries-1]
}
