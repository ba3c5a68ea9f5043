// Package prophet implements preloadd's prediction step: markov chains
// bid on the exes they link, exes bid on the maps they touch, and the
// resulting need ranking feeds a memory-budget-constrained readahead
// selection. Ported from prophet.c.
package prophet

import (
	"math"
	"sort"

	"github.com/anonymouse64/preloadd/internal/model"
	"github.com/anonymouse64/preloadd/internal/procprobe"
)

// clampPercent mirrors the original's clamp_percent macro.
func clampPercent(v int) int {
	if v > 100 {
		return 100
	}
	if v < -100 {
		return -100
	}
	return v
}

// kb rounds a byte count up to the nearest whole kilobyte.
func kb(v int64) int64 {
	return (v + 1023) / 1024
}

// markovBidForExe computes P(y runs in the next period | markov's current
// state) and folds log(1-P) into y.Lnprob. y must be the endpoint of
// markov that is not currently running; ystate is its bit in the state
// space (1 for A, 2 for B).
func markovBidForExe(markov *model.Markov, y *model.Exe, ystate int, correlation float64, cycleSeconds int) {
	state := markov.State

	if markov.Weight[state][state] == 0 || !(markov.TimeToLeave[state] > 1) {
		return
	}

	// probability the markov's state changes within the next period,
	// taken as 1.5 cycles: 1 - e^(-λ·period), λ = 1/time_to_leave[state].
	pStateChange := -float64(cycleSeconds) * 1.5 / markov.TimeToLeave[state]
	pStateChange = 1 - math.Exp(pStateChange)

	// probability y is the one that starts running, given a state
	// change, estimated linearly from historical transition counts.
	// regularized with a small constant denominator term.
	pYRunsNext := float64(markov.Weight[state][ystate] + markov.Weight[state][3])
	pYRunsNext /= float64(markov.Weight[state][state]) + 0.01

	correlation = math.Abs(correlation)

	pRuns := correlation * pStateChange * pYRunsNext
	y.Lnprob += math.Log(1 - pRuns)
}

func markovBidInExes(state *model.State, markov *model.Markov, useCorrelation bool, cycleSeconds int) {
	if markov.Weight[markov.State][markov.State] == 0 {
		return
	}

	correlation := 1.0
	if useCorrelation {
		correlation = markov.Correlation(state.Time)
	}

	if markov.State&1 == 0 { // a not running
		markovBidForExe(markov, markov.A, 1, correlation, cycleSeconds)
	}
	if markov.State&2 == 0 { // b not running
		markovBidForExe(markov, markov.B, 2, correlation, cycleSeconds)
	}
}

// exemapBidInMaps folds exe's need into every map it touches: a running
// exe votes against prefetching its maps (they're already resident),
// otherwise the map inherits the exe's own log-probability of not being
// needed.
func exemapBidInMaps(state *model.State, exe *model.Exe, em *model.ExeMap) {
	if state.ExeIsRunning(exe) {
		em.Map.Lnprob += 1
	} else {
		em.Map.Lnprob += exe.Lnprob
	}
}

// Predict recomputes every exe's and map's log-probability of not being
// needed in the next period, then selects and issues readahead for the
// maps most likely to be needed, constrained by the configured memory
// budget.
func Predict(state *model.State, prober *procprobe.Prober, useCorrelation bool, cycleSeconds int, memTotalPct, memFreePct, memCachedPct int, readahead func([]*model.Map) (int, error)) (int, error) {
	for _, exe := range state.Exes {
		exe.Lnprob = 0
	}
	for _, m := range state.MapsArr {
		m.Lnprob = 0
	}

	for _, markov := range state.Markovs() {
		markovBidInExes(state, markov, useCorrelation, cycleSeconds)
	}

	for _, pair := range state.Exemaps() {
		exemapBidInMaps(state, pair.Exe, pair.ExeMap)
	}

	sort.SliceStable(state.MapsArr, func(i, j int) bool {
		return state.MapsArr[i].Lnprob < state.MapsArr[j].Lnprob
	})

	return Readahead(state, prober, memTotalPct, memFreePct, memCachedPct, readahead)
}

// memoryBudgetKB computes the kilobytes preloadd is allowed to spend on
// prefetching, from clamped percentages of total/free/cached memory.
func memoryBudgetKB(memstat model.Memstat, memTotalPct, memFreePct, memCachedPct int) int {
	memavail := clampPercent(memTotalPct)*(memstat.Total/100) + clampPercent(memFreePct)*(memstat.Free/100)
	if memavail < 0 {
		memavail = 0
	}
	memavail += clampPercent(memCachedPct) * (memstat.Cached / 100)
	return memavail
}

// selectWithinBudget walks maps (assumed sorted ascending by Lnprob) and
// returns the length of the greedy prefix that both needs prefetching
// (Lnprob < 0) and fits within budgetKB.
func selectWithinBudget(maps []*model.Map, budgetKB int) int {
	i := 0
	for i < len(maps) {
		m := maps[i]
		if !(m.Lnprob < 0) || kb(m.Length) > int64(budgetKB) {
			break
		}
		budgetKB -= int(kb(m.Length))
		i++
	}
	return i
}

// Readahead walks state.MapsArr (assumed sorted ascending by Lnprob) and
// greedily selects a prefix that fits the memory budget computed from
// current system memory conditions, then hands the selection to readahead
// for execution.
func Readahead(state *model.State, prober *procprobe.Prober, memTotalPct, memFreePct, memCachedPct int, readahead func([]*model.Map) (int, error)) (int, error) {
	memstat, err := prober.GetMemstat()
	if err != nil {
		return 0, err
	}

	state.Memstat = memstat
	state.MemstatTimestamp = state.Time

	budget := memoryBudgetKB(memstat, memTotalPct, memFreePct, memCachedPct)
	i := selectWithinBudget(state.MapsArr, budget)
	if i == 0 {
		return 0, nil
	}
	return readahead(state.MapsArr[:i])
}
