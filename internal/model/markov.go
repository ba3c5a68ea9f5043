package model

import "math"

// Markov is a 4-state continuous-time Markov chain tracking the joint
// running state of two exes.
//
// state 0: neither running
// state 1: a running, b not
// state 2: b running, a not
// state 3: both running
type Markov struct {
	A, B *Exe
	Time int // total seconds both exes ran simultaneously (state 3)

	TimeToLeave [4]float64
	Weight      [4][4]int

	State           int
	ChangeTimestamp int
}

// OtherExe returns the endpoint of m that is not exe.
func (m *Markov) OtherExe(exe *Exe) *Exe {
	if m.A == exe {
		return m.B
	}
	return m.A
}

// markovState computes the current joint state of a and b given when each
// was last seen running relative to lastRunningTimestamp.
func markovState(a, b *Exe, lastRunningTimestamp int) int {
	state := 0
	if a.IsRunning(lastRunningTimestamp) {
		state |= 1
	}
	if b.IsRunning(lastRunningTimestamp) {
		state |= 2
	}
	return state
}

// NewMarkov builds the chain between a and b. When initialize is false the
// caller (state load from persisted data) is responsible for filling in
// Time, TimeToLeave and Weight directly; the chain is still linked into
// both exes' Markovs sets either way.
func NewMarkov(a, b *Exe, initialize bool, now, lastRunningTimestamp int) *Markov {
	m := &Markov{A: a, B: b}

	if initialize {
		m.State = markovState(a, b, lastRunningTimestamp)

		// Seed change_timestamp from whichever endpoint changed most
		// recently, so a freshly paired exe doesn't look like it just
		// transitioned. Both endpoints must carry a plausible
		// (non-negative, not-in-the-future) timestamp for this to apply.
		seed := now
		if a.ChangeTimestamp >= 0 && a.ChangeTimestamp <= now &&
			b.ChangeTimestamp >= 0 && b.ChangeTimestamp <= now {
			seed = a.ChangeTimestamp
			if b.ChangeTimestamp > seed {
				seed = b.ChangeTimestamp
			}
		}
		m.ChangeTimestamp = seed
		if a.ChangeTimestamp > seed {
			m.State ^= 1
		}
		if b.ChangeTimestamp > seed {
			m.State ^= 2
		}

		m.StateChanged(now, lastRunningTimestamp)
	}

	a.Markovs[m] = struct{}{}
	b.Markovs[m] = struct{}{}
	return m
}

// StateChanged recomputes m's state against the exes' current running
// status and folds the time spent in the previous state into the running
// mean TimeToLeave, the way an exponential-holding-time estimator does.
func (m *Markov) StateChanged(now, lastRunningTimestamp int) {
	if m.ChangeTimestamp == now {
		return // already accounted for this tick
	}

	oldState := m.State
	newState := markovState(m.A, m.B, lastRunningTimestamp)
	if oldState == newState {
		return
	}

	m.Weight[oldState][oldState]++
	m.TimeToLeave[oldState] += (float64(now-m.ChangeTimestamp) - m.TimeToLeave[oldState]) / float64(m.Weight[oldState][oldState])

	m.Weight[oldState][newState]++
	m.State = newState
	m.ChangeTimestamp = now
}

// Unlink removes m from the Markovs set of the endpoint other than from,
// or of both endpoints when from is nil. The caller clears from's own set.
func (m *Markov) Unlink(from *Exe) {
	if from != nil {
		delete(m.OtherExe(from).Markovs, m)
		return
	}
	delete(m.A.Markovs, m)
	delete(m.B.Markovs, m)
}

// Correlation computes the Pearson product-moment correlation coefficient
// between the two random variables "a is running" and "b is running",
// based on their long-run joint and marginal frequencies.
func (m *Markov) Correlation(stateTime int) float64 {
	t := float64(stateTime)
	a := float64(m.A.Time)
	b := float64(m.B.Time)
	ab := float64(m.Time)

	if a == 0 || a == t || b == 0 || b == t {
		return 0
	}

	numerator := t*ab - a*b
	denominator2 := (a * b) * ((t - a) * (t - b))
	return numerator / math.Sqrt(denominator2)
}
