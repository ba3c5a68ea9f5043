// Package spy implements the two data-acquisition phases of a tick cycle:
// Scan samples which known exes are currently running, and UpdateModel
// (run half a cycle later) folds newly discovered exes and accrued
// running time into the model. This is a direct port of spy.c.
package spy

import (
	"github.com/anonymouse64/preloadd/internal/model"
	"github.com/anonymouse64/preloadd/internal/procprobe"
)

// Spy holds the scratch state carried from Scan to the following
// UpdateModel call, mirroring spy.c's file-scope globals.
type Spy struct {
	prober *procprobe.Prober

	stateChangedExes []*model.Exe
	newRunningExes   []*model.Exe
	newExes          map[string]int // path -> pid
}

// New returns a Spy that reads processes through prober.
func New(prober *procprobe.Prober) *Spy {
	return &Spy{prober: prober}
}

// Scan walks every running process, marking known exes as running and
// queuing up unknown ones for UpdateModel to investigate.
func (s *Spy) Scan(state *model.State, exePrefixes []string) error {
	s.stateChangedExes = nil
	s.newRunningExes = nil
	s.newExes = make(map[string]int)

	err := s.prober.ForeachProcess(exePrefixes, func(pid int, path string) {
		s.runningProcess(state, pid, path)
	})
	if err != nil {
		return err
	}
	state.LastRunningTimestamp = state.Time

	// figure out who's not running anymore by checking their timestamp
	still := state.RunningExes
	state.RunningExes = nil
	for _, exe := range still {
		s.alreadyRunning(state, exe)
	}
	state.RunningExes = s.newRunningExes

	return nil
}

func (s *Spy) runningProcess(state *model.State, pid int, path string) {
	if exe, ok := state.Exes[path]; ok {
		if !state.ExeIsRunning(exe) {
			s.newRunningExes = append(s.newRunningExes, exe)
			s.stateChangedExes = append(s.stateChangedExes, exe)
		}
		exe.RunningTimestamp = state.Time
		return
	}
	if _, bad := state.BadExes[path]; bad {
		return
	}
	s.newExes[path] = pid
}

func (s *Spy) alreadyRunning(state *model.State, exe *model.Exe) {
	if state.ExeIsRunning(exe) {
		s.newRunningExes = append(s.newRunningExes, exe)
	} else {
		s.stateChangedExes = append(s.stateChangedExes, exe)
	}
}

// UpdateModel registers newly seen exes, folds state-change timestamps in,
// and accrues running time for every exe and markov chain. It should run
// roughly half a cycle after the Scan whose results it consumes.
func (s *Spy) UpdateModel(state *model.State, mapPrefixes []string, minsize int64) {
	for path, pid := range s.newExes {
		s.newExe(state, path, pid, mapPrefixes, minsize)
	}
	s.newExes = nil

	for _, exe := range s.stateChangedExes {
		s.exeChanged(state, exe)
	}
	s.stateChangedExes = nil

	period := state.Time - state.LastAccountingTimestamp
	for _, exe := range state.Exes {
		if state.ExeIsRunning(exe) {
			exe.Time += period
		}
	}
	for _, markov := range state.Markovs() {
		if markov.State == 3 {
			markov.Time += period
		}
	}
	state.LastAccountingTimestamp = state.Time
}

func (s *Spy) newExe(state *model.State, path string, pid int, mapPrefixes []string, minsize int64) {
	// size-only probe first: avoid building the full exemap set (and
	// touching state's shared map table) for a binary too small to be
	// worth tracking.
	size, _, err := s.prober.GetMaps(pid, nil, mapPrefixes, state.Time)
	if err != nil || size == 0 {
		// process died or vanished between scan and update.
		return
	}

	if size < minsize {
		state.BadExes[path] = int(size)
		return
	}

	size, exemaps, err := s.prober.GetMaps(pid, state, mapPrefixes, state.Time)
	if err != nil || size == 0 {
		return
	}

	exe := state.NewExe(path, true, exemaps)
	state.RegisterExe(exe, true)
	state.RunningExes = append(state.RunningExes, exe)
}

func (s *Spy) exeChanged(state *model.State, exe *model.Exe) {
	exe.ChangeTimestamp = state.Time
	for m := range exe.Markovs {
		state.MarkovStateChanged(m)
	}
}
