package model

// Memstat summarizes the system memory conditions preloadd read the last
// time it sampled /proc. All fields are in kilobytes except Pagein/Pageout
// which are also kilobytes of data paged in/out since boot.
type Memstat struct {
	Total   int
	Free    int
	Buffers int
	Cached  int
	Pagein  int
	Pageout int
}

// State is the root aggregate of the predictive model: every known exe,
// every map any known exe touches, and the markov chains between exes.
type State struct {
	Time int

	Exes    map[string]*Exe
	BadExes map[string]int
	Maps    map[mapKey]*Map
	MapsArr []*Map

	RunningExes []*Exe

	MapSeq int
	ExeSeq int

	LastRunningTimestamp    int
	LastAccountingTimestamp int

	Dirty      bool
	ModelDirty bool

	Memstat          Memstat
	MemstatTimestamp int
}

// NewState returns an empty, ready to use State.
func NewState() *State {
	return &State{
		Exes:    make(map[string]*Exe),
		BadExes: make(map[string]int),
		Maps:    make(map[mapKey]*Map),
	}
}

// ExeIsRunning reports whether exe has been observed running as of the
// state's last process scan.
func (s *State) ExeIsRunning(exe *Exe) bool {
	return exe.IsRunning(s.LastRunningTimestamp)
}

func (s *State) registerMap(m *Map) {
	m.Seq = s.nextMapSeq()
	s.Maps[m.key()] = m
	s.MapsArr = append(s.MapsArr, m)
}

func (s *State) nextMapSeq() int {
	s.MapSeq++
	return s.MapSeq
}

func (s *State) unregisterMap(m *Map) {
	delete(s.Maps, m.key())
	for i, mm := range s.MapsArr {
		if mm == m {
			s.MapsArr = append(s.MapsArr[:i], s.MapsArr[i+1:]...)
			break
		}
	}
}

// LookupMap finds a previously registered map with the same identity as m,
// if any.
func (s *State) LookupMap(m *Map) *Map {
	return s.Maps[m.key()]
}

// RefMap increments m's refcount, registering it with the state the first
// time it becomes referenced.
func (s *State) RefMap(m *Map) {
	if m.refcount == 0 {
		s.registerMap(m)
	}
	m.refcount++
}

// UnrefMap decrements m's refcount, dropping it from the state entirely
// once nothing references it anymore. Unreffing a map with no outstanding
// references is a programming error, not a runtime condition to recover
// from.
func (s *State) UnrefMap(m *Map) {
	if m.refcount == 0 {
		panic("preloadd: UnrefMap: refcount underflow on " + m.Path)
	}
	m.refcount--
	if m.refcount == 0 {
		s.unregisterMap(m)
	}
}

// NewExeMap builds an ExeMap referencing m, registering m with the state.
func (s *State) NewExeMap(m *Map) *ExeMap {
	s.RefMap(m)
	return &ExeMap{Map: m, Prob: 1.0}
}

// FreeExeMap releases em's reference to its map.
func (s *State) FreeExeMap(em *ExeMap) {
	s.UnrefMap(em.Map)
}

// NewExeMapFor attaches a new exemap for m onto exe, registering m.
func (s *State) NewExeMapFor(exe *Exe, m *Map) *ExeMap {
	em := s.NewExeMap(m)
	exe.AddExeMap(em)
	return em
}

// NewExe allocates an exe timestamped against the state's clock.
func (s *State) NewExe(path string, running bool, exemaps map[*ExeMap]struct{}) *Exe {
	return NewExe(path, running, exemaps, s.Time, s.LastRunningTimestamp)
}

// FreeExe releases every exemap and markov held by exe. Call only on an
// exe that has already been unregistered.
func (s *State) FreeExe(exe *Exe) {
	for em := range exe.Exemaps {
		s.FreeExeMap(em)
	}
	exe.Exemaps = nil
	for m := range exe.Markovs {
		m.Unlink(exe)
	}
	exe.Markovs = nil
}

// NewMarkovBetween builds (and links) the markov chain between a and b,
// seeded from the state's clock.
func (s *State) NewMarkovBetween(a, b *Exe, initialize bool) *Markov {
	return NewMarkov(a, b, initialize, s.Time, s.LastRunningTimestamp)
}

// MarkovStateChanged recomputes and folds m's state transition against the
// state's current clock.
func (s *State) MarkovStateChanged(m *Markov) {
	m.StateChanged(s.Time, s.LastRunningTimestamp)
}

// RegisterExe inserts exe into the state's exe table. When createMarkovs
// is true, a markov chain is created between exe and every exe already
// registered. Registering a path that's already present is a programming
// error: callers must check state.Exes themselves first.
func (s *State) RegisterExe(exe *Exe, createMarkovs bool) {
	if _, exists := s.Exes[exe.Path]; exists {
		panic("preloadd: RegisterExe: duplicate exe " + exe.Path)
	}
	exe.Seq = s.nextExeSeq()
	if createMarkovs {
		for _, other := range s.Exes {
			if other != exe {
				s.NewMarkovBetween(other, exe, true)
			}
		}
	}
	s.Exes[exe.Path] = exe
}

func (s *State) nextExeSeq() int {
	s.ExeSeq++
	return s.ExeSeq
}

// UnregisterExe removes exe from the state and frees its markov chains.
func (s *State) UnregisterExe(exe *Exe) {
	for m := range exe.Markovs {
		m.Unlink(exe)
	}
	exe.Markovs = nil
	delete(s.Exes, exe.Path)
}

// Markovs returns every markov chain in the state, each appearing once.
func (s *State) Markovs() []*Markov {
	seen := make(map[*Markov]struct{})
	var out []*Markov
	for _, exe := range s.Exes {
		for m := range exe.Markovs {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	return out
}

// Exemaps returns every (exe, exemap) pair in the state.
func (s *State) Exemaps() []struct {
	Exe    *Exe
	ExeMap *ExeMap
} {
	var out []struct {
		Exe    *Exe
		ExeMap *ExeMap
	}
	for _, exe := range s.Exes {
		for em := range exe.Exemaps {
			out = append(out, struct {
				Exe    *Exe
				ExeMap *ExeMap
			}{exe, em})
		}
	}
	return out
}
