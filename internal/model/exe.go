package model

// Exe is a known executable: its total accumulated running time, the set
// of maps it touches and the markov chains linking it to every other exe
// it has ever been observed to run alongside.
type Exe struct {
	Path       string
	Time       int // total seconds running, ever
	UpdateTime int

	Exemaps map[*ExeMap]struct{}
	Markovs map[*Markov]struct{}

	Size             int64
	RunningTimestamp int // -1 if never seen running
	ChangeTimestamp  int // time started/stopped running
	Lnprob           float64
	Seq              int
}

// NewExe allocates an exe not yet registered with any State. When running
// is true, RunningTimestamp is seeded from lastRunningTimestamp so the
// exe is immediately considered running; exemaps may be nil, in which case
// an empty set is created.
func NewExe(path string, running bool, exemaps map[*ExeMap]struct{}, now, lastRunningTimestamp int) *Exe {
	e := &Exe{
		Path:            path,
		ChangeTimestamp: now,
		Markovs:         make(map[*Markov]struct{}),
	}
	if running {
		e.UpdateTime = lastRunningTimestamp
		e.RunningTimestamp = lastRunningTimestamp
	} else {
		e.UpdateTime = -1
		e.RunningTimestamp = -1
	}
	if exemaps == nil {
		exemaps = make(map[*ExeMap]struct{})
	}
	e.Exemaps = exemaps
	for em := range exemaps {
		e.Size += em.Map.Length
	}
	return e
}

// AddExeMap attaches map m to e, growing e's accumulated size.
func (e *Exe) AddExeMap(em *ExeMap) {
	e.Exemaps[em] = struct{}{}
	e.Size += em.Map.Length
}

// IsRunning reports whether e has been seen running as of lastRunningTimestamp.
func (e *Exe) IsRunning(lastRunningTimestamp int) bool {
	return e.RunningTimestamp >= lastRunningTimestamp
}
